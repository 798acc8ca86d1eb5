package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/specialistvlad/calcgrid/internal/calcnode"
	"github.com/specialistvlad/calcgrid/internal/calcnode/remote"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
)

// ServeNode runs a calculation node for the loaded function catalog on
// addr until ctx is done. Clients connect with remote_node_url.
func (a *App) ServeNode(ctx context.Context, addr string) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return a.serveNode(ctx, lis)
}

func (a *App) serveNode(ctx context.Context, lis net.Listener) error {
	logger := ctxlog.FromContext(ctx)
	host, _ := os.Hostname()
	node := calcnode.NewSimpleNode(fmt.Sprintf("%s-%d", host, os.Getpid()), a.Domain().Functions)
	server := remote.NewServer(ctx, node, a.config.Engine.Workers)

	mux := a.healthMux()
	mux.Handle(remote.DefaultPath, server.Handler())
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🖥️ Calculation node listening.", "node", node.ID(), "address", lis.Addr().String(),
			"workers", a.config.Engine.Workers)
		errCh <- httpServer.Serve(lis)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	logger.Info("Calculation node shutting down.")
	err := errors.Join(httpServer.Shutdown(shutdownCtx), server.Close())
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}
