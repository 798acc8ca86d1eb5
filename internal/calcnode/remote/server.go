package remote

import (
	"context"
	"fmt"
	"net/http"

	"github.com/specialistvlad/calcgrid/internal/calcnode"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/zishang520/socket.io/v2/socket"
)

// Server hosts a calculation node behind a socket.io endpoint. Jobs from
// every connected client share one LocalPool; each result goes back to the
// client that sent the job.
type Server struct {
	ctx  context.Context
	io   *socket.Server
	pool *calcnode.LocalPool
}

// NewServer starts workers goroutines executing jobs on node. ctx bounds
// every job the server runs.
func NewServer(ctx context.Context, node calcnode.Node, workers int) *Server {
	s := &Server{
		ctx:  ctx,
		io:   socket.NewServer(nil, nil),
		pool: calcnode.NewLocalPool(ctx, node, workers),
	}
	s.io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.onConnection(client)
	})
	return s
}

// Handler serves the socket.io endpoint, by default under /socket.io/.
func (s *Server) Handler() http.Handler {
	return s.io.ServeHandler(nil)
}

// Close disconnects every client and waits for running jobs.
func (s *Server) Close() error {
	s.io.Close(nil)
	return s.pool.Close()
}

func (s *Server) onConnection(client *socket.Socket) {
	logger := ctxlog.FromContext(s.ctx).With("component", "remote_server", "sid", string(client.Id()))
	logger.Info("🔌 Client connected.")

	client.On("disconnect", func(reason ...any) {
		logger.Info("Client disconnected.", "reason", fmt.Sprint(reason...))
	})
	client.On(EventJob, func(data ...any) {
		if len(data) == 0 {
			return
		}
		payload, ok := data[0].(string)
		if !ok {
			logger.Warn("Rejected job with unexpected payload.", "type", fmt.Sprintf("%T", data[0]))
			return
		}
		job, err := calcnode.DecodeJob([]byte(payload))
		if err != nil {
			logger.Warn("Rejected undecodable job.", "error", err)
			return
		}
		logger.Debug("Job received.", "job", job.Spec.JobID.String(), "items", len(job.Items))

		reply := func(res *calcnode.JobResult) {
			out, err := calcnode.EncodeResult(res)
			if err != nil {
				logger.Error("Failed to encode job result.", "job", res.Spec.JobID.String(), "error", err)
				out, err = calcnode.EncodeResult(calcnode.FailedResult(job, res.Node, err))
				if err != nil {
					return
				}
			}
			if err := client.Emit(EventResult, string(out)); err != nil {
				logger.Warn("Failed to send job result.", "job", res.Spec.JobID.String(), "error", err)
			}
		}
		if err := s.pool.Submit(s.ctx, job, reply); err != nil {
			reply(calcnode.FailedResult(job, "remote", err))
		}
	})
}
