package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/specialistvlad/calcgrid/internal/calcnode"
	"github.com/specialistvlad/calcgrid/internal/calcnode/remote"
	"github.com/specialistvlad/calcgrid/internal/coststats"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/cycle"
	"github.com/specialistvlad/calcgrid/internal/depgraph"
	"github.com/specialistvlad/calcgrid/internal/dispatcher"
	"github.com/specialistvlad/calcgrid/internal/fragment"
	"github.com/specialistvlad/calcgrid/internal/hclconfig"
	"github.com/specialistvlad/calcgrid/internal/runqueue"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	config     *Config
	costs      *coststats.Store
	httpServer *http.Server

	mu      sync.RWMutex
	domain  *hclconfig.Config
	builder *depgraph.Builder
	factory *cycle.Factory
	// pool is the in-process pool; nil when jobs go to a remote node.
	pool   *calcnode.LocalPool
	remote *remote.Client
}

// NewApp loads the configuration and wires the calculation engine. Results
// are printed to outW and logs written to logW.
func NewApp(ctx context.Context, outW, logW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	a := &App{ctx: ctx, outW: outW, logger: logger, config: cfg}

	costOpts := coststats.DefaultOptions()
	costOpts.Decay = cfg.Engine.Cost.Decay
	if cfg.Engine.Cost.DBPath != "" {
		p, err := coststats.OpenBadger(cfg.Engine.Cost.DBPath, logger)
		if err != nil {
			return nil, err
		}
		costOpts.Persister = p
	}
	costs, err := coststats.NewStore(costOpts)
	if err != nil {
		if costOpts.Persister != nil {
			_ = costOpts.Persister.Close()
		}
		return nil, err
	}
	a.costs = costs
	if err := costs.Load(ctx); err != nil {
		_ = costs.Release(ctx)
		return nil, err
	}

	if url := cfg.Engine.RemoteNodeURL; url != "" {
		client, err := remote.Dial(ctx, url, remote.DialOptions{})
		if err != nil {
			_ = costs.Release(ctx)
			return nil, fmt.Errorf("connect to calculation node: %w", err)
		}
		a.remote = client
	}

	if err := a.Reload(); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.healthCheckServer()
	return a, nil
}

// Reload reads the configuration paths again and rewires the engine around
// the new catalog. It must not overlap a running cycle: the old local pool
// is closed.
func (a *App) Reload() error {
	logger := ctxlog.FromContext(a.ctx)
	domain, err := hclconfig.Load(a.ctx, a.config.ConfigPaths...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Debug("Configuration loaded.", "files", len(domain.Files), "functions", domain.Functions.Len(),
		"market_data", domain.MarketData.Len(), "views", len(domain.Views))

	e := a.config.Engine
	kind, err := runqueue.ParseKind(e.RunQueue)
	if err != nil {
		return err
	}
	builder, err := depgraph.NewBuilder(domain.Functions, domain.MarketData, depgraph.Options{
		Workers:                e.Workers,
		EnableFailureReporting: e.FailureReporting,
		AbortOnFailure:         e.AbortOnFailure,
		IgnoreExclusionGroups:  e.IgnoreExclusionGroups,
		RunQueue:               runqueue.FIFO,
		CacheSize:              e.GraphCacheSize,
	})
	if err != nil {
		return err
	}
	fragmenter, err := fragment.New(fragment.Options{
		MinSize:        e.Fragment.MinSize,
		MaxSize:        e.Fragment.MaxSize,
		MaxConcurrency: e.Fragment.MaxConcurrency,
		MaxCost:        e.Fragment.MaxCost,
	}, a.costs)
	if err != nil {
		return err
	}

	var pool calcnode.Pool
	var local *calcnode.LocalPool
	if a.remote != nil {
		pool = a.remote
	} else {
		local = calcnode.NewLocalPool(a.ctx, calcnode.NewSimpleNode("local", domain.Functions), e.Workers)
		pool = local
	}
	opts := dispatcher.Options{
		RunQueue:             kind,
		MaxInFlight:          e.MaxInFlight,
		InlineSingleItemJobs: e.InlineSingleItemJobs,
		Costs:                a.costs,
	}
	if e.InlineSingleItemJobs {
		opts.Inline = calcnode.NewSimpleNode("inline", domain.Functions)
	}
	d, err := dispatcher.New(pool, domain.MarketData, opts)
	if err != nil {
		closeLocal(local)
		return err
	}
	factory, err := cycle.NewFactory(builder, fragmenter, d)
	if err != nil {
		closeLocal(local)
		return err
	}

	a.mu.Lock()
	old, oldBuilder := a.pool, a.builder
	a.domain, a.builder, a.factory, a.pool = domain, builder, factory, local
	a.mu.Unlock()

	if oldBuilder != nil {
		oldBuilder.Invalidate()
		logger.Info("🔄 Configuration reloaded, graph cache invalidated.")
	}
	closeLocal(old)
	return nil
}

func closeLocal(p *calcnode.LocalPool) {
	if p != nil {
		_ = p.Close()
	}
}

// Close stops the health check server and the node pool and flushes the
// cost statistics.
func (a *App) Close() error {
	var errs []error
	errs = append(errs, a.closeHealthCheckServer())
	a.mu.Lock()
	local := a.pool
	a.pool = nil
	a.mu.Unlock()
	if local != nil {
		errs = append(errs, local.Close())
	}
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.costs != nil {
		errs = append(errs, a.costs.Release(a.ctx))
	}
	return errors.Join(errs...)
}

// Domain returns the loaded configuration.
func (a *App) Domain() *hclconfig.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.domain
}
