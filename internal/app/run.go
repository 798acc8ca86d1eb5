package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/cycle"
	"github.com/specialistvlad/calcgrid/internal/view"
)

// ErrOutputsFailed is returned, wrapped, when a cycle finished but some of
// its terminal outputs have no value.
var ErrOutputsFailed = errors.New("some outputs failed")

// CycleRequest names the calculation to run.
type CycleRequest struct {
	View       string
	CalcConfig string
	// ValuationTime defaults to now.
	ValuationTime     time.Time
	VersionCorrection view.VersionCorrection
}

func (a *App) newCycle(req CycleRequest) (*cycle.Cycle, error) {
	a.mu.RLock()
	domain, factory := a.domain, a.factory
	a.mu.RUnlock()

	def, err := domain.View(req.View)
	if err != nil {
		return nil, err
	}
	valuationTime := req.ValuationTime
	if valuationTime.IsZero() {
		valuationTime = time.Now().UTC()
	}
	return factory.NewCycle(def, req.CalcConfig, valuationTime, req.VersionCorrection)
}

// RunCycle runs one cycle and prints its result.
func (a *App) RunCycle(ctx context.Context, req CycleRequest) (*cycle.Result, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	c, err := a.newCycle(req)
	if err != nil {
		return nil, err
	}

	costs := a.costs.Acquire()
	defer func() {
		if err := costs.Release(ctx); err != nil {
			a.logger.Warn("Releasing cost statistics failed.", "error", err)
		}
	}()

	res, err := c.Run(ctx)
	if res == nil {
		return nil, err
	}
	if rerr := a.render(res); rerr != nil {
		return res, errors.Join(err, rerr)
	}
	if err != nil {
		return res, err
	}
	if failed := len(res.Failed()); failed > 0 {
		return res, fmt.Errorf("%d of %d outputs: %w", failed, len(res.Outcomes), ErrOutputsFailed)
	}
	return res, nil
}

func (a *App) render(res *cycle.Result) error {
	if a.config.Output == "json" {
		return renderResultJSON(a.outW, res)
	}
	return renderResultTable(a.outW, res)
}

// Plan builds and fragments the request's graph and prints the plan
// without executing it.
func (a *App) Plan(ctx context.Context, req CycleRequest) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	c, err := a.newCycle(req)
	if err != nil {
		return err
	}
	p, err := c.Plan(ctx)
	if err != nil {
		return err
	}
	return renderPlan(a.outW, p)
}
