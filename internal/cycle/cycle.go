// Package cycle runs view cycles: one build, fragmentation and execution of
// a view's calculation configuration at a valuation time.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/depgraph"
	"github.com/specialistvlad/calcgrid/internal/dispatcher"
	"github.com/specialistvlad/calcgrid/internal/fragment"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/specialistvlad/calcgrid/internal/view"
	"github.com/zclconf/go-cty/cty"
)

// Factory creates cycles over a fixed set of components. It is safe for
// concurrent use; cycles share nothing but the builder's cache and the
// dispatcher's pool.
type Factory struct {
	builder    *depgraph.Builder
	fragmenter *fragment.Fragmenter
	dispatcher *dispatcher.Dispatcher
}

// NewFactory wires the components of a cycle.
func NewFactory(b *depgraph.Builder, f *fragment.Fragmenter, d *dispatcher.Dispatcher) (*Factory, error) {
	if b == nil || f == nil || d == nil {
		return nil, errors.New("cycle: builder, fragmenter and dispatcher are required")
	}
	return &Factory{builder: b, fragmenter: f, dispatcher: d}, nil
}

// NewCycle prepares a cycle of def's calcConfig. It does no work yet.
func (f *Factory) NewCycle(def *view.Definition, calcConfig string, valuationTime time.Time, vc view.VersionCorrection) (*Cycle, error) {
	cc, ok := def.CalcConfig(calcConfig)
	if !ok {
		return nil, fmt.Errorf("cycle: view %q has no calculation configuration %q", def.Name, calcConfig)
	}
	return &Cycle{
		ID:      uuid.New(),
		factory: f,
		request: depgraph.Request{
			View:              def.Name,
			CalcConfig:        cc.Name,
			ValuationTime:     valuationTime,
			VersionCorrection: vc,
			Requirements:      cc.Requirements,
		},
	}, nil
}

// Cycle is a single run of a view. Run it once.
type Cycle struct {
	ID      uuid.UUID
	factory *Factory
	request depgraph.Request
}

// Plan builds and fragments the cycle's graph without executing it.
func (c *Cycle) Plan(ctx context.Context) (*fragment.Plan, error) {
	g, err := c.factory.builder.Build(ctx, c.request)
	if err != nil {
		return nil, fmt.Errorf("cycle %s: %w", c.ID, err)
	}
	p, err := c.factory.fragmenter.Fragment(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("cycle %s: %w", c.ID, err)
	}
	return p, nil
}

// Run builds, fragments and executes the cycle. Only a failed build is an
// error; per-output problems are reported in the result. After
// cancellation the partial result is returned with the context's error.
func (c *Cycle) Run(ctx context.Context) (*Result, error) {
	logger := ctxlog.FromContext(ctx).With("cycle", c.ID.String())
	ctx = ctxlog.WithLogger(ctx, logger)
	started := time.Now()
	logger.Info("▶️ Cycle started.", "view", c.request.View, "calc_config", c.request.CalcConfig,
		"valuation_time", c.request.ValuationTime)

	p, err := c.Plan(ctx)
	if err != nil {
		return nil, err
	}
	exec, err := c.factory.dispatcher.Execute(ctx, p, c.ID)
	if err != nil {
		return nil, fmt.Errorf("cycle %s: %w", c.ID, err)
	}
	// Cancellation reaches the coordinator through ctx; waiting on it too
	// would lose the partial result.
	executed, waitErr := exec.Wait(context.WithoutCancel(ctx))

	res := newResult(c, p, executed, time.Since(started))
	logger.Info("🏁 Cycle finished.", "outcomes", len(res.Outcomes), "failed", len(res.Failed()),
		"duration", res.Duration)
	return res, waitErr
}

// Outcome is what happened to one terminal requirement: a value, or the
// reason there is none. Failure is a *depgraph.ResolutionFailure, a
// *calcnode.JobExecutionFailure, a market data error or a context error.
type Outcome struct {
	Requirement   value.Requirement
	Specification value.Specification
	Value         cty.Value
	Failure       error
}

// OK reports whether the requirement was computed.
func (o Outcome) OK() bool { return o.Failure == nil }

// Result is the outcome of a cycle.
type Result struct {
	CycleID       uuid.UUID
	View          string
	CalcConfig    string
	ValuationTime time.Time
	// Outcomes holds one entry per terminal requirement, sorted.
	Outcomes  []Outcome
	Graph     *depgraph.Graph
	Plan      *fragment.Plan
	Execution *dispatcher.Result
	Duration  time.Duration
}

func newResult(c *Cycle, p *fragment.Plan, executed *dispatcher.Result, elapsed time.Duration) *Result {
	g := p.Graph
	res := &Result{
		CycleID:       c.ID,
		View:          c.request.View,
		CalcConfig:    c.request.CalcConfig,
		ValuationTime: c.request.ValuationTime,
		Graph:         g,
		Plan:          p,
		Execution:     executed,
		Duration:      elapsed,
	}
	failures := g.Failures()
	for _, req := range g.Requirements() {
		o := Outcome{Requirement: req}
		if f, ok := failures[req]; ok {
			o.Failure = f
			res.Outcomes = append(res.Outcomes, o)
			continue
		}
		spec, _ := g.Terminal(req)
		o.Specification = spec
		if v, ok := executed.Values[spec]; ok {
			o.Value = v
		} else {
			o.Failure = executed.Failures[spec]
			if o.Failure == nil {
				o.Failure = fmt.Errorf("%s was not computed", spec)
			}
		}
		res.Outcomes = append(res.Outcomes, o)
	}
	return res
}

// Outcome returns the outcome of req.
func (r *Result) Outcome(req value.Requirement) (Outcome, bool) {
	i, found := slices.BinarySearchFunc(r.Outcomes, req, func(o Outcome, req value.Requirement) int {
		return o.Requirement.Compare(req)
	})
	if !found {
		return Outcome{}, false
	}
	return r.Outcomes[i], true
}

// Failed returns the outcomes without a value.
func (r *Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}
