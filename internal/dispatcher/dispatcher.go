// Package dispatcher executes a fragmented dependency graph on calculation
// nodes.
//
// # Coordination
//
// Each Execution has one coordinator goroutine that owns all completion
// bookkeeping: the remaining-input count of every fragment, the ready
// queue, and the table of pending jobs. Node pools deliver results through
// a mailbox the coordinator drains, so a fragment's count is decremented
// exactly once per completed input and a fragment is dispatched exactly
// once, when its count reaches zero.
//
// A pending job is registered before it is submitted, so a result can never
// arrive for a job the coordinator does not know about yet. Results that do
// not match a pending job of the execution's cycle are stale: they are
// counted, logged at debug level and otherwise ignored.
//
// # Failures
//
// A failed item fails only the outputs it was responsible for. Downstream
// items see those inputs as missing and fail as upstream failures without
// being invoked; every other fragment keeps running.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/specialistvlad/calcgrid/internal/calcnode"
	"github.com/specialistvlad/calcgrid/internal/coststats"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/fragment"
	"github.com/specialistvlad/calcgrid/internal/marketdata"
	"github.com/specialistvlad/calcgrid/internal/runqueue"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/specialistvlad/calcgrid/internal/valuestore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrStaleResult marks a result for a job that is not pending in the
// receiving execution.
var ErrStaleResult = errors.New("stale job result")

// CostRecorder receives the measured cost of every successful invocation.
// *coststats.Store implements it.
type CostRecorder interface {
	Record(key coststats.Key, sample coststats.Sample)
}

// Options configure a Dispatcher.
type Options struct {
	// RunQueue orders fragments that are ready at the same time. The
	// priority discipline runs the most expensive fragment first.
	RunQueue runqueue.Kind
	// MaxInFlight bounds the jobs awaiting results. Zero leaves the bound to
	// the pool.
	MaxInFlight int
	// InlineSingleItemJobs runs single-item jobs whose inputs are all
	// available on the Inline node instead of the pool.
	InlineSingleItemJobs bool
	Inline               calcnode.Node
	// Costs is optional.
	Costs CostRecorder
}

// DefaultOptions returns priority ordering with no in-flight bound.
func DefaultOptions() Options {
	return Options{RunQueue: runqueue.Priority}
}

// Dispatcher runs plans. It keeps no per-execution state and may run any
// number of executions concurrently.
type Dispatcher struct {
	pool   calcnode.Pool
	source marketdata.Source
	opts   Options
}

// New creates a dispatcher submitting jobs to pool and reading market data
// from source.
func New(pool calcnode.Pool, source marketdata.Source, opts Options) (*Dispatcher, error) {
	if pool == nil {
		return nil, errors.New("dispatcher: calculation node pool is required")
	}
	if source == nil {
		return nil, errors.New("dispatcher: market data source is required")
	}
	kind, err := runqueue.ParseKind(string(opts.RunQueue))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	opts.RunQueue = kind
	if opts.MaxInFlight < 0 {
		return nil, fmt.Errorf("dispatcher: max in-flight jobs must not be negative, got %d", opts.MaxInFlight)
	}
	if opts.InlineSingleItemJobs && opts.Inline == nil {
		return nil, errors.New("dispatcher: inline execution needs an inline node")
	}
	return &Dispatcher{pool: pool, source: source, opts: opts}, nil
}

// Execute loads the plan's market data and starts executing it under
// cycleID. It returns once execution is under way.
func (d *Dispatcher) Execute(ctx context.Context, plan *fragment.Plan, cycleID uuid.UUID) (*Execution, error) {
	if plan == nil || plan.Graph == nil {
		return nil, errors.New("dispatcher: plan is required")
	}
	g := plan.Graph
	logger := ctxlog.FromContext(ctx).With("view", g.View, "cycle", cycleID.String())
	ctx = ctxlog.WithLogger(ctx, logger)

	store := valuestore.NewMemory()
	if err := d.loadMarketData(ctx, plan, store); err != nil {
		return nil, err
	}

	ready, err := runqueue.New[*fragment.Fragment](d.opts.RunQueue, func(f *fragment.Fragment) int64 {
		return int64(f.Cost)
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ctx, span := tracer.Start(ctx, "dispatcher.Execute",
		trace.WithAttributes(
			attribute.String("view", g.View),
			attribute.String("cycle_id", cycleID.String()),
			attribute.Int("nodes", g.Size()),
			attribute.Int("fragments", plan.Len()),
		),
	)

	e := newExecution(cycleID, plan, store, cancel)
	c := &coordinator{
		d:         d,
		e:         e,
		ready:     ready,
		remaining: make(map[int]int, plan.Len()),
		pending:   make(map[uuid.UUID]*pendingJob),
		done:      make(map[int]bool, plan.Len()),
	}
	logger.Info("🚀 Execution started.", "fragments", plan.Len(), "nodes", g.Size())
	go c.run(ctx, span)
	return e, nil
}

func (d *Dispatcher) loadMarketData(ctx context.Context, plan *fragment.Plan, store valuestore.Store) error {
	specs := plan.Graph.MarketData()
	if len(specs) == 0 {
		return nil
	}
	values, err := d.source.Values(ctx, specs)
	var missing *marketdata.MissingError
	if err != nil && !errors.As(err, &missing) {
		return fmt.Errorf("dispatcher: load market data: %w", err)
	}
	for spec, v := range values {
		store.PutValue(ctx, spec, v)
	}
	if missing != nil {
		ctxlog.FromContext(ctx).Warn("Market data missing, dependent outputs will fail.", "missing", len(missing.Specs))
		for _, spec := range missing.Specs {
			store.PutFailure(ctx, spec, &marketdata.MissingError{Specs: []value.Specification{spec}})
		}
	}
	return nil
}
