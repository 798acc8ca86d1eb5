package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/calcgrid/internal/calcnode"
	"github.com/specialistvlad/calcgrid/internal/coststats"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/fragment"
	"github.com/specialistvlad/calcgrid/internal/runqueue"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/specialistvlad/calcgrid/internal/valuestore"
	"github.com/zclconf/go-cty/cty"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result is the outcome of an execution. Every terminal specification of
// the graph is in exactly one of Values and Failures.
type Result struct {
	CycleID  uuid.UUID
	Values   map[value.Specification]cty.Value
	Failures map[value.Specification]error
	Jobs     int
	Stale    int
	Duration time.Duration
	// Store holds every value computed during the execution, intermediate
	// ones included.
	Store valuestore.Store
}

// Execution is a running plan.
type Execution struct {
	CycleID uuid.UUID

	plan   *fragment.Plan
	store  *valuestore.Memory
	cancel context.CancelFunc
	inbox  mailbox
	done   chan struct{}
	stale  atomic.Int64

	// Set by the coordinator before done is closed.
	result *Result
	err    error
}

func newExecution(cycleID uuid.UUID, plan *fragment.Plan, store *valuestore.Memory, cancel context.CancelFunc) *Execution {
	return &Execution{
		CycleID: cycleID,
		plan:    plan,
		store:   store,
		cancel:  cancel,
		inbox:   mailbox{signal: make(chan struct{}, 1)},
		done:    make(chan struct{}),
	}
}

// Done is closed once the execution has finished or been cancelled.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Cancel stops dispatching. Outputs not yet computed fail with
// context.Canceled and results still in flight are discarded as stale.
func (e *Execution) Cancel() { e.cancel() }

// Wait blocks until the execution finishes. After a cancellation the
// partial result is returned alongside the cancellation error.
func (e *Execution) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stale returns how many results have been discarded so far.
func (e *Execution) Stale() int { return int(e.stale.Load()) }

// Receive delivers a job result. It never blocks and is the Receiver handed
// to node pools.
func (e *Execution) Receive(res *calcnode.JobResult) { e.inbox.put(res) }

// mailbox is an unbounded queue between pool goroutines and the
// coordinator.
type mailbox struct {
	mu     sync.Mutex
	items  []*calcnode.JobResult
	signal chan struct{}
}

func (m *mailbox) put(res *calcnode.JobResult) {
	m.mu.Lock()
	m.items = append(m.items, res)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []*calcnode.JobResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

type pendingJob struct {
	frag *fragment.Fragment
	job  *calcnode.Job
	span trace.Span
}

// coordinator is only touched by the execution's coordinator goroutine.
type coordinator struct {
	d         *Dispatcher
	e         *Execution
	ready     runqueue.Queue[*fragment.Fragment]
	remaining map[int]int
	pending   map[uuid.UUID]*pendingJob
	done      map[int]bool
	inFlight  int
	jobs      int
}

func (c *coordinator) run(ctx context.Context, span trace.Span) {
	logger := ctxlog.FromContext(ctx)
	started := time.Now()
	defer close(c.e.done)
	defer span.End()
	defer c.e.cancel()

	for _, f := range c.e.plan.Fragments {
		c.remaining[f.ID] = len(f.Inputs())
		if len(f.Inputs()) == 0 {
			c.ready.Push(f)
		}
	}

	var err error
	for len(c.done) < c.e.plan.Len() {
		c.dispatchReady(ctx)
		select {
		case <-ctx.Done():
			err = ctx.Err()
			c.abandon(ctx, err)
		case <-c.e.inbox.signal:
			for _, res := range c.e.inbox.drain() {
				if err := c.apply(ctx, res); err != nil {
					c.e.stale.Add(1)
					staleResults.Inc()
					logger.Debug("Discarding job result.", "error", err)
				}
			}
			continue
		}
		break
	}

	c.e.result = c.result(ctx, time.Since(started))
	c.e.err = err
	span.SetAttributes(
		attribute.Int("jobs", c.jobs),
		attribute.Int("failures", len(c.e.result.Failures)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution cancelled")
		logger.Warn("Execution cancelled.", "completed_fragments", len(c.done), "error", err)
		return
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("✅ Execution finished.",
		"jobs", c.jobs, "values", len(c.e.result.Values), "failures", len(c.e.result.Failures),
		"stale", c.e.Stale(), "duration", c.e.result.Duration)
}

func (c *coordinator) dispatchReady(ctx context.Context) {
	for c.ready.Len() > 0 {
		if limit := c.d.opts.MaxInFlight; limit > 0 && c.inFlight >= limit {
			return
		}
		if ctx.Err() != nil {
			return
		}
		f, _ := c.ready.Pop()
		c.dispatch(ctx, f)
	}
}

func (c *coordinator) dispatch(ctx context.Context, f *fragment.Fragment) {
	logger := ctxlog.FromContext(ctx)
	job, complete := c.newJob(ctx, f)

	jobCtx, span := tracer.Start(ctx, "dispatcher.job",
		trace.WithAttributes(
			attribute.String("job_id", job.Spec.JobID.String()),
			attribute.String("fragment", f.String()),
			attribute.Int("items", len(job.Items)),
		),
	)
	c.pending[job.Spec.JobID] = &pendingJob{frag: f, job: job, span: span}
	c.inFlight++
	c.jobs++
	jobsInFlight.Inc()

	if c.d.opts.InlineSingleItemJobs && len(job.Items) == 1 && complete {
		jobsDispatched.WithLabelValues("inline").Inc()
		logger.Debug("Running job inline.", "job", job.Spec.JobID.String(), "fragment", f.String())
		go func() { c.e.Receive(c.d.opts.Inline.Execute(jobCtx, job)) }()
		return
	}

	jobsDispatched.WithLabelValues("pool").Inc()
	logger.Debug("Dispatching job.", "job", job.Spec.JobID.String(), "fragment", f.String(), "items", len(job.Items))
	if err := c.d.pool.Submit(jobCtx, job, c.e.Receive); err != nil {
		logger.Debug("Job submission failed.", "job", job.Spec.JobID.String(), "error", err)
		c.e.Receive(calcnode.FailedResult(job, "dispatcher", fmt.Errorf("submit: %w", err)))
	}
}

// newJob turns a fragment into a job. Inputs produced outside the fragment
// are copied from the store; complete reports whether all of them were
// there.
func (c *coordinator) newJob(ctx context.Context, f *fragment.Fragment) (*calcnode.Job, bool) {
	g := c.e.plan.Graph
	job := &calcnode.Job{
		Spec:   calcnode.NewJobSpecification(c.e.CycleID, g.View, g.CalcConfig, g.ValuationTime),
		Items:  make([]calcnode.JobItem, len(f.Nodes)),
		Inputs: make(map[value.Specification]cty.Value),
	}
	internal := make(map[value.Specification]bool)
	for _, n := range f.Nodes {
		for _, o := range n.Outputs {
			internal[o] = true
		}
	}
	var external []value.Specification
	for i, n := range f.Nodes {
		job.Items[i] = calcnode.JobItem{
			FunctionID: n.FunctionID,
			Target:     n.Target,
			Inputs:     n.Inputs,
			Outputs:    n.Outputs,
		}
		for _, in := range n.Inputs {
			if !internal[in] {
				external = append(external, in)
			}
		}
	}
	values, missing := c.e.store.Gather(ctx, external)
	for spec, v := range values {
		job.Inputs[spec] = v
	}
	return job, len(missing) == 0
}

// apply records a job result and releases the fragments waiting on it.
func (c *coordinator) apply(ctx context.Context, res *calcnode.JobResult) error {
	logger := ctxlog.FromContext(ctx)
	p, ok := c.pending[res.Spec.JobID]
	if !ok || res.Spec.CycleID != c.e.CycleID {
		return fmt.Errorf("%w: job %s of cycle %s", ErrStaleResult, res.Spec.JobID, res.Spec.CycleID)
	}
	delete(c.pending, res.Spec.JobID)
	c.inFlight--
	jobsInFlight.Dec()

	failed := 0
	for i, item := range p.job.Items {
		var it calcnode.ItemResult
		if i < len(res.Items) {
			it = res.Items[i]
		} else {
			it.Failure = &calcnode.JobExecutionFailure{
				FunctionID: item.FunctionID,
				Target:     item.Target,
				Outputs:    item.Outputs,
				Err:        fmt.Errorf("node %q returned no result for the item", res.Node),
			}
		}
		if it.Failure != nil {
			failed++
			itemsFailed.Inc()
			for _, o := range item.Outputs {
				c.e.store.PutFailure(ctx, o, it.Failure)
			}
			continue
		}
		for _, o := range item.Outputs {
			v, ok := it.Outputs[o]
			if !ok {
				c.e.store.PutFailure(ctx, o, fmt.Errorf("function %s did not produce %s", item.FunctionID, o))
				continue
			}
			c.e.store.PutValue(ctx, o, v)
		}
		if c.d.opts.Costs != nil {
			c.d.opts.Costs.Record(
				coststats.Key{FunctionID: item.FunctionID, TargetType: item.Target.Type},
				coststats.Sample{Duration: it.Duration, InputBytes: int64(it.InputBytes), OutputBytes: int64(it.OutputBytes)},
			)
		}
	}

	jobDuration.Observe(res.ExecutionTime.Seconds())
	p.span.SetAttributes(attribute.String("node", res.Node), attribute.Int("failed_items", failed))
	if failed > 0 {
		jobsCompleted.WithLabelValues("partial").Inc()
		p.span.SetStatus(codes.Error, fmt.Sprintf("%d items failed", failed))
	} else {
		jobsCompleted.WithLabelValues("ok").Inc()
		p.span.SetStatus(codes.Ok, "")
	}
	p.span.End()
	logger.Debug("Job completed.", "job", res.Spec.JobID.String(), "fragment", p.frag.String(),
		"failed_items", failed, "duration", res.ExecutionTime)

	c.done[p.frag.ID] = true
	for _, t := range p.frag.Tails() {
		c.remaining[t.ID]--
		if c.remaining[t.ID] == 0 {
			c.ready.Push(t)
		}
	}
	return nil
}

// abandon fails every output not computed yet with err and forgets pending
// jobs, so their results are treated as stale if they still arrive.
func (c *coordinator) abandon(ctx context.Context, err error) {
	for id, p := range c.pending {
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, "abandoned")
		p.span.End()
		delete(c.pending, id)
		jobsInFlight.Dec()
	}
	c.inFlight = 0
	for _, f := range c.e.plan.Fragments {
		if c.done[f.ID] {
			continue
		}
		for _, n := range f.Nodes {
			for _, o := range n.Outputs {
				if _, ok := c.e.store.Value(ctx, o); !ok {
					c.e.store.PutFailure(ctx, o, err)
				}
			}
		}
	}
}

func (c *coordinator) result(ctx context.Context, elapsed time.Duration) *Result {
	res := &Result{
		CycleID:  c.e.CycleID,
		Values:   make(map[value.Specification]cty.Value),
		Failures: make(map[value.Specification]error),
		Jobs:     c.jobs,
		Stale:    c.e.Stale(),
		Duration: elapsed,
		Store:    c.e.store,
	}
	for _, spec := range c.e.plan.Graph.TerminalSpecifications() {
		if v, ok := c.e.store.Value(ctx, spec); ok {
			res.Values[spec] = v
			continue
		}
		err := c.e.store.Failure(ctx, spec)
		if err == nil {
			err = fmt.Errorf("%s was not computed", spec)
		}
		res.Failures[spec] = err
	}
	return res
}
