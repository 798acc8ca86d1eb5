package depgraph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"time"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/function"
	"github.com/specialistvlad/calcgrid/internal/marketdata"
	"github.com/specialistvlad/calcgrid/internal/resolver"
	"github.com/specialistvlad/calcgrid/internal/runqueue"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/specialistvlad/calcgrid/internal/view"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Options tune a Builder.
type Options struct {
	// Workers bounds how many terminal requirements resolve concurrently.
	Workers int
	// EnableFailureReporting keeps the full cause tree of every failure.
	// Without it only the top-level failure is recorded.
	EnableFailureReporting bool
	// AbortOnFailure makes the first unresolved terminal fail the build.
	AbortOnFailure bool
	// IgnoreExclusionGroups lets a function's inputs resolve through
	// functions of its own exclusion group.
	IgnoreExclusionGroups bool
	// RunQueue orders the terminal requirements handed to workers.
	RunQueue runqueue.Kind
	// CacheSize enables a graph cache holding that many builds.
	CacheSize int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Workers:                4,
		EnableFailureReporting: true,
		RunQueue:               runqueue.FIFO,
	}
}

// Request identifies one build.
type Request struct {
	View              string
	CalcConfig        string
	ValuationTime     time.Time
	VersionCorrection view.VersionCorrection
	Requirements      []value.Requirement
}

// Builder builds dependency graphs from a function catalog and a market data
// oracle. A Builder is safe for concurrent use.
type Builder struct {
	resolver *resolver.Resolver
	oracle   marketdata.Oracle
	opts     Options
	cache    *Cache
}

// NewBuilder creates a builder.
func NewBuilder(catalog function.Catalog, oracle marketdata.Oracle, opts Options) (*Builder, error) {
	if catalog == nil {
		return nil, errors.New("depgraph: catalog is required")
	}
	if oracle == nil {
		return nil, errors.New("depgraph: market data oracle is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	kind, err := runqueue.ParseKind(string(opts.RunQueue))
	if err != nil {
		return nil, fmt.Errorf("depgraph: %w", err)
	}
	opts.RunQueue = kind
	b := &Builder{
		resolver: resolver.New(catalog),
		oracle:   oracle,
		opts:     opts,
	}
	if opts.CacheSize > 0 {
		b.cache = NewCache(opts.CacheSize)
	}
	return b, nil
}

// Invalidate forgets cached rankings and graphs, e.g. after the catalog or
// the market data changed.
func (b *Builder) Invalidate() {
	b.resolver.Invalidate()
	if b.cache != nil {
		b.cache.Purge()
	}
}

// Build resolves every requirement of req into a graph.
//
// Unresolvable terminals are reported through Graph.Failures unless
// Options.AbortOnFailure is set. A graph with no nodes is valid.
func (b *Builder) Build(ctx context.Context, req Request) (*Graph, error) {
	logger := ctxlog.FromContext(ctx).With("view", req.View, "calc_config", req.CalcConfig)
	ctx = ctxlog.WithLogger(ctx, logger)
	start := time.Now()

	ctx, span := tracer.Start(ctx, "depgraph.Build",
		trace.WithAttributes(
			attribute.String("view", req.View),
			attribute.String("calc_config", req.CalcConfig),
			attribute.Int("requirements", len(req.Requirements)),
		),
	)
	defer span.End()

	if b.cache != nil {
		if g, ok := b.cache.Get(req); ok {
			logger.Debug("Build: Served from cache.")
			buildDuration.WithLabelValues("cached").Observe(time.Since(start).Seconds())
			span.SetStatus(codes.Ok, "cached")
			return g, nil
		}
	}

	logger.Debug("Build: Starting graph construction.", "requirements", len(req.Requirements))
	g, err := b.build(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		buildDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, err
	}

	graphNodes.Observe(float64(g.Size()))
	buildDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("nodes", g.Size()), attribute.Int("failures", len(g.failures)))
	span.SetStatus(codes.Ok, "")
	logger.Info("🧮 Dependency graph built.",
		"nodes", g.Size(), "market_data", len(g.marketData),
		"terminals", len(g.terminals), "failures", len(g.failures),
		"duration", time.Since(start))

	if b.cache != nil {
		b.cache.Put(req, g)
	}
	return g, nil
}

func (b *Builder) build(ctx context.Context, req Request) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)

	reqs := slices.Clone(req.Requirements)
	slices.SortStableFunc(reqs, value.Requirement.Compare)
	reqs = slices.Compact(reqs)

	q, err := runqueue.New[value.Requirement](b.opts.RunQueue, func(r value.Requirement) int64 {
		// Broader requirements first: they tend to produce the nodes the
		// narrower ones reuse.
		return -int64(len(r.Constraints.Names()))
	})
	if err != nil {
		return nil, fmt.Errorf("depgraph: %w", err)
	}
	queue := runqueue.NewConcurrent(q)
	for _, r := range reqs {
		queue.Push(r)
	}

	st := newBuildState()
	g, gctx := errgroup.WithContext(ctx)
	for range min(b.opts.Workers, max(len(reqs), 1)) {
		g.Go(func() error {
			for {
				r, ok := queue.Pop()
				if !ok {
					return nil
				}
				spec, failure, err := b.resolveTerminal(gctx, st, r)
				if err != nil {
					return err
				}
				if failure == nil {
					st.recordTerminal(r, spec)
					continue
				}
				terminalFailures.WithLabelValues(failure.Kind.String()).Inc()
				logger.Warn("Build: Terminal requirement could not be resolved.",
					"requirement", r.String(), "kind", failure.Kind.String(), "reason", failure.Reason)
				if b.opts.AbortOnFailure {
					return strictError(failure)
				}
				st.recordFailure(r, failure)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	graph := st.freeze(&Graph{
		View:              req.View,
		CalcConfig:        req.CalcConfig,
		ValuationTime:     req.ValuationTime,
		VersionCorrection: req.VersionCorrection,
	})
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("depgraph: built graph is invalid: %w", err)
	}
	return graph, nil
}

// attempt is one candidate being tried for a frame.
type attempt struct {
	cand     resolver.Candidate
	reqs     []value.Requirement
	inputs   []value.Specification
	excluded function.ExclusionSet
}

// frame is one requirement being resolved on the work stack.
type frame struct {
	req      value.Requirement
	excluded function.ExclusionSet
	depth    int

	next func() (resolver.Candidate, bool)
	stop func()

	att      *attempt
	failures []*ResolutionFailure
	sawCycle bool
	// minAncestor is the shallowest path depth the frame's outcome relied on.
	// An outcome with minAncestor < depth is only valid on this path.
	minAncestor int
	// pathMask covers every requirement from the root down to this frame.
	pathMask reqMask
}

type outcome struct {
	spec        value.Specification
	failure     *ResolutionFailure
	minAncestor int
}

// resolveTerminal resolves one terminal requirement on an explicit stack, so
// deep graphs do not grow the goroutine stack. A successful result is held by
// one reference owned by the caller.
func (b *Builder) resolveTerminal(ctx context.Context, st *buildState, req value.Requirement) (value.Specification, *ResolutionFailure, error) {
	logger := ctxlog.FromContext(ctx)
	onPath := make(map[value.Requirement]int)

	var stack []*frame
	var delivered *outcome

	unwind := func() {
		for i := len(stack) - 1; i >= 0; i-- {
			f := stack[i]
			f.stop()
			if f.att != nil {
				st.release(f.att.inputs...)
			}
		}
		if delivered != nil && delivered.failure == nil {
			st.release(delivered.spec)
		}
	}

	f, o := b.open(st, req, function.ExclusionSet{}, 0, onPath, reqMask{})
	if f == nil {
		return o.spec, o.failure, nil
	}
	stack = append(stack, f)

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			unwind()
			return value.Specification{}, nil, err
		}
		top := stack[len(stack)-1]

		if delivered != nil {
			child := *delivered
			delivered = nil
			top.minAncestor = min(top.minAncestor, child.minAncestor)
			if child.failure != nil {
				b.reject(st, top, child.failure)
			} else {
				top.att.inputs = append(top.att.inputs, child.spec)
			}
		}

		switch {
		case top.att != nil && len(top.att.inputs) == len(top.att.reqs):
			spec := st.commit(top.att)
			logger.Debug("Build: Node committed.", "function", top.att.cand.Function.ID(), "output", spec.String())
			top.att = nil
			done := b.finish(st, top, outcome{spec: spec}, onPath)
			stack = stack[:len(stack)-1]
			delivered = &done

		case top.att != nil:
			next := top.att.reqs[len(top.att.inputs)]
			child, o := b.open(st, next, top.att.excluded, top.depth+1, onPath, top.pathMask)
			if child != nil {
				stack = append(stack, child)
				continue
			}
			delivered = &o

		default:
			cand, ok := top.next()
			if !ok {
				kind := Unsatisfiable
				reason := "no market data or function can produce it"
				if top.sawCycle {
					kind = Cyclic
					reason = "every candidate requires a value already being resolved"
				} else if len(top.failures) > 0 {
					reason = "every candidate was rejected"
				}
				failure := &ResolutionFailure{Requirement: top.req, Kind: kind, Reason: reason}
				if b.opts.EnableFailureReporting {
					failure.Causes = top.failures
				}
				done := b.finish(st, top, outcome{failure: failure}, onPath)
				stack = stack[:len(stack)-1]
				delivered = &done
				continue
			}
			// Reuse skips resolution, so it is only safe where no exclusion
			// group could have changed the inputs.
			if top.excluded.Len() == 0 && st.reuse(cand.Output, onPath, top.pathMask) {
				done := b.finish(st, top, outcome{spec: cand.Output}, onPath)
				stack = stack[:len(stack)-1]
				delivered = &done
				continue
			}
			reqs, err := cand.Function.Requirements(cand.Target, cand.Output)
			if err != nil {
				logger.Debug("Build: Candidate rejected.", "function", cand.Function.ID(), "error", err)
				backtracks.Inc()
				if b.opts.EnableFailureReporting {
					top.failures = append(top.failures, &ResolutionFailure{
						Requirement: top.req,
						Kind:        Unsatisfiable,
						Function:    cand.Function.ID(),
						Reason:      err.Error(),
					})
				}
				continue
			}
			excluded := top.excluded
			if g := cand.Function.ExclusionGroup(); g != "" && !b.opts.IgnoreExclusionGroups {
				excluded = excluded.With(g)
			}
			top.att = &attempt{
				cand:     cand,
				reqs:     reqs,
				inputs:   make([]value.Specification, 0, len(reqs)),
				excluded: excluded,
			}
		}
	}

	return delivered.spec, delivered.failure, nil
}

// open starts resolving r at depth. It either settles r immediately or
// returns a frame to push.
func (b *Builder) open(st *buildState, r value.Requirement, excluded function.ExclusionSet, depth int, onPath map[value.Requirement]int, parentMask reqMask) (*frame, outcome) {
	if d, ok := onPath[r]; ok {
		return nil, outcome{
			failure: &ResolutionFailure{
				Requirement: r,
				Kind:        Cyclic,
				Reason:      "requirement is already being resolved on this path",
			},
			minAncestor: d,
		}
	}
	if e, ok := st.lookup(memoKey{req: r, excluded: excluded.Key()}, onPath, parentMask); ok {
		return nil, outcome{spec: e.spec, failure: e.failure, minAncestor: math.MaxInt}
	}
	if spec, ok := b.oracle.Available(r); ok {
		st.acquireMarketData(spec)
		return nil, outcome{spec: spec, minAncestor: math.MaxInt}
	}

	next, stop := iter.Pull(b.resolver.Resolve(r, excluded))
	onPath[r] = depth
	return &frame{
		req:         r,
		excluded:    excluded,
		depth:       depth,
		next:        next,
		stop:        stop,
		minAncestor: depth,
		pathMask:    parentMask.or(maskOf(r)),
	}, outcome{}
}

// reject discards the frame's current attempt after one of its inputs
// failed.
func (b *Builder) reject(st *buildState, f *frame, cause *ResolutionFailure) {
	st.release(f.att.inputs...)
	backtracks.Inc()
	if cause.Kind == Cyclic {
		f.sawCycle = true
	}
	if b.opts.EnableFailureReporting {
		f.failures = append(f.failures, &ResolutionFailure{
			Requirement: f.req,
			Kind:        cause.Kind,
			Function:    f.att.cand.Function.ID(),
			Reason:      fmt.Sprintf("input %s could not be resolved", cause.Requirement),
			Causes:      []*ResolutionFailure{cause},
		})
	}
	f.att = nil
}

// finish closes a frame and memoizes its outcome when it does not depend on
// the path it was computed on.
func (b *Builder) finish(st *buildState, f *frame, o outcome, onPath map[value.Requirement]int) outcome {
	f.stop()
	delete(onPath, f.req)
	o.minAncestor = f.minAncestor
	if f.minAncestor >= f.depth {
		st.remember(memoKey{req: f.req, excluded: f.excluded.Key()}, memoEntry{spec: o.spec, failure: o.failure})
		// Nothing above this frame can be affected by it.
		o.minAncestor = math.MaxInt
	}
	return o
}
