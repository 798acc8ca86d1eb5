package depgraph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/specialistvlad/calcgrid/internal/function"
	"github.com/specialistvlad/calcgrid/internal/marketdata"
	"github.com/specialistvlad/calcgrid/internal/runqueue"
	"github.com/specialistvlad/calcgrid/internal/testutil"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

var (
	noop = function.InvokerFunc(func(context.Context, *function.Call) (map[value.Specification]cty.Value, error) {
		return nil, nil
	})
	none = value.Properties{}
	usd  = value.NewTarget(value.TargetPrimitive, "USD")
	aapl = value.NewTarget(value.TargetSecurity, "AAPL")
)

type fnOpt func(*function.Function)

func priority(p int) fnOpt { return func(f *function.Function) { f.Rank = p } }

func group(g string) fnOpt { return func(f *function.Function) { f.Group = g } }

func outputs(names ...string) fnOpt {
	return func(f *function.Function) {
		f.Outputs = nil
		for _, n := range names {
			f.Outputs = append(f.Outputs, function.Output{ValueName: n})
		}
	}
}

func output(name string, props value.Properties) fnOpt {
	return func(f *function.Function) {
		f.Outputs = append(f.Outputs, function.Output{ValueName: name, Properties: props})
	}
}

func input(name string) fnOpt {
	return func(f *function.Function) {
		f.Inputs = append(f.Inputs, function.Input{Alias: fmt.Sprintf("in%d", len(f.Inputs)), ValueName: name})
	}
}

func inputOn(name string, target value.TargetReference, constraints value.Properties) fnOpt {
	return func(f *function.Function) {
		f.Inputs = append(f.Inputs, function.Input{
			Alias:       fmt.Sprintf("in%d", len(f.Inputs)),
			ValueName:   name,
			Target:      &target,
			Constraints: constraints,
		})
	}
}

func register(t *testing.T, reg *function.Registry, name string, target value.TargetType, opts ...fnOpt) {
	t.Helper()
	f := &function.Function{Name: name, Target: target, Invoker: noop}
	for _, o := range opts {
		o(f)
	}
	require.NoError(t, reg.RegisterFunction(f))
}

func snapshot(t *testing.T, entries ...value.Requirement) *marketdata.Snapshot {
	t.Helper()
	s := marketdata.NewSnapshot()
	for _, e := range entries {
		require.NoError(t, s.Put(e.ValueName, e.Target, e.Constraints, cty.NumberIntVal(1)))
	}
	return s
}

func build(t *testing.T, reg *function.Registry, md *marketdata.Snapshot, opts Options, reqs ...value.Requirement) (*Graph, error) {
	t.Helper()
	ctx, _ := testutil.NewContext(t)
	b, err := NewBuilder(reg, md, opts)
	require.NoError(t, err)
	return b.Build(ctx, Request{View: "test", CalcConfig: "default", ValuationTime: time.Unix(0, 0), Requirements: reqs})
}

func functionsOf(g *Graph) []string {
	var ids []string
	for _, n := range g.Nodes() {
		ids = append(ids, n.FunctionID)
	}
	return ids
}

func TestBuildSingleNode(t *testing.T) {
	reg := function.NewRegistry()
	register(t, reg, "pv", value.TargetSecurity, outputs("PV"), input("Spot"))
	md := snapshot(t, value.NewRequirement("Spot", aapl, none))

	pv := value.NewRequirement("PV", aapl, none)
	g, err := build(t, reg, md, DefaultOptions(), pv)
	require.NoError(t, err)

	require.Equal(t, 1, g.Size())
	n, ok := g.Node(0)
	require.True(t, ok)
	assert.Equal(t, "pv", n.FunctionID)
	assert.Equal(t, aapl, n.Target)
	require.Len(t, g.MarketData(), 1)
	assert.Equal(t, []value.Specification{g.MarketData()[0]}, n.Inputs)
	assert.Empty(t, n.Dependencies())

	spec, ok := g.Terminal(pv)
	require.True(t, ok)
	assert.Equal(t, value.NewSpecification("PV", aapl, none, "pv"), spec)
	producer, ok := g.Producer(spec)
	require.True(t, ok)
	assert.Same(t, n, producer)
	assert.Empty(t, g.Failures())
	assert.NoError(t, g.Validate())
}

func TestBuildEmpty(t *testing.T) {
	g, err := build(t, function.NewRegistry(), marketdata.NewSnapshot(), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, g.Size())
	assert.Empty(t, g.TerminalOutputs())
}

func TestBuildSharesNodesAndPropagatesProperties(t *testing.T) {
	reg := function.NewRegistry()
	ccy := value.NewProperties().WithAny("Currency").Get()
	register(t, reg, "pv", value.TargetSecurity, output("PV", ccy),
		inputOn("Curve", usd, value.NewProperties().With("Currency", "$Currency").Get()))
	register(t, reg, "delta", value.TargetSecurity, output("Delta", ccy),
		inputOn("Curve", usd, value.NewProperties().With("Currency", "$Currency").Get()))
	register(t, reg, "curve", value.TargetPrimitive, output("Curve", ccy), input("Rates"))
	md := snapshot(t, value.NewRequirement("Rates", usd, none))

	eur := value.NewProperties().With("Currency", "EUR").Get()
	pv := value.NewRequirement("PV", aapl, eur)
	delta := value.NewRequirement("Delta", aapl, eur)
	g, err := build(t, reg, md, DefaultOptions(), pv, delta)
	require.NoError(t, err)

	assert.Equal(t, []string{"curve", "delta", "pv"}, functionsOf(g))
	curveSpec := value.NewSpecification("Curve", usd, eur, "curve")
	curve, ok := g.Producer(curveSpec)
	require.True(t, ok, "curve output carries the propagated currency")
	assert.Len(t, curve.Dependents(), 2)

	for _, r := range []value.Requirement{pv, delta} {
		spec, ok := g.Terminal(r)
		require.True(t, ok)
		assert.Equal(t, eur, spec.Properties)
		n, _ := g.Producer(spec)
		assert.Equal(t, []*Node{curve}, n.Dependencies())
	}
	assert.NoError(t, g.Validate())
}

func TestBuildMultipleOutputsShareOneNode(t *testing.T) {
	reg := function.NewRegistry()
	register(t, reg, "greeks", value.TargetSecurity, outputs("Delta", "Gamma"), input("Spot"))
	md := snapshot(t, value.NewRequirement("Spot", aapl, none))

	delta := value.NewRequirement("Delta", aapl, none)
	gamma := value.NewRequirement("Gamma", aapl, none)
	g, err := build(t, reg, md, DefaultOptions(), delta, gamma)
	require.NoError(t, err)

	require.Equal(t, 1, g.Size())
	d, _ := g.Terminal(delta)
	gm, _ := g.Terminal(gamma)
	nd, _ := g.Producer(d)
	ng, _ := g.Producer(gm)
	assert.Same(t, nd, ng)
	assert.Len(t, nd.Outputs, 2)
}

func TestBuildPrefersMarketData(t *testing.T) {
	reg := function.NewRegistry()
	register(t, reg, "spot-model", value.TargetSecurity, outputs("Spot"))
	md := snapshot(t, value.NewRequirement("Spot", aapl, none))

	spot := value.NewRequirement("Spot", aapl, none)
	g, err := build(t, reg, md, DefaultOptions(), spot)
	require.NoError(t, err)

	assert.Equal(t, 0, g.Size())
	spec, ok := g.Terminal(spot)
	require.True(t, ok)
	assert.True(t, spec.IsMarketData())
	assert.Equal(t, []value.Specification{spec}, g.MarketData())
}

func TestBuildBacktracksAndDiscardsTentativeNodes(t *testing.T) {
	reg := function.NewRegistry()
	register(t, reg, "fancy", value.TargetSecurity, priority(10), outputs("PV"), input("Rate"), input("Vol"))
	register(t, reg, "simple", value.TargetSecurity, outputs("PV"), input("Spot"))
	register(t, reg, "rate", value.TargetSecurity, outputs("Rate"), input("Fixing"))
	md := snapshot(t,
		value.NewRequirement("Spot", aapl, none),
		value.NewRequirement("Fixing", aapl, none),
	)

	pv := value.NewRequirement("PV", aapl, none)
	g, err := build(t, reg, md, DefaultOptions(), pv)
	require.NoError(t, err)

	assert.Equal(t, []string{"simple"}, functionsOf(g), "the rate node built for the rejected candidate is gone")
	require.Len(t, g.MarketData(), 1)
	assert.Equal(t, "Spot", g.MarketData()[0].ValueName)
	assert.Empty(t, g.Failures())
	assert.NoError(t, g.Validate())
}

func TestBuildKeepsNodesSharedWithOtherConsumers(t *testing.T) {
	reg := function.NewRegistry()
	register(t, reg, "fancy", value.TargetSecurity, priority(10), outputs("PV"), input("Rate"), input("Vol"))
	register(t, reg, "simple", value.TargetSecurity, outputs("PV"), input("Spot"))
	register(t, reg, "rate", value.TargetSecurity, outputs("Rate"), input("Fixing"))
	md := snapshot(t,
		value.NewRequirement("Spot", aapl, none),
		value.NewRequirement("Fixing", aapl, none),
	)

	rate := value.NewRequirement("Rate", aapl, none)
	pv := value.NewRequirement("PV", aapl, none)
	// LIFO with one worker resolves Rate before PV.
	opts := DefaultOptions()
	opts.Workers = 1
	opts.RunQueue = runqueue.LIFO
	g, err := build(t, reg, md, opts, rate, pv)
	require.NoError(t, err)

	assert.Equal(t, []string{"rate", "simple"}, functionsOf(g))
	_, ok := g.Terminal(rate)
	assert.True(t, ok)
}

func TestBuildUnsatisfiableTerminal(t *testing.T) {
	reg := function.NewRegistry()
	register(t, reg, "pv", value.TargetSecurity, outputs("PV"), input("Vol"))
	register(t, reg, "spot-pv", value.TargetSecurity, outputs("SpotPV"), input("Spot"))
	md := snapshot(t, value.NewRequirement("Spot", aapl, none))

	pv := value.NewRequirement("PV", aapl, none)
	spotPV := value.NewRequirement("SpotPV", aapl, none)

	t.Run("graceful with reporting", func(t *testing.T) {
		g, err := build(t, reg, md, DefaultOptions(), pv, spotPV)
		require.NoError(t, err)

		_, ok := g.Terminal(pv)
		assert.False(t, ok)
		_, ok = g.Terminal(spotPV)
		assert.True(t, ok, "unrelated terminal still resolves")
		assert.Equal(t, []string{"spot-pv"}, functionsOf(g))
		assert.Equal(t, []value.Requirement{pv, spotPV}, g.Requirements())

		failure := g.Failures()[pv]
		require.NotNil(t, failure)
		assert.Equal(t, Unsatisfiable, failure.Kind)
		require.Len(t, failure.Causes, 1)
		assert.Equal(t, "pv", failure.Causes[0].Function)
		require.Len(t, failure.Causes[0].Causes, 1)
		assert.Equal(t, value.NewRequirement("Vol", aapl, none), failure.Causes[0].Causes[0].Requirement)
		assert.Contains(t, failure.Tree(), "via pv")
	})

	t.Run("graceful without reporting", func(t *testing.T) {
		opts := DefaultOptions()
		opts.EnableFailureReporting = false
		g, err := build(t, reg, md, opts, pv, spotPV)
		require.NoError(t, err)
		failure := g.Failures()[pv]
		require.NotNil(t, failure)
		assert.Empty(t, failure.Causes)
	})

	t.Run("strict", func(t *testing.T) {
		opts := DefaultOptions()
		opts.AbortOnFailure = true
		_, err := build(t, reg, md, opts, pv, spotPV)
		var unsat *UnsatisfiableError
		require.True(t, errors.As(err, &unsat), "got %v", err)
		assert.Equal(t, pv, unsat.Failure.Requirement)
	})
}

func TestBuildCyclicRequirements(t *testing.T) {
	a := value.NewRequirement("A", aapl, none)

	t.Run("no way out", func(t *testing.T) {
		reg := function.NewRegistry()
		register(t, reg, "fa", value.TargetSecurity, outputs("A"), input("B"))
		register(t, reg, "fb", value.TargetSecurity, outputs("B"), input("A"))

		g, err := build(t, reg, marketdata.NewSnapshot(), DefaultOptions(), a)
		require.NoError(t, err)
		failure := g.Failures()[a]
		require.NotNil(t, failure)
		assert.Equal(t, Cyclic, failure.Kind)
		assert.Equal(t, 0, g.Size())

		opts := DefaultOptions()
		opts.AbortOnFailure = true
		_, err = build(t, reg, marketdata.NewSnapshot(), opts, a)
		var cyclic *CyclicRequirementError
		assert.True(t, errors.As(err, &cyclic), "got %v", err)
	})

	t.Run("backtracks out of the cycle", func(t *testing.T) {
		reg := function.NewRegistry()
		register(t, reg, "fa", value.TargetSecurity, outputs("A"), input("B"))
		register(t, reg, "fb", value.TargetSecurity, priority(10), outputs("B"), input("A"))
		register(t, reg, "fb-spot", value.TargetSecurity, outputs("B"), input("Spot"))
		md := snapshot(t, value.NewRequirement("Spot", aapl, none))

		b := value.NewRequirement("B", aapl, none)
		g, err := build(t, reg, md, DefaultOptions(), a, b)
		require.NoError(t, err)
		assert.Empty(t, g.Failures())
		assert.Equal(t, []string{"fa", "fb-spot"}, functionsOf(g))
		assert.NoError(t, g.Validate())
	})
}

func TestBuildExclusionGroups(t *testing.T) {
	reg := function.NewRegistry()
	register(t, reg, "pv-shifted", value.TargetSecurity, group("curve"), outputs("PV"), inputOn("Curve", usd, none))
	register(t, reg, "curve-a", value.TargetPrimitive, priority(5), group("curve"), outputs("Curve"))
	register(t, reg, "curve-b", value.TargetPrimitive, outputs("Curve"))

	pv := value.NewRequirement("PV", aapl, none)
	curveProducer := func(t *testing.T, opts Options) string {
		g, err := build(t, reg, marketdata.NewSnapshot(), opts, pv)
		require.NoError(t, err)
		spec, ok := g.Terminal(pv)
		require.True(t, ok)
		n, _ := g.Producer(spec)
		require.Len(t, n.Dependencies(), 1)
		return n.Dependencies()[0].FunctionID
	}

	assert.Equal(t, "curve-b", curveProducer(t, DefaultOptions()))

	opts := DefaultOptions()
	opts.IgnoreExclusionGroups = true
	assert.Equal(t, "curve-a", curveProducer(t, opts))
}

func TestBuildConcurrentTerminalsAreDeterministic(t *testing.T) {
	reg := function.NewRegistry()
	register(t, reg, "pv", value.TargetSecurity, outputs("PV"), input("Spot"), inputOn("Curve", usd, none))
	register(t, reg, "curve", value.TargetPrimitive, outputs("Curve"), input("Rates"))
	md := snapshot(t, value.NewRequirement("Rates", usd, none))

	var reqs []value.Requirement
	for i := range 40 {
		sec := value.NewTarget(value.TargetSecurity, fmt.Sprintf("SEC%02d", i))
		require.NoError(t, md.Put("Spot", sec, none, cty.NumberIntVal(int64(i))))
		reqs = append(reqs, value.NewRequirement("PV", sec, none))
	}

	opts := DefaultOptions()
	opts.Workers = 8
	first, err := build(t, reg, md, opts, reqs...)
	require.NoError(t, err)
	second, err := build(t, reg, md, opts, reqs...)
	require.NoError(t, err)

	assert.Equal(t, 41, first.Size())
	assert.Equal(t, first.TerminalOutputs(), second.TerminalOutputs())
	assert.Equal(t, functionsOf(first), functionsOf(second))
	assert.NoError(t, first.Validate())
}

func TestBuildCancelled(t *testing.T) {
	reg := function.NewRegistry()
	register(t, reg, "pv", value.TargetSecurity, outputs("PV"), input("Spot"))
	b, err := NewBuilder(reg, marketdata.NewSnapshot(), DefaultOptions())
	require.NoError(t, err)

	ctx, _ := testutil.NewContext(t)
	ctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = b.Build(ctx, Request{Requirements: []value.Requirement{value.NewRequirement("PV", aapl, none)}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewBuilderValidation(t *testing.T) {
	_, err := NewBuilder(nil, marketdata.NewSnapshot(), DefaultOptions())
	assert.Error(t, err)
	_, err = NewBuilder(function.NewRegistry(), nil, DefaultOptions())
	assert.Error(t, err)
	opts := DefaultOptions()
	opts.RunQueue = "random"
	_, err = NewBuilder(function.NewRegistry(), marketdata.NewSnapshot(), opts)
	assert.ErrorContains(t, err, "unknown run queue")
}
