package resolver

import (
	"context"
	"testing"

	"github.com/specialistvlad/calcgrid/internal/function"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

var noop = function.InvokerFunc(func(context.Context, *function.Call) (map[value.Specification]cty.Value, error) {
	return nil, nil
})

func fn(name string, target value.TargetType, priority int, group string, outputs ...function.Output) *function.Function {
	return &function.Function{Name: name, Target: target, Rank: priority, Group: group, Outputs: outputs, Invoker: noop}
}

func out(name string, props value.Properties) function.Output {
	return function.Output{ValueName: name, Properties: props}
}

func ids(seq []Candidate) []string {
	var out []string
	for _, c := range seq {
		out = append(out, c.Function.ID())
	}
	return out
}

func collect(r *Resolver, req value.Requirement, excl function.ExclusionSet) []Candidate {
	var cands []Candidate
	for c := range r.Resolve(req, excl) {
		cands = append(cands, c)
	}
	return cands
}

func TestResolveOrdering(t *testing.T) {
	reg := function.NewRegistry()
	pv := value.Properties{}
	require.NoError(t, reg.RegisterFunction(fn("generic-high", value.TargetAny, 10, "", out("PV", pv))))
	require.NoError(t, reg.RegisterFunction(fn("low", value.TargetSecurity, 0, "", out("PV", pv))))
	require.NoError(t, reg.RegisterFunction(fn("specific-high", value.TargetSecurity, 10, "", out("PV", pv))))
	require.NoError(t, reg.RegisterFunction(fn("low-second", value.TargetSecurity, 0, "", out("PV", pv))))
	require.NoError(t, reg.RegisterFunction(fn("other-value", value.TargetSecurity, 99, "", out("Delta", pv))))

	r := New(reg)
	req := value.NewRequirement("PV", value.NewTarget(value.TargetSecurity, "AAPL"), value.Properties{})

	got := ids(collect(r, req, function.ExclusionSet{}))
	assert.Equal(t, []string{"specific-high", "generic-high", "low", "low-second"}, got)

	// Restartable: a second pass yields the same sequence.
	assert.Equal(t, got, ids(collect(r, req, function.ExclusionSet{})))
}

func TestResolveIsLazy(t *testing.T) {
	reg := function.NewRegistry()
	require.NoError(t, reg.RegisterFunction(fn("a", value.TargetSecurity, 2, "", out("PV", value.Properties{}))))
	require.NoError(t, reg.RegisterFunction(fn("b", value.TargetSecurity, 1, "", out("PV", value.Properties{}))))

	r := New(reg)
	req := value.NewRequirement("PV", value.NewTarget(value.TargetSecurity, "AAPL"), value.Properties{})
	seen := 0
	for c := range r.Resolve(req, function.ExclusionSet{}) {
		seen++
		assert.Equal(t, "a", c.Function.ID())
		break
	}
	assert.Equal(t, 1, seen)
}

func TestResolveConstraintsAndComposition(t *testing.T) {
	reg := function.NewRegistry()
	require.NoError(t, reg.RegisterFunction(fn("usd-only", value.TargetSecurity, 5, "",
		out("PV", value.NewProperties().With("Currency", "USD").Get()))))
	require.NoError(t, reg.RegisterFunction(fn("any-ccy", value.TargetSecurity, 0, "",
		out("PV", value.NewProperties().WithAny("Currency").Get()),
		out("Delta", value.NewProperties().With("Currency", "USD").Get()),
		out("Gamma", value.NewProperties().WithAny("Currency").Get()),
	)))

	r := New(reg)
	target := value.NewTarget(value.TargetSecurity, "AAPL")
	req := value.NewRequirement("PV", target, value.NewProperties().With("Currency", "EUR").Get())

	cands := collect(r, req, function.ExclusionSet{})
	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, "any-ccy", c.Function.ID())
	assert.Equal(t, value.NewSpecification("PV", target, value.NewProperties().With("Currency", "EUR").Get(), "any-ccy"), c.Output)
	require.Len(t, c.Outputs, 2, "strict sibling outputs ride along, wildcard ones do not")
	assert.Equal(t, "Delta", c.Outputs[1].ValueName)
}

func TestResolveExclusionGroups(t *testing.T) {
	reg := function.NewRegistry()
	require.NoError(t, reg.RegisterFunction(fn("curve-a", value.TargetPrimitive, 2, "curve", out("Curve", value.Properties{}))))
	require.NoError(t, reg.RegisterFunction(fn("curve-b", value.TargetPrimitive, 1, "curve", out("Curve", value.Properties{}))))
	require.NoError(t, reg.RegisterFunction(fn("curve-c", value.TargetPrimitive, 0, "", out("Curve", value.Properties{}))))

	r := New(reg)
	req := value.NewRequirement("Curve", value.NewTarget(value.TargetPrimitive, "USD"), value.Properties{})

	assert.Equal(t, []string{"curve-a", "curve-b", "curve-c"}, ids(collect(r, req, function.ExclusionSet{})))
	assert.Equal(t, []string{"curve-c"}, ids(collect(r, req, function.ExclusionSet{}.With("curve"))))
}

func TestResolveNothing(t *testing.T) {
	r := New(function.NewRegistry())
	req := value.NewRequirement("PV", value.NewTarget(value.TargetSecurity, "AAPL"), value.Properties{})
	assert.Empty(t, collect(r, req, function.ExclusionSet{}))
}

func TestInvalidate(t *testing.T) {
	reg := function.NewRegistry()
	r := New(reg)
	req := value.NewRequirement("PV", value.NewTarget(value.TargetSecurity, "AAPL"), value.Properties{})
	assert.Empty(t, collect(r, req, function.ExclusionSet{}))

	require.NoError(t, reg.RegisterFunction(fn("late", value.TargetSecurity, 0, "", out("PV", value.Properties{}))))
	assert.Empty(t, collect(r, req, function.ExclusionSet{}), "ranking is cached")

	r.Invalidate()
	assert.Equal(t, []string{"late"}, ids(collect(r, req, function.ExclusionSet{})))
}
