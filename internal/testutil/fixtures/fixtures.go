// Package fixtures provides catalogs and graphs shared by tests of the
// fragmenter, dispatcher and cycle packages.
package fixtures

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/specialistvlad/calcgrid/internal/depgraph"
	"github.com/specialistvlad/calcgrid/internal/function"
	"github.com/specialistvlad/calcgrid/internal/marketdata"
	"github.com/specialistvlad/calcgrid/internal/testutil"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

// Target is the target every fixture function runs on.
var Target = value.NewTarget(value.TargetPrimitive, "X")

// SpotValue is the market data value of "Spot" on Target.
const SpotValue = 10

// Sum returns a function producing output as 1 plus the sum of its inputs.
func Sum(name, output string, inputs ...string) *function.Function {
	f := &function.Function{
		Name:    name,
		Target:  value.TargetPrimitive,
		Outputs: []function.Output{{ValueName: output}},
		Invoker: function.InvokerFunc(func(_ context.Context, call *function.Call) (map[value.Specification]cty.Value, error) {
			total := cty.NumberIntVal(1)
			for _, in := range call.Inputs {
				total = total.Add(in)
			}
			return map[value.Specification]cty.Value{call.Outputs[0]: total}, nil
		}),
	}
	for i, in := range inputs {
		f.Inputs = append(f.Inputs, function.Input{Alias: fmt.Sprintf("in%d", i), ValueName: in})
	}
	return f
}

// Failing returns a function whose invocation always fails with err.
func Failing(name, output string, err error, inputs ...string) *function.Function {
	f := Sum(name, output, inputs...)
	f.Invoker = function.InvokerFunc(func(context.Context, *function.Call) (map[value.Specification]cty.Value, error) {
		return nil, err
	})
	return f
}

// Requirement returns the requirement for valueName on Target.
func Requirement(valueName string) value.Requirement {
	return value.NewRequirement(valueName, Target, value.Properties{})
}

// FiveNode returns the catalog, market data and terminal requirements of
// the five-node graph: N0, N1 and N4 depend on N2, and N4 also depends on
// N3. Node Ni is function "ni" producing "Vi", so built node IDs match.
//
// Computed values are V2=11, V3=1, V0=V1=12 and V4=13.
func FiveNode(t *testing.T) (*function.Registry, *marketdata.Snapshot, []value.Requirement) {
	t.Helper()
	reg := function.NewRegistry()
	for _, f := range []*function.Function{
		Sum("n0", "V0", "V2"),
		Sum("n1", "V1", "V2"),
		Sum("n2", "V2", "Spot"),
		Sum("n3", "V3"),
		Sum("n4", "V4", "V2", "V3"),
	} {
		require.NoError(t, reg.RegisterFunction(f))
	}
	md := marketdata.NewSnapshot()
	require.NoError(t, md.Put("Spot", Target, value.Properties{}, cty.NumberIntVal(SpotValue)))
	return reg, md, []value.Requirement{Requirement("V0"), Requirement("V1"), Requirement("V4")}
}

// Build builds a graph for reqs.
func Build(t *testing.T, catalog function.Catalog, md marketdata.Oracle, reqs ...value.Requirement) *depgraph.Graph {
	t.Helper()
	ctx, _ := testutil.NewContext(t)
	b, err := depgraph.NewBuilder(catalog, md, depgraph.DefaultOptions())
	require.NoError(t, err)
	g, err := b.Build(ctx, depgraph.Request{
		View:          "fixture",
		CalcConfig:    "default",
		ValuationTime: time.Unix(0, 0).UTC(),
		Requirements:  reqs,
	})
	require.NoError(t, err)
	return g
}

// FiveNodeGraph builds the five-node graph.
func FiveNodeGraph(t *testing.T) *depgraph.Graph {
	t.Helper()
	reg, md, reqs := FiveNode(t)
	g := Build(t, reg, md, reqs...)
	require.Equal(t, 5, g.Size())
	return g
}
