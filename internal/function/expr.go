package function

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// ExprInvoker evaluates an HCL expression against the call's inputs.
//
// The expression sees:
//
//   - inputs.<alias>: the value of each declared input
//   - target.type and target.id
//
// A function with one output uses the expression's value directly. With
// several outputs the expression must produce an object keyed by output value
// name.
type ExprInvoker struct {
	Expr    hcl.Expression
	Aliases []string
}

var _ Invoker = (*ExprInvoker)(nil)

// Invoke implements Invoker.
func (e *ExprInvoker) Invoke(ctx context.Context, call *Call) (map[value.Specification]cty.Value, error) {
	logger := ctxlog.FromContext(ctx)
	if len(call.Inputs) != len(e.Aliases) {
		return nil, fmt.Errorf("function %s: expected %d inputs, got %d", call.FunctionID, len(e.Aliases), len(call.Inputs))
	}

	inputs := make(map[string]cty.Value, len(e.Aliases))
	for i, alias := range e.Aliases {
		inputs[alias] = call.Inputs[i]
	}
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"inputs": cty.ObjectVal(inputs),
			"target": cty.ObjectVal(map[string]cty.Value{
				"type": cty.StringVal(string(call.Target.Type)),
				"id":   cty.StringVal(call.Target.ID),
			}),
		},
		Functions: Functions(),
	}

	result, diags := e.Expr.Value(evalCtx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("function %s on %s: %w", call.FunctionID, call.Target, diags)
	}
	logger.Debug("Expression evaluated.", "function", call.FunctionID, "target", call.Target.String())

	out := make(map[value.Specification]cty.Value, len(call.Outputs))
	if len(call.Outputs) == 1 {
		out[call.Outputs[0]] = result
		return out, nil
	}
	if !result.Type().IsObjectType() {
		return nil, fmt.Errorf("function %s: %d outputs requested but expression produced %s, not an object",
			call.FunctionID, len(call.Outputs), result.Type().FriendlyName())
	}
	for _, spec := range call.Outputs {
		if !result.Type().HasAttribute(spec.ValueName) {
			return nil, fmt.Errorf("function %s: expression result has no attribute %q", call.FunctionID, spec.ValueName)
		}
		out[spec] = result.GetAttr(spec.ValueName)
	}
	return out, nil
}

// Functions returns the functions available to compute expressions.
func Functions() map[string]function.Function {
	return map[string]function.Function{
		"abs":    stdlib.AbsoluteFunc,
		"ceil":   stdlib.CeilFunc,
		"floor":  stdlib.FloorFunc,
		"format": stdlib.FormatFunc,
		"log":    stdlib.LogFunc,
		"lower":  stdlib.LowerFunc,
		"max":    stdlib.MaxFunc,
		"min":    stdlib.MinFunc,
		"pow":    stdlib.PowFunc,
		"signum": stdlib.SignumFunc,
		"upper":  stdlib.UpperFunc,
	}
}
