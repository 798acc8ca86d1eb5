package function

import (
	"context"
	"fmt"
	"strings"

	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/zclconf/go-cty/cty"
)

// Definition describes one computation function.
type Definition interface {
	ID() string
	TargetType() value.TargetType
	Priority() int
	// ExclusionGroup names the group of mutually substitutable functions this
	// one belongs to. Empty means no group.
	ExclusionGroup() string
	// Results returns the output templates the function can produce on
	// target. Templates may contain wildcard properties.
	Results(target value.TargetReference) []value.Specification
	// Requirements returns the ordered inputs needed to produce desired.
	Requirements(target value.TargetReference, desired value.Specification) ([]value.Requirement, error)
}

// Call is one invocation of a function on a target.
type Call struct {
	FunctionID string
	Target     value.TargetReference
	// InputSpecs and Inputs are aligned with the function's declared inputs.
	InputSpecs []value.Specification
	Inputs     []cty.Value
	Outputs    []value.Specification
}

// Input returns the value of the i-th declared input.
func (c *Call) Input(i int) cty.Value {
	if i < 0 || i >= len(c.Inputs) {
		return cty.NilVal
	}
	return c.Inputs[i]
}

// Invoker computes a function's outputs.
type Invoker interface {
	Invoke(ctx context.Context, call *Call) (map[value.Specification]cty.Value, error)
}

// InvokerFunc adapts a plain function to Invoker.
type InvokerFunc func(ctx context.Context, call *Call) (map[value.Specification]cty.Value, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, call *Call) (map[value.Specification]cty.Value, error) {
	return f(ctx, call)
}

// Output is an output template of a Function.
type Output struct {
	ValueName  string
	Properties value.Properties
}

// Input is a declared input of a Function.
//
// Constraint values of the form "$Name" are replaced by the value of property
// Name on the output being produced, which lets a function forward properties
// such as a currency or curve name to its inputs.
type Input struct {
	Alias       string
	ValueName   string
	Target      *value.TargetReference // nil means the function's own target
	Constraints value.Properties
}

// Function is the standard Definition: static templates, declared inputs and
// an invoker.
type Function struct {
	Name    string
	Target  value.TargetType
	Rank    int
	Group   string
	Outputs []Output
	Inputs  []Input
	Invoker Invoker
}

var _ Definition = (*Function)(nil)

func (f *Function) ID() string { return f.Name }

func (f *Function) TargetType() value.TargetType { return f.Target }

func (f *Function) Priority() int { return f.Rank }

func (f *Function) ExclusionGroup() string { return f.Group }

// AppliesTo reports whether the function can run on target.
func (f *Function) AppliesTo(target value.TargetReference) bool {
	return f.Target == value.TargetAny || f.Target == target.Type
}

// Results implements Definition.
func (f *Function) Results(target value.TargetReference) []value.Specification {
	if !f.AppliesTo(target) {
		return nil
	}
	out := make([]value.Specification, len(f.Outputs))
	for i, o := range f.Outputs {
		out[i] = value.NewSpecification(o.ValueName, target, o.Properties, f.Name)
	}
	return out
}

// Requirements implements Definition.
func (f *Function) Requirements(target value.TargetReference, desired value.Specification) ([]value.Requirement, error) {
	reqs := make([]value.Requirement, len(f.Inputs))
	for i, in := range f.Inputs {
		t := target
		if in.Target != nil {
			t = *in.Target
		}
		constraints, err := substitute(in.Constraints, desired.Properties)
		if err != nil {
			return nil, fmt.Errorf("function %s input %s: %w", f.Name, in.Alias, err)
		}
		reqs[i] = value.NewRequirement(in.ValueName, t, constraints)
	}
	return reqs, nil
}

// substitute replaces "$Name" constraint values with the named property of
// the output being produced.
func substitute(constraints, output value.Properties) (value.Properties, error) {
	var b *value.PropertiesBuilder
	for _, name := range constraints.Names() {
		v, ok := constraints.Value(name)
		if !ok || !strings.HasPrefix(v, "$") {
			continue
		}
		if b == nil {
			b = constraints.Copy()
		}
		src := strings.TrimPrefix(v, "$")
		optional := constraints.IsOptional(name)
		b.Without(name)
		values, defined := output.Values(src)
		switch {
		case !defined && !optional:
			return value.Properties{}, fmt.Errorf("property %q is not defined on the produced output", src)
		case !defined:
			continue
		default:
			b.With(name, values...)
		}
		if optional {
			b.WithOptional(name)
		}
	}
	if b == nil {
		return constraints, nil
	}
	return b.Get(), nil
}
