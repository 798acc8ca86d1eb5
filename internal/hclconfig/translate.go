package hclconfig

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/function"
	"github.com/specialistvlad/calcgrid/internal/marketdata"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/specialistvlad/calcgrid/internal/view"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// translateFunction converts a function block into a catalog function whose
// invoker evaluates the block's compute expression.
func translateFunction(ctx context.Context, fb *functionBlock) (*function.Function, error) {
	logger := ctxlog.FromContext(ctx).With("function", fb.Name)
	logger.Debug("Translating HCL function to catalog function.")

	target := value.TargetType(fb.TargetType)
	if target != value.TargetAny && !target.Valid() {
		return nil, fmt.Errorf("function %q: unknown target type %q", fb.Name, fb.TargetType)
	}
	if len(fb.Outputs) == 0 {
		return nil, fmt.Errorf("function %q declares no outputs", fb.Name)
	}

	fn := &function.Function{
		Name:   fb.Name,
		Target: target,
		Rank:   fb.Priority,
		Group:  fb.ExclusionGroup,
	}
	for _, ob := range fb.Outputs {
		props, err := properties(ob.Properties, ob.Optional)
		if err != nil {
			return nil, fmt.Errorf("function %q output %q: %w", fb.Name, ob.ValueName, err)
		}
		fn.Outputs = append(fn.Outputs, function.Output{ValueName: ob.ValueName, Properties: props})
	}

	aliases := make([]string, 0, len(fb.Inputs))
	for _, ib := range fb.Inputs {
		if slices.Contains(aliases, ib.Alias) {
			return nil, fmt.Errorf("function %q: duplicate input alias %q", fb.Name, ib.Alias)
		}
		in := function.Input{Alias: ib.Alias, ValueName: ib.ValueName}
		if ib.Target != "" {
			t, err := value.ParseTarget(ib.Target)
			if err != nil {
				return nil, fmt.Errorf("function %q input %q: %w", fb.Name, ib.Alias, err)
			}
			in.Target = &t
		}
		constraints, err := properties(ib.Constraints, ib.Optional)
		if err != nil {
			return nil, fmt.Errorf("function %q input %q: %w", fb.Name, ib.Alias, err)
		}
		in.Constraints = constraints
		fn.Inputs = append(fn.Inputs, in)
		aliases = append(aliases, ib.Alias)
	}

	if diags := checkCompute(fb.Compute, aliases); diags.HasErrors() {
		return nil, fmt.Errorf("function %q: %w", fb.Name, diags)
	}
	fn.Invoker = &function.ExprInvoker{Expr: fb.Compute, Aliases: aliases}
	logger.Debug("Function translated.", "outputs", len(fn.Outputs), "inputs", len(fn.Inputs))
	return fn, nil
}

// checkCompute rejects compute expressions that read anything but
// inputs.<alias> and target.
func checkCompute(expr hcl.Expression, aliases []string) hcl.Diagnostics {
	var diags hcl.Diagnostics
	for _, t := range expr.Variables() {
		ref := string(hclwrite.TokensForTraversal(t).Bytes())
		switch t.RootName() {
		case "target":
			continue
		case "inputs":
			if len(t) > 1 {
				if attr, ok := t[1].(hcl.TraverseAttr); ok && slices.Contains(aliases, attr.Name) {
					continue
				}
			}
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unknown input",
				Detail:   fmt.Sprintf("%s does not name a declared input; declared inputs are %v.", ref, aliases),
				Subject:  t.SourceRange().Ptr(),
			})
		default:
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unsupported reference",
				Detail:   fmt.Sprintf("%s is not available; compute expressions may only read inputs.<alias> and target.", ref),
				Subject:  t.SourceRange().Ptr(),
			})
		}
	}
	return diags
}

func putMarketData(md *marketdata.Snapshot, mb *marketDataBlock) error {
	target, err := value.ParseTarget(mb.Target)
	if err != nil {
		return fmt.Errorf("market data %q: %w", mb.ValueName, err)
	}
	props, err := properties(mb.Properties, nil)
	if err != nil {
		return fmt.Errorf("market data %q on %s: %w", mb.ValueName, target, err)
	}
	if mb.Value.IsNull() || !mb.Value.IsWhollyKnown() {
		return fmt.Errorf("market data %q on %s: value must be known and not null", mb.ValueName, target)
	}
	return md.Put(mb.ValueName, target, props, mb.Value)
}

func translateView(vb *viewBlock) (*view.Definition, error) {
	def := &view.Definition{Name: vb.Name}
	for _, cb := range vb.CalcConfigs {
		if _, dup := def.CalcConfig(cb.Name); dup {
			return nil, fmt.Errorf("view %q: calculation configuration %q is defined more than once", vb.Name, cb.Name)
		}
		cc := view.CalcConfig{Name: cb.Name}
		for _, rb := range cb.Requirements {
			target, err := value.ParseTarget(rb.Target)
			if err != nil {
				return nil, fmt.Errorf("view %q requirement %q: %w", vb.Name, rb.ValueName, err)
			}
			constraints, err := properties(rb.Constraints, rb.Optional)
			if err != nil {
				return nil, fmt.Errorf("view %q requirement %q: %w", vb.Name, rb.ValueName, err)
			}
			cc.Requirements = append(cc.Requirements, value.NewRequirement(rb.ValueName, target, constraints))
		}
		def.CalcConfigs = append(def.CalcConfigs, cc)
	}
	if len(def.CalcConfigs) == 0 {
		return nil, fmt.Errorf("view %q has no calculation configurations", vb.Name)
	}
	return def, nil
}

// properties converts an object of property values into a property bag.
// Each value is a string or a list of strings; "*" is the wildcard.
// Names in optional are marked optional.
func properties(v *cty.Value, optional []string) (value.Properties, error) {
	b := value.NewProperties()
	if v != nil && !v.IsNull() {
		ty := v.Type()
		if !ty.IsObjectType() && !ty.IsMapType() {
			return value.Properties{}, fmt.Errorf("properties must be an object, got %s", ty.FriendlyName())
		}
		if !v.IsWhollyKnown() {
			return value.Properties{}, errors.New("properties must be known")
		}
		for it := v.ElementIterator(); it.Next(); {
			k, el := it.Element()
			name := k.AsString()
			values, err := propertyValues(el)
			if err != nil {
				return value.Properties{}, fmt.Errorf("property %q: %w", name, err)
			}
			b.With(name, values...)
		}
	}
	for _, name := range optional {
		b.WithOptional(name)
	}
	return b.Get(), nil
}

func propertyValues(v cty.Value) ([]string, error) {
	if v.IsNull() {
		return nil, errors.New("value must not be null")
	}
	if v.Type() == cty.String {
		return []string{v.AsString()}, nil
	}
	list, err := convert.Convert(v, cty.List(cty.String))
	if err != nil {
		return nil, fmt.Errorf("must be a string or a list of strings: %w", err)
	}
	var values []string
	if err := gocty.FromCtyValue(list, &values); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.New(`list is empty, use "*" for any value`)
	}
	return values, nil
}
