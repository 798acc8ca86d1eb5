package hclconfig

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/calcgrid/internal/function"
	"github.com/specialistvlad/calcgrid/internal/testutil"
	"github.com/specialistvlad/calcgrid/internal/testutil/fixtures"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const pricingHCL = `
function "discount" {
  target_type     = "POSITION"
  priority        = 10
  exclusion_group = "pv"

  output "PresentValue" {
    properties = { Currency = "*" }
  }

  input "cash" {
    value_name  = "CashFlow"
    constraints = { Currency = "$Currency" }
  }
  input "df" {
    value_name = "DiscountFactor"
    target     = "PRIMITIVE~USD-OIS"
    optional   = ["Source"]
  }

  compute = inputs.cash * inputs.df
}
`

const marketDataHCL = `
market_data "CashFlow" {
  target     = "POSITION~P1"
  properties = { Currency = "USD" }
  value      = 100
}

market_data "DiscountFactor" {
  target = "PRIMITIVE~USD-OIS"
  value  = 0.5
}
`

const viewHCL = `
view "book" {
  calc_config "default" {
    requirement "PresentValue" {
      target      = "POSITION~P1"
      constraints = { Currency = "USD" }
    }
  }
  calc_config "europe" {
    requirement "PresentValue" {
      target      = "POSITION~P1"
      constraints = { Currency = ["GBP", "EUR"] }
    }
  }
}
`

func TestLoad(t *testing.T) {
	ctx, _ := testutil.NewContext(t)
	dir := testutil.WriteFiles(t, map[string]string{
		"catalog/pricing.hcl":    pricingHCL,
		"catalog/README.md":      "not configuration",
		"snapshot/eod.hcl":       marketDataHCL,
		"views/book.hcl":         viewHCL,
		"views/nested/empty.hcl": "",
	})

	cfg, err := Load(ctx, filepath.Join(dir, "catalog"), filepath.Join(dir, "snapshot"), filepath.Join(dir, "views"), filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Len(t, cfg.Files, 4)
	assert.Equal(t, 1, cfg.Functions.Len())
	assert.Equal(t, 2, cfg.MarketData.Len())
	assert.Equal(t, []string{"book"}, cfg.ViewNames())

	def, ok := cfg.Functions.Definition("discount")
	require.True(t, ok)
	fn, ok := def.(*function.Function)
	require.True(t, ok)
	assert.Equal(t, value.TargetPosition, fn.Target)
	assert.Equal(t, 10, fn.Rank)
	assert.Equal(t, "pv", fn.Group)
	require.Len(t, fn.Inputs, 2)
	require.NotNil(t, fn.Inputs[1].Target)
	assert.Equal(t, value.NewTarget(value.TargetPrimitive, "USD-OIS"), *fn.Inputs[1].Target)
	assert.True(t, fn.Inputs[1].Constraints.IsOptional("Source"))
	assert.True(t, fn.Outputs[0].Properties.IsWildcard("Currency"))

	book, err := cfg.View("book")
	require.NoError(t, err)
	cc, ok := book.CalcConfig("europe")
	require.True(t, ok)
	require.Len(t, cc.Requirements, 1)
	values, _ := cc.Requirements[0].Constraints.Values("Currency")
	if diff := cmp.Diff([]string{"EUR", "GBP"}, values); diff != "" {
		t.Errorf("currency constraint mismatch (-want +got):\n%s", diff)
	}

	_, err = cfg.View("risk")
	assert.ErrorContains(t, err, `view "risk" is not defined`)
}

func TestLoadedCatalogResolvesAndComputes(t *testing.T) {
	ctx, _ := testutil.NewContext(t)
	dir := testutil.WriteFiles(t, map[string]string{
		"pricing.hcl": pricingHCL,
		"eod.hcl":     marketDataHCL,
		"book.hcl":    viewHCL,
	})
	cfg, err := Load(ctx, dir)
	require.NoError(t, err)
	book, err := cfg.View("book")
	require.NoError(t, err)
	cc, _ := book.CalcConfig("default")

	g := fixtures.Build(t, cfg.Functions, cfg.MarketData, cc.Requirements...)
	require.Empty(t, g.Failures())
	spec, ok := g.Terminal(cc.Requirements[0])
	require.True(t, ok)
	currency, _ := spec.Properties.Value("Currency")
	assert.Equal(t, "USD", currency)

	node, ok := g.Producer(spec)
	require.True(t, ok)
	inv, ok := cfg.Functions.Invoker(node.FunctionID)
	require.True(t, ok)
	out, err := inv.Invoke(ctx, &function.Call{
		FunctionID: node.FunctionID,
		Target:     node.Target,
		InputSpecs: node.Inputs,
		Inputs:     []cty.Value{cty.NumberIntVal(100), cty.NumberFloatVal(0.5)},
		Outputs:    []value.Specification{spec},
	})
	require.NoError(t, err)
	assert.True(t, out[spec].Equals(cty.NumberIntVal(50)).True(), "got %s", out[spec].GoString())
}

func TestLoadErrors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "syntax error",
			content: `function "f" {`,
			wantErr: "failed to parse HCL file",
		},
		{
			name: "unknown block attribute",
			content: `function "f" {
  target_type = "POSITION"
  colour      = "red"
  compute     = 1
}`,
			wantErr: "failed to decode HCL file",
		},
		{
			name: "unknown target type",
			content: `function "f" {
  target_type = "BOND"
  output "V" {}
  compute = 1
}`,
			wantErr: `unknown target type "BOND"`,
		},
		{
			name: "no outputs",
			content: `function "f" {
  target_type = "POSITION"
  compute     = 1
}`,
			wantErr: "declares no outputs",
		},
		{
			name: "unknown input",
			content: `function "f" {
  target_type = "POSITION"
  output "V" {}
  compute = inputs.nope
}`,
			wantErr: "Unknown input",
		},
		{
			name: "unsupported reference",
			content: `function "f" {
  target_type = "POSITION"
  output "V" {}
  compute = var.rate
}`,
			wantErr: "Unsupported reference",
		},
		{
			name: "duplicate alias",
			content: `function "f" {
  target_type = "POSITION"
  output "V" {}
  input "a" { value_name = "X" }
  input "a" { value_name = "Y" }
  compute = inputs.a
}`,
			wantErr: `duplicate input alias "a"`,
		},
		{
			name: "empty property list",
			content: `function "f" {
  target_type = "POSITION"
  output "V" { properties = { Currency = [] } }
  compute = 1
}`,
			wantErr: "list is empty",
		},
		{
			name: "properties not an object",
			content: `function "f" {
  target_type = "POSITION"
  output "V" { properties = "USD" }
  compute = 1
}`,
			wantErr: "properties must be an object",
		},
		{
			name: "bad market data target",
			content: `market_data "Spot" {
  target = "POSITION-P1"
  value  = 1
}`,
			wantErr: "expected TYPE~ID",
		},
		{
			name: "wildcard market data",
			content: `market_data "Spot" {
  target     = "PRIMITIVE~X"
  properties = { Source = "*" }
  value      = 1
}`,
			wantErr: "contain wildcards",
		},
		{
			name: "null market data",
			content: `market_data "Spot" {
  target = "PRIMITIVE~X"
  value  = null
}`,
			wantErr: "value must be known and not null",
		},
		{
			name:    "view without configurations",
			content: `view "book" {}`,
			wantErr: "has no calculation configurations",
		},
		{
			name: "duplicate calc config",
			content: `view "book" {
  calc_config "default" {}
  calc_config "default" {}
}`,
			wantErr: "defined more than once",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, _ := testutil.NewContext(t)
			dir := testutil.WriteFiles(t, map[string]string{"main.hcl": tc.content})
			_, err := Load(ctx, dir)
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestDuplicateDefinitionsAcrossFiles(t *testing.T) {
	ctx, _ := testutil.NewContext(t)
	dir := testutil.WriteFiles(t, map[string]string{
		"a.hcl": `view "book" {
  calc_config "default" {}
}`,
		"b.hcl": `view "book" {
  calc_config "default" {}
}`,
	})
	_, err := Load(ctx, dir)
	assert.ErrorContains(t, err, `view "book" is defined more than once`)

	dir = testutil.WriteFiles(t, map[string]string{
		"a.hcl": pricingHCL,
		"b.hcl": pricingHCL,
	})
	_, err = Load(ctx, dir)
	assert.ErrorContains(t, err, `function "discount" is already registered`)
}
