package hclconfig

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// fileRoot decodes every top-level block a configuration file may hold.
type fileRoot struct {
	Functions  []*functionBlock   `hcl:"function,block"`
	MarketData []*marketDataBlock `hcl:"market_data,block"`
	Views      []*viewBlock       `hcl:"view,block"`
	Remain     hcl.Body           `hcl:",remain"`
}

// functionBlock is a `function` block: one computation function with its
// output templates, inputs and compute expression.
type functionBlock struct {
	Name           string         `hcl:"name,label"`
	TargetType     string         `hcl:"target_type"`
	Description    string         `hcl:"description,optional"`
	Priority       int            `hcl:"priority,optional"`
	ExclusionGroup string         `hcl:"exclusion_group,optional"`
	Outputs        []*outputBlock `hcl:"output,block"`
	Inputs         []*inputBlock  `hcl:"input,block"`
	Compute        hcl.Expression `hcl:"compute"`
}

// outputBlock is an output template. Property values may be the "*"
// wildcard.
type outputBlock struct {
	ValueName  string     `hcl:"value_name,label"`
	Properties *cty.Value `hcl:"properties,optional"`
	Optional   []string   `hcl:"optional,optional"`
}

// inputBlock declares one input. The label is the alias the compute
// expression reads it by, as inputs.<alias>.
type inputBlock struct {
	Alias       string     `hcl:"alias,label"`
	ValueName   string     `hcl:"value_name"`
	Target      string     `hcl:"target,optional"`
	Constraints *cty.Value `hcl:"constraints,optional"`
	Optional    []string   `hcl:"optional,optional"`
}

// marketDataBlock is one market data point of the snapshot.
type marketDataBlock struct {
	ValueName  string     `hcl:"value_name,label"`
	Target     string     `hcl:"target"`
	Properties *cty.Value `hcl:"properties,optional"`
	Value      cty.Value  `hcl:"value"`
}

type viewBlock struct {
	Name        string             `hcl:"name,label"`
	CalcConfigs []*calcConfigBlock `hcl:"calc_config,block"`
}

type calcConfigBlock struct {
	Name         string              `hcl:"name,label"`
	Requirements []*requirementBlock `hcl:"requirement,block"`
}

type requirementBlock struct {
	ValueName   string     `hcl:"value_name,label"`
	Target      string     `hcl:"target"`
	Constraints *cty.Value `hcl:"constraints,optional"`
	Optional    []string   `hcl:"optional,optional"`
}
