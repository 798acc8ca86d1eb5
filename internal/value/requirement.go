package value

import (
	"fmt"
	"strings"
)

// MarketDataFunctionID is the producer identifier recorded on specifications
// that come straight from market data rather than from a function.
const MarketDataFunctionID = "MarketData"

// Requirement is an abstract request for a named value on a target.
type Requirement struct {
	ValueName   string
	Target      TargetReference
	Constraints Properties
}

// NewRequirement constructs a requirement.
func NewRequirement(valueName string, target TargetReference, constraints Properties) Requirement {
	return Requirement{ValueName: valueName, Target: target, Constraints: constraints}
}

// IsSatisfiedBy reports whether spec can be used wherever r is required.
func (r Requirement) IsSatisfiedBy(spec Specification) bool {
	return r.ValueName == spec.ValueName &&
		r.Target == spec.Target &&
		r.Constraints.IsSatisfiedBy(spec.Properties)
}

func (r Requirement) String() string {
	return fmt.Sprintf("%s[%s]%s", r.ValueName, r.Target, r.Constraints)
}

// Compare gives requirements a total order, used wherever output must be
// deterministic.
func (r Requirement) Compare(o Requirement) int {
	if c := strings.Compare(r.ValueName, o.ValueName); c != 0 {
		return c
	}
	if c := r.Target.Compare(o.Target); c != 0 {
		return c
	}
	return r.Constraints.Compare(o.Constraints)
}

// Specification is a concretely producible value: its properties are fully
// resolved and it records which function produces it.
type Specification struct {
	ValueName  string
	Target     TargetReference
	Properties Properties
	FunctionID string
}

// NewSpecification constructs a specification.
func NewSpecification(valueName string, target TargetReference, props Properties, functionID string) Specification {
	return Specification{ValueName: valueName, Target: target, Properties: props, FunctionID: functionID}
}

// IsMarketData reports whether the value is sourced from market data.
func (s Specification) IsMarketData() bool {
	return s.FunctionID == MarketDataFunctionID
}

// Requirement returns the requirement that asks for exactly this value.
func (s Specification) Requirement() Requirement {
	return Requirement{ValueName: s.ValueName, Target: s.Target, Constraints: s.Properties}
}

func (s Specification) String() string {
	return fmt.Sprintf("%s[%s]%s<%s>", s.ValueName, s.Target, s.Properties, s.FunctionID)
}

// Compare gives specifications a total order.
func (s Specification) Compare(o Specification) int {
	if c := strings.Compare(s.ValueName, o.ValueName); c != 0 {
		return c
	}
	if c := s.Target.Compare(o.Target); c != 0 {
		return c
	}
	if c := s.Properties.Compare(o.Properties); c != 0 {
		return c
	}
	return strings.Compare(s.FunctionID, o.FunctionID)
}
