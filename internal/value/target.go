package value

import (
	"fmt"
	"strings"
)

// TargetType classifies what a computation target is.
type TargetType string

const (
	TargetPrimitive     TargetType = "PRIMITIVE"
	TargetSecurity      TargetType = "SECURITY"
	TargetPosition      TargetType = "POSITION"
	TargetTrade         TargetType = "TRADE"
	TargetPortfolioNode TargetType = "PORTFOLIO_NODE"

	// TargetAny is only meaningful on a function definition: the function
	// applies to targets of every type.
	TargetAny TargetType = "ANY"
)

// targetSeparator joins type and identifier in the textual form, e.g.
// "SECURITY~AAPL".
const targetSeparator = "~"

// Valid reports whether t is one of the known target types.
func (t TargetType) Valid() bool {
	switch t {
	case TargetPrimitive, TargetSecurity, TargetPosition, TargetTrade, TargetPortfolioNode:
		return true
	}
	return false
}

// TargetReference identifies the object a value is computed for.
type TargetReference struct {
	Type TargetType
	ID   string
}

// NewTarget constructs a target reference.
func NewTarget(t TargetType, id string) TargetReference {
	return TargetReference{Type: t, ID: id}
}

// ParseTarget parses the "TYPE~ID" form.
func ParseTarget(s string) (TargetReference, error) {
	typ, id, ok := strings.Cut(s, targetSeparator)
	if !ok {
		return TargetReference{}, fmt.Errorf("invalid target %q: expected TYPE%sID", s, targetSeparator)
	}
	t := TargetType(strings.ToUpper(strings.TrimSpace(typ)))
	if !t.Valid() {
		return TargetReference{}, fmt.Errorf("invalid target %q: unknown target type %q", s, typ)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return TargetReference{}, fmt.Errorf("invalid target %q: empty identifier", s)
	}
	return TargetReference{Type: t, ID: id}, nil
}

// String returns the "TYPE~ID" form.
func (t TargetReference) String() string {
	return string(t.Type) + targetSeparator + t.ID
}

// Compare orders targets by type, then identifier.
func (t TargetReference) Compare(o TargetReference) int {
	if c := strings.Compare(string(t.Type), string(o.Type)); c != 0 {
		return c
	}
	return strings.Compare(t.ID, o.ID)
}
