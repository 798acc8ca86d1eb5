package depgraph

import (
	"fmt"
	"strings"

	"github.com/specialistvlad/calcgrid/internal/value"
)

// FailureKind classifies why a requirement could not be resolved.
type FailureKind int

const (
	// Unsatisfiable means no market data and no function could produce the
	// requirement.
	Unsatisfiable FailureKind = iota
	// Cyclic means every remaining route led back to a requirement already
	// being resolved on the same path.
	Cyclic
)

func (k FailureKind) String() string {
	switch k {
	case Unsatisfiable:
		return "unsatisfiable"
	case Cyclic:
		return "cyclic"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// ResolutionFailure explains why a requirement, or one candidate for it,
// failed. Causes form a tree when failure reporting is enabled.
type ResolutionFailure struct {
	Requirement value.Requirement
	Kind        FailureKind
	// Function is set when the entry describes a rejected candidate.
	Function string
	Reason   string
	Causes   []*ResolutionFailure
}

func (f *ResolutionFailure) Error() string {
	var sb strings.Builder
	sb.WriteString(f.Requirement.String())
	if f.Function != "" {
		sb.WriteString(" via ")
		sb.WriteString(f.Function)
	}
	sb.WriteString(": ")
	sb.WriteString(f.Reason)
	return sb.String()
}

// Tree renders the failure and its causes as an indented tree.
func (f *ResolutionFailure) Tree() string {
	var sb strings.Builder
	var walk func(n *ResolutionFailure, depth int)
	walk = func(n *ResolutionFailure, depth int) {
		sb.WriteString(strings.Repeat("  ", depth))
		sb.WriteString(n.Error())
		sb.WriteByte('\n')
		for _, c := range n.Causes {
			walk(c, depth+1)
		}
	}
	walk(f, 0)
	return sb.String()
}

// UnsatisfiableError aborts a build in strict mode.
type UnsatisfiableError struct {
	Failure *ResolutionFailure
}

func (e *UnsatisfiableError) Error() string {
	return "unsatisfiable requirement: " + e.Failure.Error()
}

func (e *UnsatisfiableError) Unwrap() error { return e.Failure }

// CyclicRequirementError aborts a build in strict mode.
type CyclicRequirementError struct {
	Failure *ResolutionFailure
}

func (e *CyclicRequirementError) Error() string {
	return "cyclic requirement: " + e.Failure.Error()
}

func (e *CyclicRequirementError) Unwrap() error { return e.Failure }

func strictError(f *ResolutionFailure) error {
	if f.Kind == Cyclic {
		return &CyclicRequirementError{Failure: f}
	}
	return &UnsatisfiableError{Failure: f}
}
