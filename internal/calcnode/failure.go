package calcnode

import (
	"errors"
	"fmt"

	"github.com/specialistvlad/calcgrid/internal/value"
)

// ErrInputUnavailable is the cause of upstream failures: an input the item
// needs was never produced.
var ErrInputUnavailable = errors.New("input unavailable")

// JobExecutionFailure attributes a failed invocation to the outputs it was
// responsible for.
type JobExecutionFailure struct {
	FunctionID string
	Target     value.TargetReference
	Outputs    []value.Specification
	// Upstream is set when the function was not invoked because an input
	// had failed.
	Upstream bool
	Err      error
}

func (f *JobExecutionFailure) Error() string {
	if f.Upstream {
		return fmt.Sprintf("function %s on %s skipped: %v", f.FunctionID, f.Target, f.Err)
	}
	return fmt.Sprintf("function %s on %s failed: %v", f.FunctionID, f.Target, f.Err)
}

func (f *JobExecutionFailure) Unwrap() error { return f.Err }

// UpstreamFailure marks an item that could not run because input was not
// produced.
func UpstreamFailure(item JobItem, input value.Specification) *JobExecutionFailure {
	return &JobExecutionFailure{
		FunctionID: item.FunctionID,
		Target:     item.Target,
		Outputs:    item.Outputs,
		Upstream:   true,
		Err:        fmt.Errorf("%w: %s", ErrInputUnavailable, input),
	}
}
