// Package calcnode executes calculation jobs: batches of function
// invocations cut from one fragment of a dependency graph.
//
// A Node runs a job synchronously. A Pool accepts jobs and hands each
// result back through the Receiver registered with the submission, which is
// how the dispatcher stays free of blocking waits. LocalPool runs a Node on
// in-process worker goroutines; package remote ships jobs to a node in
// another process.
package calcnode

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/zclconf/go-cty/cty"
)

// JobSpecification identifies one job of one view cycle. Results are
// matched to pending jobs by it.
type JobSpecification struct {
	CycleID       uuid.UUID `json:"cycle_id"`
	JobID         uuid.UUID `json:"job_id"`
	View          string    `json:"view"`
	CalcConfig    string    `json:"calc_config"`
	ValuationTime time.Time `json:"valuation_time"`
}

// NewJobSpecification returns a specification with a fresh job id.
func NewJobSpecification(cycleID uuid.UUID, view, calcConfig string, valuationTime time.Time) JobSpecification {
	return JobSpecification{
		CycleID:       cycleID,
		JobID:         uuid.New(),
		View:          view,
		CalcConfig:    calcConfig,
		ValuationTime: valuationTime,
	}
}

func (s JobSpecification) String() string {
	return fmt.Sprintf("%s/%s/%s", s.View, s.CycleID, s.JobID)
}

// JobItem is one function invocation. Inputs are concrete specifications in
// the order the function declares them.
type JobItem struct {
	FunctionID string                `json:"function_id"`
	Target     value.TargetReference `json:"target"`
	Inputs     []value.Specification `json:"inputs"`
	Outputs    []value.Specification `json:"outputs"`
}

// Job is an ordered list of items. An item may consume outputs of earlier
// items; everything else it needs must be in Inputs.
type Job struct {
	Spec   JobSpecification
	Items  []JobItem
	Inputs map[value.Specification]cty.Value
}

// ItemResult is the outcome of one item. Exactly one of Outputs and Failure
// is set.
type ItemResult struct {
	Outputs     map[value.Specification]cty.Value
	Failure     *JobExecutionFailure
	Duration    time.Duration
	InputBytes  int
	OutputBytes int
}

// JobResult carries one ItemResult per job item, in item order.
type JobResult struct {
	Spec          JobSpecification
	Node          string
	Items         []ItemResult
	ExecutionTime time.Duration
}

// Failed returns the failures of the result's items.
func (r *JobResult) Failed() []*JobExecutionFailure {
	var out []*JobExecutionFailure
	for _, it := range r.Items {
		if it.Failure != nil {
			out = append(out, it.Failure)
		}
	}
	return out
}

// FailedResult builds a result in which every item failed with err, as if
// the job never ran.
func FailedResult(job *Job, node string, err error) *JobResult {
	res := &JobResult{Spec: job.Spec, Node: node, Items: make([]ItemResult, len(job.Items))}
	for i, it := range job.Items {
		res.Items[i].Failure = &JobExecutionFailure{
			FunctionID: it.FunctionID,
			Target:     it.Target,
			Outputs:    it.Outputs,
			Err:        err,
		}
	}
	return res
}
