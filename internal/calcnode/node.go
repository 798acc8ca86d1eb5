package calcnode

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/function"
	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Node executes jobs synchronously.
type Node interface {
	ID() string
	Execute(ctx context.Context, job *Job) *JobResult
}

// SimpleNode runs a job's items in order against a function repository.
type SimpleNode struct {
	id   string
	repo function.Repository
}

var _ Node = (*SimpleNode)(nil)

// NewSimpleNode creates a node that looks invokers up in repo.
func NewSimpleNode(id string, repo function.Repository) *SimpleNode {
	return &SimpleNode{id: id, repo: repo}
}

// ID returns the node's identifier.
func (n *SimpleNode) ID() string { return n.id }

// Execute runs every item. A failed item does not stop the job: items that
// need its outputs fail as upstream failures, everything else still runs.
func (n *SimpleNode) Execute(ctx context.Context, job *Job) *JobResult {
	logger := ctxlog.FromContext(ctx).With("node", n.id, "job", job.Spec.JobID.String())
	started := time.Now()

	values := make(map[value.Specification]cty.Value, len(job.Inputs)+len(job.Items))
	for spec, v := range job.Inputs {
		values[spec] = v
	}

	res := &JobResult{Spec: job.Spec, Node: n.id, Items: make([]ItemResult, len(job.Items))}
	for i, item := range job.Items {
		if err := ctx.Err(); err != nil {
			res.Items[i].Failure = &JobExecutionFailure{
				FunctionID: item.FunctionID,
				Target:     item.Target,
				Outputs:    item.Outputs,
				Err:        err,
			}
			continue
		}
		res.Items[i] = n.run(ctx, item, values)
		if f := res.Items[i].Failure; f != nil {
			logger.Debug("Job item failed.", "function", item.FunctionID, "target", item.Target.String(), "error", f.Err)
			continue
		}
		for spec, v := range res.Items[i].Outputs {
			values[spec] = v
		}
	}
	res.ExecutionTime = time.Since(started)
	logger.Debug("Job executed.", "items", len(job.Items), "failed", len(res.Failed()), "duration", res.ExecutionTime)
	return res
}

func (n *SimpleNode) run(ctx context.Context, item JobItem, values map[value.Specification]cty.Value) (out ItemResult) {
	fail := func(err error) ItemResult {
		return ItemResult{Failure: &JobExecutionFailure{
			FunctionID: item.FunctionID,
			Target:     item.Target,
			Outputs:    item.Outputs,
			Err:        err,
		}}
	}

	inv, ok := n.repo.Invoker(item.FunctionID)
	if !ok {
		return fail(fmt.Errorf("no invoker registered for function %q", item.FunctionID))
	}
	call := &function.Call{
		FunctionID: item.FunctionID,
		Target:     item.Target,
		InputSpecs: item.Inputs,
		Inputs:     make([]cty.Value, len(item.Inputs)),
		Outputs:    item.Outputs,
	}
	inputBytes := 0
	for i, spec := range item.Inputs {
		v, ok := values[spec]
		if !ok {
			return ItemResult{Failure: UpstreamFailure(item, spec)}
		}
		call.Inputs[i] = v
		inputBytes += valueSize(v)
	}

	defer func() {
		if r := recover(); r != nil {
			out = fail(fmt.Errorf("function panicked: %v", r))
		}
	}()
	started := time.Now()
	produced, err := inv.Invoke(ctx, call)
	elapsed := time.Since(started)
	if err != nil {
		out = fail(err)
		out.Duration = elapsed
		return out
	}

	outputs := make(map[value.Specification]cty.Value, len(item.Outputs))
	outputBytes := 0
	for _, spec := range item.Outputs {
		v, ok := produced[spec]
		if !ok {
			return fail(fmt.Errorf("function did not produce %s", spec))
		}
		outputs[spec] = v
		outputBytes += valueSize(v)
	}
	return ItemResult{Outputs: outputs, Duration: elapsed, InputBytes: inputBytes, OutputBytes: outputBytes}
}

// valueSize approximates a value's size by its JSON encoding.
func valueSize(v cty.Value) int {
	if v.IsNull() || !v.IsWhollyKnown() {
		return 0
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return 0
	}
	return len(b)
}
