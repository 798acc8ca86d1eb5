package calcnode

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Jobs and results cross process boundaries as JSON. Values carry their cty
// type alongside so they decode to exactly what was sent.

type wireValue struct {
	Spec  value.Specification `json:"spec"`
	Type  json.RawMessage     `json:"type"`
	Value json.RawMessage     `json:"value"`
}

type wireJob struct {
	Spec   JobSpecification `json:"spec"`
	Items  []JobItem        `json:"items"`
	Inputs []wireValue      `json:"inputs,omitempty"`
}

type wireFailure struct {
	FunctionID string                `json:"function_id"`
	Target     value.TargetReference `json:"target"`
	Outputs    []value.Specification `json:"outputs"`
	Upstream   bool                  `json:"upstream,omitempty"`
	Message    string                `json:"message"`
}

type wireItem struct {
	Outputs     []wireValue  `json:"outputs,omitempty"`
	Failure     *wireFailure `json:"failure,omitempty"`
	Nanos       int64        `json:"nanos"`
	InputBytes  int          `json:"input_bytes,omitempty"`
	OutputBytes int          `json:"output_bytes,omitempty"`
}

type wireResult struct {
	Spec           JobSpecification `json:"spec"`
	Node           string           `json:"node"`
	Items          []wireItem       `json:"items"`
	ExecutionNanos int64            `json:"execution_nanos"`
}

func encodeValues(values map[value.Specification]cty.Value) ([]wireValue, error) {
	out := make([]wireValue, 0, len(values))
	for spec, v := range values {
		typ, err := ctyjson.MarshalType(v.Type())
		if err != nil {
			return nil, fmt.Errorf("encode type of %s: %w", spec, err)
		}
		raw, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", spec, err)
		}
		out = append(out, wireValue{Spec: spec, Type: typ, Value: raw})
	}
	return out, nil
}

func decodeValues(in []wireValue) (map[value.Specification]cty.Value, error) {
	out := make(map[value.Specification]cty.Value, len(in))
	for _, w := range in {
		typ, err := ctyjson.UnmarshalType(w.Type)
		if err != nil {
			return nil, fmt.Errorf("decode type of %s: %w", w.Spec, err)
		}
		v, err := ctyjson.Unmarshal(w.Value, typ)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", w.Spec, err)
		}
		out[w.Spec] = v
	}
	return out, nil
}

// EncodeJob serializes a job.
func EncodeJob(job *Job) ([]byte, error) {
	inputs, err := encodeValues(job.Inputs)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.Spec, err)
	}
	return json.Marshal(wireJob{Spec: job.Spec, Items: job.Items, Inputs: inputs})
}

// DecodeJob parses a job written by EncodeJob.
func DecodeJob(data []byte) (*Job, error) {
	var w wireJob
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	inputs, err := decodeValues(w.Inputs)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", w.Spec, err)
	}
	return &Job{Spec: w.Spec, Items: w.Items, Inputs: inputs}, nil
}

// EncodeResult serializes a result. Failure causes travel as messages only.
func EncodeResult(res *JobResult) ([]byte, error) {
	w := wireResult{
		Spec:           res.Spec,
		Node:           res.Node,
		Items:          make([]wireItem, len(res.Items)),
		ExecutionNanos: res.ExecutionTime.Nanoseconds(),
	}
	for i, it := range res.Items {
		item := wireItem{Nanos: it.Duration.Nanoseconds(), InputBytes: it.InputBytes, OutputBytes: it.OutputBytes}
		if f := it.Failure; f != nil {
			item.Failure = &wireFailure{
				FunctionID: f.FunctionID,
				Target:     f.Target,
				Outputs:    f.Outputs,
				Upstream:   f.Upstream,
				Message:    f.Err.Error(),
			}
		} else {
			outputs, err := encodeValues(it.Outputs)
			if err != nil {
				return nil, fmt.Errorf("result %s: %w", res.Spec, err)
			}
			item.Outputs = outputs
		}
		w.Items[i] = item
	}
	return json.Marshal(w)
}

// DecodeResult parses a result written by EncodeResult.
func DecodeResult(data []byte) (*JobResult, error) {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	res := &JobResult{
		Spec:          w.Spec,
		Node:          w.Node,
		Items:         make([]ItemResult, len(w.Items)),
		ExecutionTime: time.Duration(w.ExecutionNanos),
	}
	for i, item := range w.Items {
		it := ItemResult{Duration: time.Duration(item.Nanos), InputBytes: item.InputBytes, OutputBytes: item.OutputBytes}
		if f := item.Failure; f != nil {
			it.Failure = &JobExecutionFailure{
				FunctionID: f.FunctionID,
				Target:     f.Target,
				Outputs:    f.Outputs,
				Upstream:   f.Upstream,
				Err:        errors.New(f.Message),
			}
		} else {
			outputs, err := decodeValues(item.Outputs)
			if err != nil {
				return nil, fmt.Errorf("result %s: %w", w.Spec, err)
			}
			it.Outputs = outputs
		}
		res.Items[i] = it
	}
	return res, nil
}
