// Package valuestore holds the values and failures computed during one view
// cycle, keyed by value specification.
//
// # Concurrency Model
//
// Memory uses sync.Map: the key space only grows, each specification is
// written once by the job that produced it, and reads from the dispatcher
// and the result collector overlap with those writes.
package valuestore

import (
	"context"
	"sync"

	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/zclconf/go-cty/cty"
)

// Store records the outcome of each computed specification.
type Store interface {
	PutValue(ctx context.Context, spec value.Specification, v cty.Value)
	PutFailure(ctx context.Context, spec value.Specification, err error)
	// Value returns the value computed for spec.
	Value(ctx context.Context, spec value.Specification) (cty.Value, bool)
	// Failure returns why spec could not be computed, or nil.
	Failure(ctx context.Context, spec value.Specification) error
	// Gather returns the values of specs, listing the ones that are missing
	// or failed.
	Gather(ctx context.Context, specs []value.Specification) (map[value.Specification]cty.Value, []value.Specification)
}

// Memory is the in-process Store.
type Memory struct {
	values   sync.Map // value.Specification -> cty.Value
	failures sync.Map // value.Specification -> error
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{}
}

// PutValue records a computed value. A later value for the same
// specification replaces an earlier failure.
func (m *Memory) PutValue(_ context.Context, spec value.Specification, v cty.Value) {
	m.values.Store(spec, v)
	m.failures.Delete(spec)
}

// PutFailure records a failure, unless a value is already present.
func (m *Memory) PutFailure(_ context.Context, spec value.Specification, err error) {
	if _, ok := m.values.Load(spec); ok {
		return
	}
	m.failures.Store(spec, err)
}

// Value implements Store.
func (m *Memory) Value(_ context.Context, spec value.Specification) (cty.Value, bool) {
	v, ok := m.values.Load(spec)
	if !ok {
		return cty.NilVal, false
	}
	return v.(cty.Value), true
}

// Failure implements Store.
func (m *Memory) Failure(_ context.Context, spec value.Specification) error {
	err, ok := m.failures.Load(spec)
	if !ok {
		return nil
	}
	return err.(error)
}

// Gather implements Store.
func (m *Memory) Gather(ctx context.Context, specs []value.Specification) (map[value.Specification]cty.Value, []value.Specification) {
	out := make(map[value.Specification]cty.Value, len(specs))
	var missing []value.Specification
	for _, spec := range specs {
		v, ok := m.Value(ctx, spec)
		if !ok {
			missing = append(missing, spec)
			continue
		}
		out[spec] = v
	}
	return out, missing
}

// Len returns the number of stored values.
func (m *Memory) Len() int {
	n := 0
	m.values.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
