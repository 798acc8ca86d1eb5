// Package marketdata answers whether a requirement can be met directly from
// market data and supplies those values when a cycle executes.
package marketdata

import (
	"context"
	"fmt"
	"sync"

	"github.com/specialistvlad/calcgrid/internal/value"
	"github.com/zclconf/go-cty/cty"
)

// Oracle is consulted by the graph builder before any function.
type Oracle interface {
	Available(req value.Requirement) (value.Specification, bool)
}

// Source provides market data values for execution.
type Source interface {
	Values(ctx context.Context, specs []value.Specification) (map[value.Specification]cty.Value, error)
}

type entryKey struct {
	valueName string
	target    value.TargetReference
}

type entry struct {
	spec  value.Specification
	value cty.Value
}

// Snapshot is an in-memory, point-in-time set of market data. It is both the
// Oracle and the Source for a cycle.
type Snapshot struct {
	mu      sync.RWMutex
	entries map[entryKey][]entry
	count   int
}

var (
	_ Oracle = (*Snapshot)(nil)
	_ Source = (*Snapshot)(nil)
)

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{entries: make(map[entryKey][]entry)}
}

// Put records a market data point. Properties must be strict.
func (s *Snapshot) Put(valueName string, target value.TargetReference, props value.Properties, v cty.Value) error {
	if !props.IsStrict() {
		return fmt.Errorf("market data %s on %s: properties %s contain wildcards", valueName, target, props)
	}
	spec := value.NewSpecification(valueName, target, props, value.MarketDataFunctionID)
	k := entryKey{valueName: valueName, target: target}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries[k] {
		if e.spec == spec {
			s.entries[k][i].value = v
			return nil
		}
	}
	s.entries[k] = append(s.entries[k], entry{spec: spec, value: v})
	s.count++
	return nil
}

// Available implements Oracle. The first recorded point that satisfies the
// requirement wins.
func (s *Snapshot) Available(req value.Requirement) (value.Specification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries[entryKey{valueName: req.ValueName, target: req.Target}] {
		if req.IsSatisfiedBy(e.spec) {
			return e.spec, true
		}
	}
	return value.Specification{}, false
}

// Values implements Source. Specifications the snapshot does not hold are
// reported together in the error; the values that were found are still
// returned.
func (s *Snapshot) Values(ctx context.Context, specs []value.Specification) (map[value.Specification]cty.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[value.Specification]cty.Value, len(specs))
	var missing []value.Specification
	for _, spec := range specs {
		found := false
		for _, e := range s.entries[entryKey{valueName: spec.ValueName, target: spec.Target}] {
			if e.spec == spec {
				out[spec] = e.value
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, spec)
		}
	}
	if len(missing) > 0 {
		return out, &MissingError{Specs: missing}
	}
	return out, nil
}

// Len returns the number of data points.
func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// MissingError lists market data that a cycle needed but the source lacked.
type MissingError struct {
	Specs []value.Specification
}

func (e *MissingError) Error() string {
	if len(e.Specs) == 1 {
		return fmt.Sprintf("market data missing: %s", e.Specs[0])
	}
	return fmt.Sprintf("market data missing for %d values, first: %s", len(e.Specs), e.Specs[0])
}
