// Package resolver turns a value requirement into the ranked (function,
// target) candidates that could produce it.
package resolver

import (
	"cmp"
	"iter"
	"slices"
	"sync"

	"github.com/specialistvlad/calcgrid/internal/function"
	"github.com/specialistvlad/calcgrid/internal/value"
)

// Candidate is one way of producing a requirement.
type Candidate struct {
	Function function.Definition
	Target   value.TargetReference
	// Output is the matched template narrowed to the requirement.
	Output value.Specification
	// Outputs is everything a node for this candidate produces: Output
	// first, then the function's other strict templates.
	Outputs []value.Specification
}

type ranked struct {
	def   function.Definition
	order int
}

// Resolver ranks catalog functions per target and enumerates candidates
// lazily. Rankings are cached per target until Invalidate is called.
type Resolver struct {
	catalog function.Catalog

	mu     sync.Mutex
	ranked map[value.TargetReference][]ranked
}

// New creates a resolver over catalog.
func New(catalog function.Catalog) *Resolver {
	return &Resolver{
		catalog: catalog,
		ranked:  make(map[value.TargetReference][]ranked),
	}
}

// Invalidate drops cached rankings, e.g. after the catalog was reloaded.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.ranked)
}

func (r *Resolver) rankedFor(target value.TargetReference) []ranked {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.ranked[target]; ok {
		return rs
	}
	defs := r.catalog.Functions(target)
	rs := make([]ranked, len(defs))
	for i, def := range defs {
		rs[i] = ranked{def: def, order: i}
	}
	slices.SortStableFunc(rs, func(a, b ranked) int {
		if c := cmp.Compare(b.def.Priority(), a.def.Priority()); c != 0 {
			return c
		}
		if c := cmp.Compare(specificity(b.def), specificity(a.def)); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})
	r.ranked[target] = rs
	return rs
}

func specificity(def function.Definition) int {
	if def.TargetType() == value.TargetAny {
		return 0
	}
	return 1
}

// Resolve returns the candidates for req in rank order, skipping functions
// whose exclusion group is already on the resolution path. The sequence is
// produced lazily and may be iterated again from the start. No candidates is
// not an error.
func (r *Resolver) Resolve(req value.Requirement, excluded function.ExclusionSet) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		for _, rf := range r.rankedFor(req.Target) {
			if excluded.Excludes(rf.def) {
				continue
			}
			results := rf.def.Results(req.Target)
			for i, tmpl := range results {
				if !req.IsSatisfiedBy(tmpl) {
					continue
				}
				if !yield(newCandidate(rf.def, req, results, i)) {
					return
				}
			}
		}
	}
}

func newCandidate(def function.Definition, req value.Requirement, results []value.Specification, matched int) Candidate {
	tmpl := results[matched]
	output := value.NewSpecification(tmpl.ValueName, tmpl.Target, tmpl.Properties.Compose(req.Constraints), def.ID())
	outputs := []value.Specification{output}
	for i, other := range results {
		if i == matched || !other.Properties.IsStrict() || other == output {
			continue
		}
		outputs = append(outputs, other)
	}
	return Candidate{
		Function: def,
		Target:   req.Target,
		Output:   output,
		Outputs:  outputs,
	}
}
