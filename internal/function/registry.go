package function

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/value"
)

// Catalog is what the resolver consumes: the definitions applicable to a
// target, in registration order.
type Catalog interface {
	Functions(target value.TargetReference) []Definition
}

// Repository is what calculation nodes consume: invokers by function id.
type Repository interface {
	Invoker(functionID string) (Invoker, bool)
}

// Registry is the in-process Catalog and Repository.
type Registry struct {
	mu       sync.RWMutex
	order    []Definition
	byID     map[string]Definition
	invokers map[string]Invoker
}

var (
	_ Catalog    = (*Registry)(nil)
	_ Repository = (*Registry)(nil)
)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]Definition),
		invokers: make(map[string]Invoker),
	}
}

// Register adds a definition and the invoker that runs it. Ids are unique.
func (r *Registry) Register(def Definition, inv Invoker) error {
	if def.ID() == "" {
		return errors.New("function id must not be empty")
	}
	if def.ID() == value.MarketDataFunctionID {
		return fmt.Errorf("function id %q is reserved", def.ID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[def.ID()]; exists {
		return fmt.Errorf("function %q is already registered", def.ID())
	}
	r.order = append(r.order, def)
	r.byID[def.ID()] = def
	if inv != nil {
		r.invokers[def.ID()] = inv
	}
	return nil
}

// RegisterFunction registers a Function with its own invoker.
func (r *Registry) RegisterFunction(f *Function) error {
	return r.Register(f, f.Invoker)
}

// Functions implements Catalog.
func (r *Registry) Functions(target value.TargetReference) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Definition
	for _, def := range r.order {
		if def.TargetType() == value.TargetAny || def.TargetType() == target.Type {
			out = append(out, def)
		}
	}
	return out
}

// Definition returns the definition registered under id.
func (r *Registry) Definition(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

// Invoker implements Repository.
func (r *Registry) Invoker(id string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[id]
	return inv, ok
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Validate checks every definition for problems that would only surface as
// confusing resolution or execution failures later.
func (r *Registry) Validate(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, def := range r.order {
		if _, ok := r.invokers[def.ID()]; !ok {
			errs = append(errs, fmt.Errorf("function %q has no invoker", def.ID()))
		}
		if t := def.TargetType(); t != value.TargetAny && !t.Valid() {
			errs = append(errs, fmt.Errorf("function %q: unknown target type %q", def.ID(), t))
		}
		fn, ok := def.(*Function)
		if !ok {
			continue
		}
		if len(fn.Outputs) == 0 {
			errs = append(errs, fmt.Errorf("function %q declares no outputs", fn.Name))
		}
		aliases := make(map[string]struct{}, len(fn.Inputs))
		for _, in := range fn.Inputs {
			if _, dup := aliases[in.Alias]; dup {
				errs = append(errs, fmt.Errorf("function %q: duplicate input alias %q", fn.Name, in.Alias))
			}
			aliases[in.Alias] = struct{}{}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Debug("Function registry validation passed.", "functions", len(r.order))
	return nil
}
