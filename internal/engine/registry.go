package engine

import (
	"fmt"
	"sort"
)

// BodyFunc is the implementation of a reaction body, deadline handler,
// or tardiness handler. Bodies observe and mutate the world only
// through the ReactionContext; reaching around it breaks determinism.
type BodyFunc func(ctx *ReactionContext) error

// Registry maps body names from program descriptors to Go
// implementations. Programs bind by name so the same descriptor runs
// against different registries (production builtins, test doubles).
type Registry struct {
	funcs map[string]BodyFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]BodyFunc)}
}

// Register binds name to fn. Registering a name twice is an error;
// shadowing a body silently is how test runs diverge from production.
func (r *Registry) Register(name string, fn BodyFunc) error {
	if name == "" {
		return fmt.Errorf("register: empty body name")
	}
	if fn == nil {
		return fmt.Errorf("register %q: nil body", name)
	}
	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("register %q: already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Lookup returns the implementation bound to name.
func (r *Registry) Lookup(name string) (BodyFunc, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
