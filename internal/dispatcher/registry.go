package dispatcher

import "sync"

// Registry stores handlers by name. The specification's source unwraps a
// registered handle into its raw callable at dispatch time; this is the
// systems-language equivalent the design notes call for: the callable and
// its metadata are stored side by side, indexed by name, and Load resolves
// a name to an entry rather than embedding the registry inside the
// callable itself.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	scalar      ScalarFunc
	generator   GeneratorFunc
	isGenerator bool
	instance    any
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// RegisterScalar registers a scalar (non-streaming) handler under name. If
// instance is non-nil, it is the class-bound instance whose lifecycle hooks
// ResolveLifecycle should consider.
func (r *Registry) RegisterScalar(name string, fn ScalarFunc, instance any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{scalar: fn, instance: instance}
}

// RegisterGenerator registers a streaming handler under name.
func (r *Registry) RegisterGenerator(name string, fn GeneratorFunc, instance any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{generator: fn, isGenerator: true, instance: instance}
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}
