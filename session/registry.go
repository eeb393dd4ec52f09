package session

import "sync"

// FactoryKey is the well-known registry key for the session factory.
const FactoryKey = "session_factory"

// Registry is a string-keyed component registry. Applications that wire
// their database layer at startup can register the session factory here and
// build workers before the database connection exists; the factory is only
// resolved at first use.
//
// Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	components map[string]any
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]any)}
}

// Set stores a component under the given key, replacing any previous value.
func (r *Registry) Set(key string, component any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[key] = component
}

// Get returns the component stored under the given key.
func (r *Registry) Get(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[key]
	return c, ok
}

// SetFactory registers the session factory under FactoryKey.
func (r *Registry) SetFactory(f Factory) {
	r.Set(FactoryKey, f)
}

// Factory returns the registered session factory, or false when none is
// registered or the registered component is not a Factory.
func (r *Registry) Factory() (Factory, bool) {
	c, ok := r.Get(FactoryKey)
	if !ok {
		return nil, false
	}
	f, ok := c.(Factory)
	return f, ok
}
