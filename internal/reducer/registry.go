package reducer

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/dagstate/internal/engine"
)

// ErrUnknown reports a reducer name with no registration.
var ErrUnknown = errors.New("unknown reducer")

// Registry maps names to reducers.
//
// Thread-safety: safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	reducers map[string]engine.Reducer
}

// NewRegistry returns a registry holding the built-ins.
func NewRegistry() *Registry {
	r := &Registry{reducers: make(map[string]engine.Reducer)}
	r.reducers[Set] = setReducer
	r.reducers[Delete] = deleteReducer
	r.reducers[Append] = appendReducer
	r.reducers[Increment] = incrementReducer
	r.reducers[Batch] = batchReducer(r)
	return r
}

// Register adds a reducer. Names are unique.
func (r *Registry) Register(name string, red engine.Reducer) error {
	if name == "" || red == nil {
		return fmt.Errorf("register reducer: empty name or nil reducer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.reducers[name]; dup {
		return fmt.Errorf("register reducer: %q already registered", name)
	}
	r.reducers[name] = red
	return nil
}

// Lookup returns the reducer registered under name.
func (r *Registry) Lookup(name string) (engine.Reducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	red, ok := r.reducers[name]
	return red, ok
}

// Get is Lookup returning ErrUnknown for a missing name.
func (r *Registry) Get(name string) (engine.Reducer, error) {
	red, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return red, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.reducers))
	for n := range r.reducers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
