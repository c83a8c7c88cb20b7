package game

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds all registered automated opponents.
type Registry struct {
	mu        sync.RWMutex
	opponents map[string]Opponent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{opponents: make(map[string]Opponent)}
}

// NewDefaultRegistry creates a registry holding DefaultOpponents.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, o := range DefaultOpponents() {
		r.Register(o)
	}
	return r
}

// Register adds an opponent. Panics on duplicate names or invalid profiles.
func (r *Registry) Register(o Opponent) {
	if err := o.Validate(); err != nil {
		panic(err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.opponents[o.Name]; exists {
		panic(fmt.Sprintf("opponent %q already registered", o.Name))
	}
	r.opponents[o.Name] = o
}

// Get returns an opponent by name.
func (r *Registry) Get(name string) (Opponent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.opponents[name]
	return o, ok
}

// List returns all registered opponents sorted by name.
func (r *Registry) List() []Opponent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Opponent, 0, len(r.opponents))
	for _, o := range r.opponents {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
