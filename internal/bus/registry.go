package bus

import (
	"sort"
	"sync"
	"time"

	"hivemind/internal/config"
)

// TypeRegistration is one knowledge type's registry entry: who wants it,
// whether payloads are schema-checked at write, and how fast it decays.
type TypeRegistration struct {
	Type               KnowledgeType
	ValidationRequired bool
	HalfLife           time.Duration
	Schema             PayloadSchema
	interested         map[string]struct{}
}

// Registry maps knowledge types to their registration. Unknown types are
// registered on demand with defaults so forward-compatible producers are
// never rejected.
type Registry struct {
	mu              sync.RWMutex
	types           map[KnowledgeType]*TypeRegistration
	defaultHalfLife time.Duration
}

// NewRegistry builds the registry from configuration. Half-lives come from
// config, not code.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		types:           make(map[KnowledgeType]*TypeRegistration),
		defaultHalfLife: cfg.DefaultHalfLife(),
	}
	for name, tc := range cfg.Bus.Types {
		t := KnowledgeType(name)
		reg := &TypeRegistration{
			Type:               t,
			ValidationRequired: tc.ValidationRequired,
			HalfLife:           cfg.HalfLifeFor(name),
			Schema:             defaultSchemaFor(t),
			interested:         make(map[string]struct{}),
		}
		for _, w := range tc.Interested {
			reg.interested[w] = struct{}{}
		}
		r.types[t] = reg
	}
	return r
}

// ensure returns the registration for t, creating a default entry if needed.
func (r *Registry) ensure(t KnowledgeType) *TypeRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.types[t]; ok {
		return reg
	}
	reg := &TypeRegistration{
		Type:       t,
		HalfLife:   r.defaultHalfLife,
		Schema:     defaultSchemaFor(t),
		interested: make(map[string]struct{}),
	}
	r.types[t] = reg
	return reg
}

// Subscribe marks a worker as interested in the given knowledge types.
func (r *Registry) Subscribe(workerName string, types ...KnowledgeType) {
	for _, t := range types {
		reg := r.ensure(t)
		r.mu.Lock()
		reg.interested[workerName] = struct{}{}
		r.mu.Unlock()
	}
}

// Interested returns the workers subscribed to t, sorted for determinism.
func (r *Registry) Interested(t KnowledgeType) []string {
	reg := r.ensure(t)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(reg.interested))
	for w := range reg.interested {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// HalfLife returns the decay half-life for t.
func (r *Registry) HalfLife(t KnowledgeType) time.Duration {
	reg := r.ensure(t)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return reg.HalfLife
}

// ValidationRequired reports whether payloads of t are schema-checked.
func (r *Registry) ValidationRequired(t KnowledgeType) bool {
	reg := r.ensure(t)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return reg.ValidationRequired
}

// Schema returns the payload schema for t.
func (r *Registry) Schema(t KnowledgeType) PayloadSchema {
	reg := r.ensure(t)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return reg.Schema
}
