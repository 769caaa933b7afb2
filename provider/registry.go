package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages named provider definitions. A new Registry is seeded
// with the built-in providers. Thread-safe for concurrent access.
type Registry struct {
	mu          sync.RWMutex
	definitions map[Kind]Definition
}

// NewRegistry creates a Registry holding the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{definitions: make(map[Kind]Definition)}
	for _, kind := range []Kind{ClaudeCode, Amp} {
		def, _ := Builtin(kind)
		r.definitions[kind] = def
	}
	return r
}

// Get returns the definition for kind. The empty kind selects Default.
func (r *Registry) Get(kind Kind) (Definition, error) {
	if kind == "" {
		kind = Default
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.definitions[kind]
	if !exists {
		return Definition{}, fmt.Errorf("%w: %s", ErrProviderNotFound, kind)
	}
	return cloneDefinition(def), nil
}

// List returns all registered definitions sorted by kind.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, cloneDefinition(def))
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Kind < defs[j].Kind
	})
	return defs
}

// Register adds a new provider definition.
func (r *Registry) Register(def Definition) error {
	if def.Kind == "" {
		return ErrEmptyProviderName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.Kind]; exists {
		return fmt.Errorf("%w: %s", ErrProviderExists, def.Kind)
	}
	r.definitions[def.Kind] = cloneDefinition(def)
	return nil
}

// Replace overrides an existing provider definition.
func (r *Registry) Replace(def Definition) error {
	if def.Kind == "" {
		return ErrEmptyProviderName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.Kind]; !exists {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, def.Kind)
	}
	r.definitions[def.Kind] = cloneDefinition(def)
	return nil
}

// Unregister removes a provider definition.
func (r *Registry) Unregister(kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[kind]; !exists {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, kind)
	}
	delete(r.definitions, kind)
	return nil
}

func cloneDefinition(def Definition) Definition {
	def.Candidates = append([]string(nil), def.Candidates...)
	def.CredentialFiles = append([]string(nil), def.CredentialFiles...)
	def.AuthPhrases = append([]string(nil), def.AuthPhrases...)
	return def
}
