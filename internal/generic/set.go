package generic

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Set is the host's collection of generics, handed to module registration
// alongside the plugin registry.
type Set struct {
	mu       sync.RWMutex
	generics map[string]*Generic
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{generics: make(map[string]*Generic)}
}

// Define returns the generic called name, declaring it if needed. Defining
// an existing name with different dispatch parameters is an error.
func (s *Set) Define(name string, params ...string) (*Generic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.generics[name]; ok {
		if !slices.Equal(g.params, params) {
			return nil, fmt.Errorf("%w: generic %s already defined with parameters %v", ErrInvalidImplementation, name, g.params)
		}
		return g, nil
	}
	if name == "" || len(params) == 0 {
		return nil, fmt.Errorf("%w: generic %q needs a name and dispatch parameters", ErrInvalidImplementation, name)
	}
	g := Define(name, params...)
	s.generics[name] = g
	return g, nil
}

// Add puts an already declared generic into the set.
func (s *Set) Add(g *Generic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.generics[g.name]; ok && existing != g {
		return fmt.Errorf("%w: generic %s already defined", ErrInvalidImplementation, g.name)
	}
	s.generics[g.name] = g
	return nil
}

// Lookup returns the generic called name.
func (s *Set) Lookup(name string) (*Generic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.generics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGeneric, name)
	}
	return g, nil
}

// Names returns the defined generic names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.generics))
	for name := range s.generics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
