// Package strategy selects which pending newcomers a block assembler
// admits, via a named, registered JoinerFilter — the consensus-domain
// counterpart of the teacher's TxType handler registry.
package strategy

import (
	"fmt"
	"sync"

	"github.com/duniter-go/gonode/wot"
)

// Candidate is one pending newcomer under consideration for inclusion,
// alongside the certifications vouching for it.
type Candidate struct {
	Membership wot.Membership
	Identity   wot.Identity
	Certs      []wot.Certification
}

// JoinerFilter decides, given the ordered list of candidates and a WoT
// admissibility predicate, which candidates to admit this block.
type JoinerFilter func(candidates []Candidate, admissible func(Candidate, []Candidate) bool) []Candidate

// Registry maps strategy names to JoinerFilters. Thread-safe for
// concurrent registration.
type Registry struct {
	mu       sync.RWMutex
	filters  map[string]JoinerFilter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{filters: make(map[string]JoinerFilter)}
}

// Register associates name with f. Panics on duplicate registration.
func (r *Registry) Register(name string, f JoinerFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.filters[name]; exists {
		panic(fmt.Sprintf("strategy: filter already registered for %q", name))
	}
	r.filters[name] = f
}

// Get returns the filter registered under name.
func (r *Registry) Get(name string) (JoinerFilter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filters[name]
	if !ok {
		return nil, fmt.Errorf("strategy: no filter registered for %q", name)
	}
	return f, nil
}

// globalRegistry is the package-level singleton the built-in strategies
// self-register into via init().
var globalRegistry = NewRegistry()

// Register adds f to the global registry under name.
func Register(name string, f JoinerFilter) {
	globalRegistry.Register(name, f)
}

// Get looks up a filter in the global registry.
func Get(name string) (JoinerFilter, error) {
	return globalRegistry.Get(name)
}

const (
	// Automatic is the ordinary block-generation strategy: maximal
	// admissible prefix under input order, iterated to a fixpoint.
	Automatic = "automatic"
	// ManualRoot admits every candidate unconditionally; only valid for
	// the root block, where there is no existing WoT to check against.
	ManualRoot = "manual-root"
)
