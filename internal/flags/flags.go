// Package flags holds the runtime feature switches of the gate.
package flags

import (
	"fmt"
	"sort"
	"sync"

	"github.com/TimurManjosov/qualiopigate/internal/decision"
)

const (
	EnforceCheckout = decision.FlagEnforceCheckout
	EnforceCart     = "enforce_cart"
)

// Known lists the flags accepted by SetFlag.
var Known = []string{EnforceCheckout, EnforceCart}

// Set is a thread-safe collection of named booleans.
type Set struct {
	mu     sync.RWMutex
	values map[string]bool
}

// New creates a Set with both known flags at the given values.
func New(enforceCheckout, enforceCart bool) *Set {
	return &Set{values: map[string]bool{
		EnforceCheckout: enforceCheckout,
		EnforceCart:     enforceCart,
	}}
}

// Get returns the flag value; unknown names are false.
func (s *Set) Get(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name]
}

// SetFlag changes a known flag.
func (s *Set) SetFlag(name string, value bool) error {
	if !IsKnown(name) {
		return fmt.Errorf("unknown flag %q", name)
	}
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
	return nil
}

// Apply sets several flags at once. Nothing changes if any name is unknown.
func (s *Set) Apply(values map[string]bool) error {
	names := make([]string, 0, len(values))
	for name := range values {
		if !IsKnown(name) {
			return fmt.Errorf("unknown flag %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		s.values[name] = values[name]
	}
	return nil
}

// All returns a copy of every flag.
func (s *Set) All() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Snapshot copies the flags in the form the decision engine expects.
func (s *Set) Snapshot() decision.Flags {
	return decision.Flags(s.All())
}

// IsKnown reports whether name is a supported flag.
func IsKnown(name string) bool {
	for _, k := range Known {
		if k == name {
			return true
		}
	}
	return false
}
