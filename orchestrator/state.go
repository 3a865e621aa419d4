// SPDX-License-Identifier: MIT
package orchestrator

import (
	"sync"
	"time"
)

// NodeState is the last observed condition of a logical node: an opaque
// state label plus when it was recorded. Freshness conditions on dependency
// edges are evaluated against this.
type NodeState struct {
	State     string
	UpdatedAt time.Time
}

// StateStore tracks per-logical-name node states across runs. It is an
// in-memory record only; nothing here survives the process.
type StateStore struct {
	mu     sync.RWMutex
	states map[string]NodeState
	clock  func() time.Time
}

// NewStateStore creates an empty state store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]NodeState), clock: time.Now}
}

// Set records a node's current state label, stamped now.
func (s *StateStore) Set(name, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = NodeState{State: state, UpdatedAt: s.clock()}
}

// Get returns the last recorded state for a logical name.
func (s *StateStore) Get(name string) (NodeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[name]
	return st, ok
}

// Age returns how long ago the node's state was recorded.
func (s *StateStore) Age(name string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[name]
	if !ok {
		return 0, false
	}
	return s.clock().Sub(st.UpdatedAt), true
}

// SetClock overrides the store's time source. Tests only.
func (s *StateStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}
