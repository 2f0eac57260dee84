package session

import (
	"sync"

	"github.com/zhubert/nblog/host"
	"github.com/zhubert/nblog/tee"
)

// State is the logging state of one shell instance.
//
// Thread Safety:
// State has an internal mutex. The Controller holds it for the whole of a
// Start or Stop, so the two never interleave for the same shell. Readers
// outside the controller use the accessor methods or WithLock.
type State struct {
	mu sync.Mutex // Protects all fields below

	Active bool   // Whether a transcript is being recorded
	Path   string // Resolved transcript path while Active

	hooks *hooks   // Boundary callback registration, nil when inactive
	tee   *tee.Tee // Installed tee, nil when inactive
}

// hooks remembers one registration of a Framer with an event source.
type hooks struct {
	events host.Events
	pre    host.HookID
	post   host.HookID
}

// IsActive returns whether logging is on.
// Thread-safe.
func (s *State) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Active
}

// GetPath returns the transcript path, or "" when inactive.
// Thread-safe.
func (s *State) GetPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Path
}

// WithLock executes fn while holding the state lock.
func (s *State) WithLock(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// reset returns s to inactive. Caller must hold s.mu.
func (s *State) reset() {
	s.Active = false
	s.Path = ""
	s.hooks = nil
	s.tee = nil
}

// StateStore keys State by shell instance ID. States are created on first
// use and never removed; stopping a session resets its State instead.
type StateStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewStateStore creates an empty store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]*State)}
}

// GetOrCreate returns the state for a shell, creating it if it doesn't exist.
func (m *StateStore) GetOrCreate(shellID string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[shellID]
	if !ok {
		state = &State{}
		m.states[shellID] = state
	}
	return state
}

// GetIfExists returns the state for a shell if it exists, nil otherwise.
func (m *StateStore) GetIfExists(shellID string) *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[shellID]
}

// ActiveShells returns the IDs of shells that are currently logging.
func (m *StateStore) ActiveShells() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, state := range m.states {
		if state.IsActive() {
			ids = append(ids, id)
		}
	}
	return ids
}
