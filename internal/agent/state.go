package agent

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/iTrooz/offline-agent/internal/cache"
)

// stateKey lives in a namespace no cache store name can take
const stateKey = "_agent/state.json"

// State records the lifecycle of every generation, so a restarted agent
// knows what was installed and which generation controls clients.
type State struct {
	Active    string    `json:"active,omitempty"`
	Installed []string  `json:"installed,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsInstalled reports whether name completed an install
func (s State) IsInstalled(name string) bool {
	return slices.Contains(s.Installed, name)
}

// StateStore persists State in the cache backend
type StateStore struct {
	backend cache.GenericCache
	mu      sync.Mutex
}

func NewStateStore(backend cache.GenericCache) *StateStore {
	return &StateStore{backend: backend}
}

// Load returns the persisted state, or the zero State when nothing was recorded yet
func (s *StateStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *StateStore) load() (State, error) {
	var state State
	data, err := s.backend.Get(stateKey)
	if err != nil {
		return state, fmt.Errorf("failed to read agent state: %w", err)
	}
	if data == nil {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("failed to decode agent state: %w", err)
	}
	return state, nil
}

func (s *StateStore) update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	fn(&state)
	state.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode agent state: %w", err)
	}
	if err := s.backend.Set(stateKey, data); err != nil {
		return fmt.Errorf("failed to write agent state: %w", err)
	}
	return nil
}

// MarkInstalled records a completed install of name
func (s *StateStore) MarkInstalled(name string) error {
	return s.update(func(state *State) {
		if !state.IsInstalled(name) {
			state.Installed = append(state.Installed, name)
			slices.Sort(state.Installed)
		}
	})
}

// SetActive records name as the generation controlling clients
func (s *StateStore) SetActive(name string) error {
	return s.update(func(state *State) {
		state.Active = name
	})
}

// Forget drops every record of name
func (s *StateStore) Forget(name string) error {
	return s.update(func(state *State) {
		state.Installed = slices.DeleteFunc(state.Installed, func(n string) bool { return n == name })
		if state.Active == name {
			state.Active = ""
		}
	})
}
