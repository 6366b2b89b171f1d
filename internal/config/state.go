package config

import (
	"bufio"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/forgechat/internal/llm/tools"
)

// StateFileName is the state file inside the data directory
const StateFileName = "state.toml"

// State is what the user chose last: the model, favorite models and the
// standing tool permissions (ApproveAlways / DenyNever)
type State struct {
	Provider    string                      `toml:"provider"`
	Model       string                      `toml:"model"`
	Favorites   []string                    `toml:"favorites"`
	Permissions map[string]tools.Permission `toml:"permissions"`
}

// NewState creates an empty state
func NewState() *State {
	return &State{Permissions: make(map[string]tools.Permission)}
}

// SaveState writes the state to a TOML file
func SaveState(filePath string, state *State) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create/open state file %s: %w", filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	encoder := toml.NewEncoder(writer)
	if err := encoder.Encode(state); err != nil {
		return fmt.Errorf("failed to encode state to TOML file %s: %w", filePath, err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer for state file %s: %w", filePath, err)
	}

	log.Debug("State saved to file", "file", filePath)
	return nil
}

// LoadState loads the state from a TOML file. A missing file yields an
// empty state.
func LoadState(filePath string) (*State, error) {
	state := NewState()
	if _, err := toml.DecodeFile(filePath, state); err != nil {
		if _, statErr := os.Stat(filePath); os.IsNotExist(statErr) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("failed to decode TOML from file %s: %w", filePath, err)
	}
	if state.Permissions == nil {
		state.Permissions = make(map[string]tools.Permission)
	}
	return state, nil
}

// StateStore keeps State in memory and writes it back on every change. It
// implements tools.Preferences.
type StateStore struct {
	mu    sync.Mutex
	path  string
	state *State
}

// OpenStateStore loads the state file at path
func OpenStateStore(path string) (*StateStore, error) {
	state, err := LoadState(path)
	if err != nil {
		return nil, err
	}
	return &StateStore{path: path, state: state}, nil
}

// Path returns the backing file
func (s *StateStore) Path() string { return s.path }

// Permission returns the stored permission of a tool
func (s *StateStore) Permission(tool string) (tools.Permission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Permissions[tool]
	return p, ok
}

// SetPermission stores standing permissions and forgets one-shot ones
func (s *StateStore) SetPermission(tool string, p tools.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.state.Permissions[tool]
	switch p {
	case tools.PermissionApproveAlways, tools.PermissionDenyNever:
		if had && prev == p {
			return nil
		}
		s.state.Permissions[tool] = p
	default:
		if !had {
			return nil
		}
		delete(s.state.Permissions, tool)
	}
	return SaveState(s.path, s.state)
}

// Permissions returns a copy of every stored permission
func (s *StateStore) Permissions() map[string]tools.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.state.Permissions)
}

// Model returns the last selected provider and model
func (s *StateStore) Model() (provider, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Provider, s.state.Model
}

// UpdateModel records the current model and saves the state
func (s *StateStore) UpdateModel(provider, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Provider = provider
	s.state.Model = model
	return SaveState(s.path, s.state)
}

// IsFavorite reports whether a model is marked as favorite
func (s *StateStore) IsFavorite(modelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.state.Favorites, modelID)
}

// ToggleFavorite flips the favorite mark of a model and reports the new value
func (s *StateStore) ToggleFavorite(modelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.state.Favorites, modelID); i >= 0 {
		s.state.Favorites = slices.Delete(s.state.Favorites, i, i+1)
		return false, SaveState(s.path, s.state)
	}
	s.state.Favorites = append(s.state.Favorites, modelID)
	slices.Sort(s.state.Favorites)
	return true, SaveState(s.path, s.state)
}

// Favorites returns the favorite model ids in order
func (s *StateStore) Favorites() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.Favorites)
}
