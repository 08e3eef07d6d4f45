package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Preferences are the user-tunable interaction settings, editable from
// the web page and the terminal client. They survive restarts and apply
// to every subsequent session until changed again.
type Preferences struct {
	Transport        string `yaml:"transport" json:"transport"`
	TimeoutSeconds   int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	SingleSubmit     bool   `yaml:"single_submit_mode" json:"single_submit_mode"`
	UseDefaultOption bool   `yaml:"use_default_option" json:"use_default_option"`
	TimeoutAction    string `yaml:"timeout_action" json:"timeout_action"`
	DefaultIndex     *int   `yaml:"default_index,omitempty" json:"default_index,omitempty"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		Transport:      "web",
		TimeoutSeconds: 300,
		SingleSubmit:   true,
		TimeoutAction:  "submit",
	}
}

// PrefsStore persists preferences as a YAML file. Reads return a copy;
// writes go through a temp file and rename so a crash never leaves a
// half-written file behind.
type PrefsStore struct {
	mu    sync.Mutex
	path  string
	prefs Preferences
}

// NewPrefsStore loads the file at path, falling back to defaults when it
// does not exist yet.
func NewPrefsStore(path string) (*PrefsStore, error) {
	s := &PrefsStore{path: path, prefs: DefaultPreferences()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &s.prefs); err != nil {
		return nil, fmt.Errorf("parse preferences %s: %w", path, err)
	}
	return s, nil
}

// Get returns the current preferences.
func (s *PrefsStore) Get() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// Update overwrites the stored preferences and persists them.
func (s *PrefsStore) Update(p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = p
	return s.writeLocked()
}

func (s *PrefsStore) writeLocked() error {
	data, err := yaml.Marshal(s.prefs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
