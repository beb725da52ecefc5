package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings is the user-mutable configuration persisted as settings.json.
// Absent model_visibility keys mean visible.
type Settings struct {
	ModelVisibility          map[string]bool `json:"model_visibility,omitempty"`
	ProviderGroupingsEnabled bool            `json:"provider_groupings_enabled"`
	AutoSwitchEnabled        bool            `json:"auto_switch_enabled"`
	AutoSwitchThreshold      float64         `json:"auto_switch_threshold,omitempty"`
	UpstreamProxy            UpstreamProxy   `json:"upstream_proxy"`
	RequestTimeoutSeconds    int             `json:"request_timeout,omitempty"`
	InternalBaseURLs         []string        `json:"internal_base_urls,omitempty"`
	RequestUserAgent         string          `json:"request_user_agent,omitempty"`
}

// UpstreamProxy configures an optional HTTP(S) proxy for outbound calls.
type UpstreamProxy struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
}

// DefaultSettings returns the settings used before any settings.json exists.
func DefaultSettings() Settings {
	return Settings{
		ProviderGroupingsEnabled: true,
		AutoSwitchEnabled:        false,
		AutoSwitchThreshold:      25,
		RequestTimeoutSeconds:    120,
	}
}

// Normalize clamps out-of-range values. request_timeout is clamped to >= 1s;
// the auto-switch threshold defaults to the "limited" boundary.
func (s *Settings) Normalize() {
	if s.RequestTimeoutSeconds < 1 {
		s.RequestTimeoutSeconds = 1
	}
	if s.AutoSwitchThreshold <= 0 || s.AutoSwitchThreshold > 100 {
		s.AutoSwitchThreshold = 25
	}
	for i, u := range s.InternalBaseURLs {
		s.InternalBaseURLs[i] = trimBaseURL(u)
	}
}

func trimBaseURL(u string) string {
	for len(u) > 0 && u[len(u)-1] == '/' {
		u = u[:len(u)-1]
	}
	return u
}

// ModelVisible reports whether a model participates in aggregation.
func (s Settings) ModelVisible(model string) bool {
	if s.ModelVisibility == nil {
		return true
	}
	visible, ok := s.ModelVisibility[model]
	if !ok {
		return true
	}
	return visible
}

// SettingsStore persists Settings as a single JSON document with
// rename-on-write atomicity.
type SettingsStore struct {
	path string

	mu      sync.RWMutex
	current Settings
}

// NewSettingsStore loads settings.json from dir, falling back to defaults
// when the file does not exist.
func NewSettingsStore(dir string) (*SettingsStore, error) {
	st := &SettingsStore{path: filepath.Join(dir, "settings.json")}

	data, err := os.ReadFile(st.path)
	switch {
	case os.IsNotExist(err):
		st.current = DefaultSettings()
	case err != nil:
		return nil, fmt.Errorf("config: read settings: %w", err)
	default:
		var s Settings
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("config: parse settings: %w", err)
		}
		s.Normalize()
		st.current = s
	}
	return st, nil
}

// Get returns the current settings snapshot.
func (st *SettingsStore) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Put validates, persists and swaps in new settings.
func (st *SettingsStore) Put(s Settings) error {
	s.Normalize()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal settings: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if err := writeFileAtomic(st.path, data); err != nil {
		return fmt.Errorf("config: write settings: %w", err)
	}
	st.current = s
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never observe a partial document.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteFileAtomic is the rename-on-write helper shared with the account store.
func WriteFileAtomic(path string, data []byte) error {
	return writeFileAtomic(path, data)
}
