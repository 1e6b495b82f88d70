package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting  bool   `json:"crashReporting"`            // Whether to send crash reports to Sentry
	PreferredReader string `json:"preferredReader,omitempty"` // Exact reader name tried before the name filter
}

var (
	current *Settings
	mu      sync.RWMutex
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false, // opt-in
	}
}

// Path returns the location of the settings file.
func Path() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "kanban-agent", "settings.json"), nil
}

// Load reads settings from disk, or returns defaults if the file doesn't exist.
// Defaults are also kept when the file is unreadable, and the error returned.
func Load() (Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	current = DefaultSettings()

	path, err := Path()
	if err != nil {
		return *current, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return *current, nil
		}
		return *current, err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return *current, err
	}

	current = &s
	return *current, nil
}

func saveLocked() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Get returns a copy of the current settings, loading them on first use.
func Get() Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return *current
	}
	mu.RUnlock()

	s, _ := Load()
	return s
}

// Update applies fn to the current settings and saves them.
func Update(fn func(*Settings)) error {
	Get() // load first so a file on disk is not overwritten with defaults

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = DefaultSettings()
	}
	fn(current)
	return saveLocked()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	return Update(func(s *Settings) { s.CrashReporting = enabled })
}

// SetPreferredReader stores the reader to select on start; empty clears it.
func SetPreferredReader(name string) error {
	return Update(func(s *Settings) { s.PreferredReader = name })
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}
