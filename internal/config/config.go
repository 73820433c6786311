package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the on-disk configuration for questengine.
type Config struct {
	// BackendBaseURL is the questionnaire backend, e.g. https://quest.example.com.
	BackendBaseURL string `json:"backend_base_url"`

	// StateDir holds the local draft database, the audit trail and the
	// process lock. If empty, a per-user default is used.
	StateDir string `json:"state_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`

	// RequestTimeoutSeconds bounds one backend HTTP call.
	RequestTimeoutSeconds int `json:"request_timeout_seconds,omitempty"`

	// DebounceMillis overrides the quiet window after the last edit before a
	// draft sync runs.
	DebounceMillis int `json:"debounce_millis,omitempty"`
	// SyncIntervalSeconds overrides the unconditional periodic sync.
	SyncIntervalSeconds int `json:"sync_interval_seconds,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	base := strings.TrimSpace(c.BackendBaseURL)
	if base == "" {
		return errors.New("missing backend_base_url")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend_base_url: %s", base)
	}
	if c.RequestTimeoutSeconds < 0 {
		return errors.New("request_timeout_seconds must not be negative")
	}
	if c.DebounceMillis < 0 {
		return errors.New("debounce_millis must not be negative")
	}
	if c.SyncIntervalSeconds < 0 {
		return errors.New("sync_interval_seconds must not be negative")
	}
	return nil
}

// ResolvedStateDir returns the configured state directory or the per-user
// default.
func (c *Config) ResolvedStateDir() string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return strings.TrimSpace(c.StateDir)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".questengine"
	}
	return filepath.Join(home, ".questengine")
}

// DraftDBPath is the SQLite draft database inside the state directory.
func (c *Config) DraftDBPath() string {
	return filepath.Join(c.ResolvedStateDir(), "drafts.db")
}

// LockPath is the process lock inside the state directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.ResolvedStateDir(), "questengine.lock")
}

// RequestTimeout returns the backend call timeout, zero meaning the client
// default.
func (c *Config) RequestTimeout() time.Duration {
	if c == nil || c.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Debounce returns the configured debounce override, zero meaning default.
func (c *Config) Debounce() time.Duration {
	if c == nil || c.DebounceMillis <= 0 {
		return 0
	}
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

// SyncInterval returns the configured interval override, zero meaning default.
func (c *Config) SyncInterval() time.Duration {
	if c == nil || c.SyncIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// DefaultConfigPath returns the default config path:
//
//	~/.questengine/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "questengine.config.json"
	}
	return filepath.Join(home, ".questengine", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
