package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		BackendBaseURL: "https://quest.example.com",
		StateDir:       "/var/lib/questengine",
	}
}

func Test_Validate_requiresBackendURL(t *testing.T) {
	cfg := validConfig()
	cfg.BackendBaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing backend_base_url")
	}

	cfg.BackendBaseURL = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for malformed backend_base_url")
	}
}

func Test_Validate_rejectsNegativeTimers(t *testing.T) {
	cfg := validConfig()
	cfg.DebounceMillis = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative debounce_millis")
	}
}

func Test_SaveLoad_roundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := validConfig()
	cfg.LogFormat = "text"
	cfg.DebounceMillis = 500
	cfg.SyncIntervalSeconds = 15

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Fatalf("config mode = %o, want 0600", got)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.BackendBaseURL != cfg.BackendBaseURL {
		t.Fatalf("backend url = %q, want %q", got.BackendBaseURL, cfg.BackendBaseURL)
	}
	if got.Debounce() != 500*time.Millisecond {
		t.Fatalf("Debounce = %v, want 500ms", got.Debounce())
	}
	if got.SyncInterval() != 15*time.Second {
		t.Fatalf("SyncInterval = %v, want 15s", got.SyncInterval())
	}
}

func Test_Load_rejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"state_dir":"/tmp"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected invalid config error")
	}
}

func Test_paths_deriveFromStateDir(t *testing.T) {
	cfg := validConfig()
	if got := cfg.DraftDBPath(); got != filepath.Join("/var/lib/questengine", "drafts.db") {
		t.Fatalf("DraftDBPath = %q", got)
	}
	if got := cfg.LockPath(); got != filepath.Join("/var/lib/questengine", "questengine.lock") {
		t.Fatalf("LockPath = %q", got)
	}
}
