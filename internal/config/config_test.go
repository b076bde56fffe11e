package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesSpecMandatedValues(t *testing.T) {
	cfg := Default()
	if cfg.Mux.HeartbeatInterval != 5*time.Second {
		t.Fatalf("got HeartbeatInterval=%v, want 5s", cfg.Mux.HeartbeatInterval)
	}
	if cfg.Mux.HeartbeatTimeout != 10*time.Second {
		t.Fatalf("got HeartbeatTimeout=%v, want 10s", cfg.Mux.HeartbeatTimeout)
	}
	if cfg.Mux.WindowSize != 64 {
		t.Fatalf("got WindowSize=%d, want 64", cfg.Mux.WindowSize)
	}
	if cfg.Mux.PreHandshakeWindow != 8 {
		t.Fatalf("got PreHandshakeWindow=%d, want 8", cfg.Mux.PreHandshakeWindow)
	}
	if cfg.Resolver.MaxBacktrackStates != 0 {
		t.Fatalf("got MaxBacktrackStates=%d, want 0 (unbounded)", cfg.Resolver.MaxBacktrackStates)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("got %+v, want Default()", cfg)
	}
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"mux":{"window_size":16}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mux.WindowSize != 16 {
		t.Fatalf("got WindowSize=%d, want 16 (from file)", cfg.Mux.WindowSize)
	}
	if cfg.Mux.HeartbeatInterval != 5*time.Second {
		t.Fatalf("got HeartbeatInterval=%v, want untouched default 5s", cfg.Mux.HeartbeatInterval)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error loading malformed JSON")
	}
}

func TestWatchFileReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"mux":{"window_size":32}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	changed := make(chan Config, 1)
	w, err := WatchFile(path, func(c Config) { changed <- c })
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer w.Close()

	if w.Current().Mux.WindowSize != 32 {
		t.Fatalf("got initial WindowSize=%d, want 32", w.Current().Mux.WindowSize)
	}

	if err := os.WriteFile(path, []byte(`{"mux":{"window_size":48}}`), 0o644); err != nil {
		t.Fatalf("WriteFile (update): %v", err)
	}

	select {
	case c := <-changed:
		if c.Mux.WindowSize != 48 {
			t.Fatalf("got reloaded WindowSize=%d, want 48", c.Mux.WindowSize)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("onChange never fired after the config file was rewritten")
	}

	if w.Current().Mux.WindowSize != 48 {
		t.Fatalf("got Current().Mux.WindowSize=%d, want 48", w.Current().Mux.WindowSize)
	}
}
