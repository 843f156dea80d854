package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagesync.yaml")
	body := "relay_url: ws://relay.test/v1/rooms\nproject_id: proj-1\nselection_sync: true\ndebounce_delay: 250ms\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RelayURL != "ws://relay.test/v1/rooms" || cfg.ProjectID != "proj-1" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.SelectionSync {
		t.Fatalf("expected selection sync enabled")
	}
	if cfg.DebounceDelay != 250*time.Millisecond {
		t.Fatalf("expected 250ms debounce, got %s", cfg.DebounceDelay)
	}
	if cfg.StorePath != DefaultStorePath || cfg.ReconnectInterval != DefaultReconnectInterval {
		t.Fatalf("expected defaults to survive, got %+v", cfg)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagesync.yaml")
	if err := os.WriteFile(path, []byte("project_id: from-file\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PAGESYNC_PROJECT_ID", "from-env")
	t.Setenv("PAGESYNC_MAX_TOMBSTONES", "12")
	t.Setenv("PAGESYNC_SAVE_TIMEOUT", "3s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ProjectID != "from-env" {
		t.Fatalf("expected env project id, got %q", cfg.ProjectID)
	}
	if cfg.MaxTombstones != 12 {
		t.Fatalf("expected 12 tombstones, got %d", cfg.MaxTombstones)
	}
	if cfg.SaveTimeout != 3*time.Second {
		t.Fatalf("expected 3s save timeout, got %s", cfg.SaveTimeout)
	}
}

func TestApplyEnvReportsMalformedValues(t *testing.T) {
	env := map[string]string{
		"PAGESYNC_DEBOUNCE_DELAY": "soon",
		"PAGESYNC_SELECTION_SYNC": "maybe",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if cfg.DebounceDelay != DefaultDebounceDelay {
		t.Fatalf("malformed duration should keep default, got %s", cfg.DebounceDelay)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateRequiresProject(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg.ProjectID = "proj-1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestMarshalRoundTripsThroughParse(t *testing.T) {
	cfg := Default()
	cfg.ProjectID = "proj-1"
	cfg.DebounceDelay = 2 * time.Second
	data, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var got Client
	if err := Parse(data, &got); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got != cfg {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
	}
}
