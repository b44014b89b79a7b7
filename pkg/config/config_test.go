package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8391" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.IdleTTL.Std() != time.Hour {
		t.Errorf("IdleTTL = %v, want 1h", cfg.IdleTTL.Std())
	}
	if cfg.SweepInterval.Std() != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m", cfg.SweepInterval.Std())
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
addr: ":9000"
db_path: /var/lib/threadkit/threads.db
auth_token: filetoken
idle_ttl: 30m
sweep_interval: 10s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.DBPath != "/var/lib/threadkit/threads.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.AuthToken != "filetoken" {
		t.Errorf("AuthToken = %q", cfg.AuthToken)
	}
	if cfg.IdleTTL.Std() != 30*time.Minute {
		t.Errorf("IdleTTL = %v", cfg.IdleTTL.Std())
	}
	if cfg.SweepInterval.Std() != 10*time.Second {
		t.Errorf("SweepInterval = %v", cfg.SweepInterval.Std())
	}
	// Unset fields keep their defaults.
	if cfg.AuthTimeout.Std() != 10*time.Second {
		t.Errorf("AuthTimeout = %v, want default", cfg.AuthTimeout.Std())
	}
}

func TestEnvOverridesToken(t *testing.T) {
	t.Setenv("THREADKIT_AUTH_TOKEN", "envtoken")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "envtoken" {
		t.Errorf("AuthToken = %q, want envtoken", cfg.AuthToken)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("idle_ttl: soon\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a malformed duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load accepted a missing file")
	}
}
