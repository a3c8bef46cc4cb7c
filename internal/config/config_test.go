package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default invalid: %v", err)
	}
	if cfg.RateLimit() != 5 || cfg.RateWindow() != time.Hour || cfg.MaxChainDepth() != 100 || cfg.MaxTaskDepth() != 10 {
		t.Fatalf("unexpected hiring defaults: %+v", cfg.Hiring)
	}
	if !cfg.RolePermissions("ceo").CanHire {
		t.Fatalf("ceo should hire")
	}
	if cfg.RolePermissions("intern").CanHire {
		t.Fatalf("unknown role should fall back to default")
	}
}

func TestPreferencesOverride(t *testing.T) {
	raw := GenerateDefault("acme") + `
`
	raw = strings.Replace(raw, "  agents: {}", "  agents:\n    quiet:\n      deadlock_alerts: false", 1)
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Preferences("loud").DeadlockAlerts {
		t.Fatalf("default should enable alerts")
	}
	if cfg.Preferences("quiet").DeadlockAlerts {
		t.Fatalf("override should disable alerts")
	}
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := Default("acme")
	cfg.Hiring.RateWindow = "soon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected rate_window error")
	}
	cfg = Default("acme")
	cfg.Monitor.Interval = "-1s"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected interval error")
	}
	cfg = Default("")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected org id error")
	}
}

func TestWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	if cfg, err := LoadOptional(dir); err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
	cfg := Default("acme")
	cfg.Tasks.MaxDepth = 4
	if err := Write(dir, cfg); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.MaxTaskDepth() != 4 || loaded.Org.ID != "acme" {
		t.Fatalf("round trip lost fields: %+v", loaded)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("acme")), 0o644); err != nil {
		t.Fatal(err)
	}
	live := NewLive(Default("acme"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, dir, live, nil) }()

	updated := strings.Replace(GenerateDefault("acme"), "rate_limit: 5", "rate_limit: 2", 1)
	deadline := time.Now().Add(5 * time.Second)
	for live.Get().RateLimit() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("config not reloaded")
		}
		// rewrite until the watcher has registered
		if err := os.WriteFile(Path(dir), []byte(updated), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}
