package app

import (
	"context"
	"path/filepath"
	"testing"

	"orgline/internal/config"
	"orgline/internal/lifecycle"
)

func TestResolveConfigDefaultsToWorkspaceName(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "acme")
	cfg, err := ResolveConfig(ws)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Org.ID != "acme" {
		t.Fatalf("expected org acme, got %q", cfg.Org.ID)
	}
}

func TestResolveConfigReadsFile(t *testing.T) {
	ws := t.TempDir()
	cfg := config.Default("from-file")
	cfg.Hiring.RateLimit = 2
	if err := config.Write(ws, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveConfig(ws)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Org.ID != "from-file" || got.RateLimit() != 2 {
		t.Fatalf("unexpected config: %+v", got.Hiring)
	}
}

func TestOpenWiresServices(t *testing.T) {
	ctx := context.Background()
	svc, closeFn, err := Open(ctx, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeFn()

	if _, err := svc.Orchestrator.CreateRoot(ctx, lifecycle.CreateRootRequest{AgentID: "ceo", Role: "ceo"}); err != nil {
		t.Fatalf("create root: %v", err)
	}
	if _, err := svc.Orchestrator.Hire(ctx, lifecycle.HireRequest{ManagerID: "ceo", AgentID: "cto", Role: "cto"}); err != nil {
		t.Fatalf("hire: %v", err)
	}
	msgs, err := svc.Inbox.List(ctx, "cto", true)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected welcome message: %v %v", msgs, err)
	}
	scan, err := svc.Monitor.Scan(ctx)
	if err != nil || scan.DeadlocksDetected != 0 {
		t.Fatalf("scan: %+v %v", scan, err)
	}
}
