package repo_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"orgline/internal/db"
	"orgline/internal/domain"
	"orgline/internal/migrate"
	"orgline/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) (repo.Repo, string) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, dir
}

func strPtr(s string) *string { return &s }

func seedAgent(t *testing.T, r repo.Repo, id string, manager *string) {
	t.Helper()
	if err := r.InsertAgent(context.Background(), domain.Agent{ID: id, Role: "engineer", ReportingTo: manager, CreatedAt: ts}); err != nil {
		t.Fatalf("insert agent %s: %v", id, err)
	}
}

func TestStaleVersionWriteChangesNothing(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, r, "dev", nil)
	if err := r.InsertTask(ctx, domain.Task{ID: "t1", AgentID: "dev", Title: "work", CreatedAt: ts}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	first, err := r.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	second := first

	first.Status = domain.TaskInProgress
	if n, err := r.UpdateTaskIfVersion(ctx, first, first.Version); err != nil || n != 1 {
		t.Fatalf("first writer: n=%d err=%v", n, err)
	}

	since := ts
	second.Status = domain.TaskBlocked
	second.BlockedBy = []string{"OTHER"}
	second.BlockedSince = &since
	n, err := r.UpdateTaskIfVersion(ctx, second, second.Version)
	if !errors.Is(err, repo.ErrVersionConflict) || n != 0 {
		t.Fatalf("stale writer: n=%d err=%v", n, err)
	}

	got, err := r.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskInProgress || len(got.BlockedBy) != 0 || got.Version != 2 {
		t.Fatalf("first writer's result altered: %+v", got)
	}
}

func TestUpdateRejectsInconsistentBlockedState(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, r, "dev", nil)
	if err := r.InsertTask(ctx, domain.Task{ID: "t1", AgentID: "dev", Title: "work", CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	task, _ := r.GetTask(ctx, "t1")
	task.Status = domain.TaskBlocked
	if _, err := r.UpdateTaskIfVersion(ctx, task, task.Version); err == nil {
		t.Fatalf("expected blocked without blockers to fail")
	}
}

func TestReassignSubordinatesIsAllOrNothing(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, r, "ceo", nil)
	seedAgent(t, r, "cto", strPtr("ceo"))
	seedAgent(t, r, "dev", strPtr("cto"))

	if _, err := r.ReassignSubordinates(ctx, []string{"dev", "ghost"}, strPtr("ceo"), ts); err == nil {
		t.Fatalf("expected missing agent to fail")
	}
	dev, _ := r.GetAgent(ctx, "dev")
	if dev.ManagerID() != "cto" {
		t.Fatalf("partial reassignment leaked: %s", dev.ManagerID())
	}

	n, err := r.ReassignSubordinates(ctx, []string{"dev"}, nil, ts)
	if err != nil || n != 1 {
		t.Fatalf("reassign: n=%d err=%v", n, err)
	}
	dev, _ = r.GetAgent(ctx, "dev")
	if dev.ReportingTo != nil {
		t.Fatalf("expected root, got %s", dev.ManagerID())
	}
}

func TestSubordinatesExcludeFired(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, r, "ceo", nil)
	seedAgent(t, r, "a", strPtr("ceo"))
	seedAgent(t, r, "b", strPtr("ceo"))
	if err := r.SetAgentStatus(ctx, "b", domain.AgentFired, ts); err != nil {
		t.Fatal(err)
	}
	n, err := r.CountSubordinates(ctx, "ceo")
	if err != nil || n != 1 {
		t.Fatalf("count: n=%d err=%v", n, err)
	}
	b, _ := r.GetAgent(ctx, "b")
	if b.FiredAt == nil || *b.FiredAt != ts {
		t.Fatalf("fired_at not stamped: %+v", b)
	}
	if err := r.SetAgentStatus(ctx, "ghost", domain.AgentPaused, ts); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuditWindowCount(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	rows := []struct {
		ts      string
		action  string
		success int
	}{
		{"2024-01-01T09:00:00Z", domain.ActionHire, 1},
		{"2024-01-01T10:30:00Z", domain.ActionHire, 1},
		{"2024-01-01T10:45:00Z", domain.ActionHire, 0},
		{"2024-01-01T10:50:00Z", domain.ActionFire, 1},
	}
	for _, row := range rows {
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO audit_log(ts,action,actor_id,target_id,success,details_json) VALUES (?,?,?,?,?,'{}')`,
			row.ts, row.action, "ceo", "x", row.success); err != nil {
			t.Fatal(err)
		}
	}
	n, err := r.CountAudit(ctx, repo.AuditFilter{ActorID: "ceo", Action: domain.ActionHire, Since: "2024-01-01T10:00:00Z", SuccessOnly: true})
	if err != nil || n != 1 {
		t.Fatalf("count: n=%d err=%v", n, err)
	}
	tail, err := r.TailAudit(ctx, 2)
	if err != nil || len(tail) != 2 || tail[1].Action != domain.ActionFire {
		t.Fatalf("tail: %+v err=%v", tail, err)
	}
}

func TestDependentsAndRegistry(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, r, "ceo", nil)
	seedAgent(t, r, "dev", strPtr("ceo"))
	since := ts
	if err := r.InsertTask(ctx, domain.Task{ID: "a", AgentID: "dev", Title: "a", CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	if err := r.InsertTask(ctx, domain.Task{ID: "b", AgentID: "dev", Title: "b", Status: domain.TaskBlocked, BlockedBy: []string{"a"}, BlockedSince: &since, CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	deps, err := r.ListDependents(ctx, "a")
	if err != nil || len(deps) != 1 || deps[0].ID != "b" {
		t.Fatalf("dependents: %+v err=%v", deps, err)
	}

	entry, err := r.RefreshRegistry(ctx, "ceo", ts)
	if err != nil || len(entry.Subordinates) != 1 {
		t.Fatalf("registry: %+v err=%v", entry, err)
	}
	got, err := r.GetRegistry(ctx, "ceo")
	if err != nil || got.Subordinates[0] != "dev" {
		t.Fatalf("get registry: %+v err=%v", got, err)
	}
}

func TestRequeueHeldAndSnapshot(t *testing.T) {
	r, dir := newTestRepo(t)
	ctx := context.Background()
	seedAgent(t, r, "dev", nil)
	for _, e := range []domain.Execution{
		{ID: "e1", AgentID: "dev", Status: "held", CreatedAt: ts},
		{ID: "e2", AgentID: "dev", Status: "done", CreatedAt: ts},
	} {
		if err := r.InsertExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	n, err := r.RequeueHeld(ctx, "dev", ts)
	if err != nil || n != 1 {
		t.Fatalf("requeue: n=%d err=%v", n, err)
	}

	dest := filepath.Join(dir, "snap", "copy.db")
	if err := r.Snapshot(ctx, dest); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if err := r.Snapshot(ctx, dest); err == nil {
		t.Fatalf("expected existing snapshot to be refused")
	}
}
