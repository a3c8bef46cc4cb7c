package blocking_test

import (
	"context"
	"testing"
	"time"

	"orgline/internal/blocking"
	"orgline/internal/db"
	"orgline/internal/domain"
	"orgline/internal/migrate"
	"orgline/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

type testEnv struct {
	Repo   repo.Repo
	Engine blocking.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.InsertAgent(ctx, domain.Agent{ID: "dev", Role: "engineer", CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	return testEnv{
		Repo:   r,
		Engine: blocking.Engine{Store: r, Now: func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }},
		Ctx:    ctx,
	}
}

func (env testEnv) task(t *testing.T, id string, blockers ...string) {
	t.Helper()
	task := domain.Task{ID: id, AgentID: "dev", Title: id, CreatedAt: ts}
	if len(blockers) > 0 {
		since := ts
		task.Status = domain.TaskBlocked
		task.BlockedBy = blockers
		task.BlockedSince = &since
	}
	if err := env.Repo.InsertTask(env.Ctx, task); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func (env testEnv) get(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Repo.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestPauseResumeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "a")
	env.task(t, "b")

	res, err := env.Engine.Block(env.Ctx, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalTasks != 2 || res.BlockedCount != 2 || len(res.Errors) != 0 {
		t.Fatalf("unexpected block result: %+v", res)
	}
	for _, id := range []string{"a", "b"} {
		task := env.get(t, id)
		if task.Status != domain.TaskBlocked || len(task.BlockedBy) != 1 || task.BlockedBy[0] != blocking.PauseToken || task.BlockedSince == nil {
			t.Fatalf("task %s not paused: %+v", id, task)
		}
	}

	again, err := env.Engine.Block(env.Ctx, "dev")
	if err != nil || again.AlreadyBlocked != 2 || again.BlockedCount != 0 {
		t.Fatalf("second block not idempotent: %+v err=%v", again, err)
	}

	un, err := env.Engine.Unblock(env.Ctx, "dev")
	if err != nil || un.UnblockedCount != 2 {
		t.Fatalf("unexpected unblock result: %+v err=%v", un, err)
	}
	for _, id := range []string{"a", "b"} {
		task := env.get(t, id)
		if task.Status != domain.TaskPending || task.BlockedSince != nil || len(task.BlockedBy) != 0 {
			t.Fatalf("task %s not resumed: %+v", id, task)
		}
	}
}

func TestResumeKeepsOtherBlockers(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "a", "OTHER", blocking.PauseToken)
	env.task(t, "b", "OTHER")

	before := env.get(t, "a")
	res, err := env.Engine.Unblock(env.Ctx, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalTasks != 2 || res.UnblockedCount != 0 || res.StillBlocked != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	a := env.get(t, "a")
	if a.Status != domain.TaskBlocked || len(a.BlockedBy) != 1 || a.BlockedBy[0] != "OTHER" {
		t.Fatalf("expected [OTHER], got %+v", a)
	}
	if a.BlockedSince == nil || *a.BlockedSince != *before.BlockedSince {
		t.Fatalf("blocked_since should be preserved: %+v", a)
	}
	if b := env.get(t, "b"); b.Version != 1 {
		t.Fatalf("untouched task was written: %+v", b)
	}
}

func TestBlockKeepsExistingBlockedSince(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "a", "OTHER")
	if _, err := env.Engine.Block(env.Ctx, "dev"); err != nil {
		t.Fatal(err)
	}
	a := env.get(t, "a")
	if *a.BlockedSince != ts || len(a.BlockedBy) != 2 {
		t.Fatalf("unexpected task: %+v", a)
	}
}

// staleStore bumps the version of one task between the read and the write.
type staleStore struct {
	repo.Repo
	victim string
}

func (s staleStore) UpdateTaskIfVersion(ctx context.Context, t domain.Task, expected int) (int64, error) {
	if t.ID == s.victim {
		cur, err := s.Repo.GetTask(ctx, t.ID)
		if err != nil {
			return 0, err
		}
		cur.Title = "touched elsewhere"
		if _, err := s.Repo.UpdateTaskIfVersion(ctx, cur, cur.Version); err != nil {
			return 0, err
		}
	}
	return s.Repo.UpdateTaskIfVersion(ctx, t, expected)
}

func TestConflictIsPerTask(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "a")
	env.task(t, "b")
	env.Engine.Store = staleStore{Repo: env.Repo, victim: "a"}

	res, err := env.Engine.Block(env.Ctx, "dev")
	if err != nil {
		t.Fatalf("conflict must not fail the batch: %v", err)
	}
	if res.BlockedCount != 1 || len(res.Errors) != 1 || res.Errors[0].ID != "a" {
		t.Fatalf("unexpected result: %+v", res)
	}
	a := env.get(t, "a")
	if a.Status != domain.TaskPending || a.Title != "touched elsewhere" {
		t.Fatalf("concurrent writer's result altered: %+v", a)
	}
	if b := env.get(t, "b"); b.Status != domain.TaskBlocked {
		t.Fatalf("b should still be blocked: %+v", b)
	}
}
