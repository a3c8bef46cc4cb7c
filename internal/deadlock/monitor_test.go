package deadlock_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"orgline/internal/audit"
	"orgline/internal/config"
	"orgline/internal/db"
	"orgline/internal/deadlock"
	"orgline/internal/domain"
	"orgline/internal/migrate"
	"orgline/internal/notify"
	"orgline/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

type sent struct {
	agentID string
	msg     notify.Message
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]bool
}

func (f *fakeNotifier) Notify(_ context.Context, agentID string, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[agentID] {
		return errors.New("inbox unavailable")
	}
	f.sent = append(f.sent, sent{agentID: agentID, msg: msg})
	return nil
}

func (f *fakeNotifier) count(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.agentID == agentID {
			n++
		}
	}
	return n
}

type testEnv struct {
	Repo     repo.Repo
	Monitor  deadlock.Monitor
	Notifier *fakeNotifier
	Config   *config.Config
	Ctx      context.Context
}

func newTestEnv(t *testing.T, agents ...string) testEnv {
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
	for _, id := range agents {
		if err := r.InsertAgent(ctx, domain.Agent{ID: id, Role: "engineer", CreatedAt: ts}); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Default("acme")
	n := &fakeNotifier{fail: map[string]bool{}}
	return testEnv{
		Repo: r,
		Monitor: deadlock.Monitor{
			Store:    r,
			Detector: deadlock.StoreDetector{Store: r},
			Notifier: n,
			Prefs:    cfg,
			Audit:    audit.Writer{DB: conn},
		},
		Notifier: n,
		Config:   cfg,
		Ctx:      ctx,
	}
}

func (env testEnv) blocked(t *testing.T, id, agentID string, blockers ...string) {
	t.Helper()
	since := ts
	task := domain.Task{ID: id, AgentID: agentID, Title: id, Status: domain.TaskBlocked, BlockedBy: blockers, BlockedSince: &since, CreatedAt: ts}
	if err := env.Repo.InsertTask(env.Ctx, task); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func (env testEnv) scan(t *testing.T) deadlock.ScanResult {
	t.Helper()
	res, err := env.Monitor.Scan(env.Ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return res
}

func TestTwoTaskCycleIndependentOfScanOrder(t *testing.T) {
	for _, order := range [][2]string{{"A", "B"}, {"B", "A"}} {
		env := newTestEnv(t, "x", "y")
		owner := map[string]string{"A": "x", "B": "y"}
		other := map[string]string{"A": "B", "B": "A"}
		for _, id := range order {
			env.blocked(t, id, owner[id], other[id])
		}
		res := env.scan(t)
		if res.DeadlocksDetected != 1 || len(res.Cycles) != 1 {
			t.Fatalf("order %v: expected one cycle, got %+v", order, res)
		}
		if res.NotificationsSent != 2 || env.Notifier.count("x") != 1 || env.Notifier.count("y") != 1 {
			t.Fatalf("order %v: expected one alert per agent, got %+v", order, env.Notifier.sent)
		}
		if strings.Join(res.Cycles[0], ",") != "A,B" || strings.Join(res.DeadlockedTaskIDs, ",") != "A,B" {
			t.Fatalf("order %v: unexpected cycle %+v", order, res)
		}
	}
}

func TestLongerCyclesAndSharedOwner(t *testing.T) {
	env := newTestEnv(t, "x", "y", "z")
	// three-task cycle, x owns two of its tasks
	env.blocked(t, "t1", "x", "t2")
	env.blocked(t, "t2", "y", "t3")
	env.blocked(t, "t3", "x", "t1")
	// four-task cycle
	env.blocked(t, "u1", "z", "u2")
	env.blocked(t, "u2", "z", "u3")
	env.blocked(t, "u3", "y", "u4")
	env.blocked(t, "u4", "y", "u1")
	// waits on a cycle without being part of it
	env.blocked(t, "w", "z", "t1")

	res := env.scan(t)
	if res.DeadlocksDetected != 2 {
		t.Fatalf("expected 2 cycles, got %+v", res)
	}
	if env.Notifier.count("x") != 1 || env.Notifier.count("y") != 2 || env.Notifier.count("z") != 1 {
		t.Fatalf("unexpected alerts: %+v", env.Notifier.sent)
	}
	for _, id := range res.DeadlockedTaskIDs {
		if id == "w" {
			t.Fatalf("w is not in a cycle")
		}
	}
	threads := map[string]bool{}
	for _, s := range env.Notifier.sent {
		if s.agentID == "x" && len(s.msg.Details["owned_tasks"].List()) != 2 {
			t.Fatalf("x should get one combined alert for two tasks: %+v", s.msg.Details)
		}
		threads[s.msg.ThreadID] = true
	}
	if len(threads) != 2 {
		t.Fatalf("expected one thread per cycle, got %v", threads)
	}
}

func TestThreadIDIsDeterministic(t *testing.T) {
	a := deadlock.ThreadID([]string{"b", "a", "c"})
	b := deadlock.ThreadID([]string{"c", "b", "a"})
	if a != b || !strings.HasPrefix(a, "deadlock-") {
		t.Fatalf("thread ids differ: %s %s", a, b)
	}
	if deadlock.CanonicalKey([]string{"b", "a"}) != "a,b" {
		t.Fatalf("unexpected key")
	}
}

func TestPreferencesAndForce(t *testing.T) {
	env := newTestEnv(t, "x", "y")
	off := false
	env.Config.Communication.Agents = map[string]config.PreferenceOverride{"y": {DeadlockAlerts: &off}}
	env.blocked(t, "A", "x", "B")
	env.blocked(t, "B", "y", "A")

	res := env.scan(t)
	if res.NotificationsSent != 1 || res.NotificationsSkipped != 1 || env.Notifier.count("y") != 0 {
		t.Fatalf("expected y skipped: %+v", res)
	}

	env.Monitor.Force = true
	res = env.scan(t)
	if res.NotificationsSent != 2 || env.Notifier.count("y") != 1 {
		t.Fatalf("force should notify y: %+v", res)
	}
}

func TestNotifyFailureIsAuditedAndIsolated(t *testing.T) {
	env := newTestEnv(t, "x", "y")
	env.Notifier.fail["x"] = true
	env.blocked(t, "A", "x", "B")
	env.blocked(t, "B", "y", "A")

	res := env.scan(t)
	if res.NotificationsSent != 1 || len(res.Errors) != 1 || res.Errors[0].ID != "x" {
		t.Fatalf("unexpected result: %+v", res)
	}
	entries, err := env.Repo.ListAudit(env.Ctx, repo.AuditFilter{Action: domain.ActionDeadlockNotify})
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected two audit entries: %+v %v", entries, err)
	}
	for _, e := range entries {
		if e.Success != (e.TargetID == "y") {
			t.Fatalf("unexpected audit success flag: %+v", e)
		}
		if len(e.Details["cycle"].List()) != 2 {
			t.Fatalf("audit should carry cycle membership: %+v", e.Details)
		}
	}
}

type flakyDetector struct {
	deadlock.StoreDetector
	bad string
}

func (f flakyDetector) DetectCycle(ctx context.Context, taskID string) ([]string, error) {
	if taskID == f.bad {
		return nil, errors.New("detector failed")
	}
	return f.StoreDetector.DetectCycle(ctx, taskID)
}

func TestDetectorFailureDoesNotStopScan(t *testing.T) {
	env := newTestEnv(t, "x")
	env.blocked(t, "A", "x", "B")
	env.blocked(t, "B", "x", "A")
	env.blocked(t, "C", "x", "D")
	env.blocked(t, "D", "x", "C")
	env.Monitor.Detector = flakyDetector{StoreDetector: deadlock.StoreDetector{Store: env.Repo}, bad: "A"}

	res := env.scan(t)
	if res.DeadlocksDetected != 2 || len(res.Errors) != 1 {
		t.Fatalf("expected both cycles despite one failure: %+v", res)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, "x")
	ctx, cancel := context.WithCancel(env.Ctx)
	scans := make(chan deadlock.ScanResult, 10)
	done := make(chan error, 1)
	go func() {
		done <- env.Monitor.Run(ctx, 10*time.Millisecond, func(r deadlock.ScanResult) {
			select {
			case scans <- r:
			default:
			}
		})
	}()
	select {
	case <-scans:
	case <-time.After(2 * time.Second):
		t.Fatalf("no scan ran")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}
