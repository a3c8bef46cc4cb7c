package notify_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"orgline/internal/db"
	"orgline/internal/domain"
	"orgline/internal/migrate"
	"orgline/internal/notify"
	"orgline/internal/repo"
)

func newInbox(t *testing.T) (notify.Inbox, string) {
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
	return notify.Inbox{
		Store:     repo.Repo{DB: conn},
		Workspace: dir,
		Now:       func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}, dir
}

func TestNotifyWritesRowAndFile(t *testing.T) {
	inbox, dir := newInbox(t)
	ctx := context.Background()
	msg := notify.Deadlock("deadlock-x", []string{"a", "b"}, []string{"a"})
	if err := inbox.Notify(ctx, "dev", msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := inbox.Notify(ctx, "dev", notify.Paused("dev", 2)); err != nil {
		t.Fatalf("notify: %v", err)
	}

	msgs, err := inbox.List(ctx, "dev", false)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("list: %v %v", msgs, err)
	}
	if msgs[0].ThreadID != "deadlock-x" || msgs[0].Details["cycle"].Kind() != domain.KindList {
		t.Fatalf("unexpected stored message: %+v", msgs[0])
	}

	agentDir, err := notify.AgentDir(dir, "dev")
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(filepath.Join(agentDir, "inbox.jsonl"))
	if err != nil {
		t.Fatalf("inbox file: %v", err)
	}
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m domain.Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad line: %v", err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}

	if err := inbox.MarkRead(ctx, "dev", msgs[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	unread, _ := inbox.List(ctx, "dev", true)
	if len(unread) != 1 || unread[0].ID != msgs[1].ID {
		t.Fatalf("unexpected unread: %+v", unread)
	}
}

func TestNotifySurfacesFileErrors(t *testing.T) {
	inbox, dir := newInbox(t)
	agentsDir := filepath.Join(db.StateDir(dir), "agents")
	if err := os.MkdirAll(filepath.Dir(agentsDir), 0o755); err != nil {
		t.Fatal(err)
	}
	// a plain file where the agents directory should be
	if err := os.WriteFile(agentsDir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := inbox.Notify(context.Background(), "dev", notify.Resumed("dev", 0)); err == nil {
		t.Fatalf("expected file error to surface")
	}
}

func TestManagerFiredContentDependsOnStrategy(t *testing.T) {
	if got := notify.ManagerFired("cto", "reassign", ""); got.Details["new_manager_id"].Text() != "" {
		t.Fatalf("unexpected details: %+v", got.Details)
	}
	a := notify.ManagerFired("cto", "reassign", "ceo").Body
	b := notify.ManagerFired("cto", "cascade", "ceo").Body
	c := notify.ManagerFired("cto", "reassign", "").Body
	if a == b || a == c || b == c {
		t.Fatalf("expected distinct bodies: %q %q %q", a, b, c)
	}
}

func TestAgentDirStaysUnderWorkspace(t *testing.T) {
	ws := t.TempDir()
	dir, err := notify.AgentDir(ws, "dev")
	if err != nil || dir != filepath.Join(ws, ".orgline", "agents", "dev") {
		t.Fatalf("agent dir: %q %v", dir, err)
	}
	for _, id := range []string{"", "..", "../../../victim", "a/../../b", "/etc"} {
		if dir, err := notify.AgentDir(ws, id); err == nil {
			t.Fatalf("%q resolved to %q", id, dir)
		}
	}
}

func TestNotifyRefusesUnsafeRecipient(t *testing.T) {
	inbox, dir := newInbox(t)
	if err := inbox.Notify(context.Background(), "../../escape", notify.Paused("x", 0)); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := os.Stat(filepath.Join(dir, "escape")); !os.IsNotExist(err) {
		t.Fatalf("file written outside the agents dir: %v", err)
	}
}
