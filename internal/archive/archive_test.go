package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"orgline/internal/notify"
)

func TestArchiveMovesAndRestores(t *testing.T) {
	ws := t.TempDir()
	src, err := notify.AgentDir(ws, "cto")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "inbox.jsonl"), []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "notes", "plan.md"), []byte("ship it"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := Archiver{Workspace: ws, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	res, err := a.Archive(context.Background(), "cto")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !res.Moved || res.Files != 2 || filepath.Base(res.Path) != "cto-20240101T000000Z.tar.zst" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source should be removed, stat err=%v", err)
	}

	dest := t.TempDir()
	n, err := Restore(res.Path, dest)
	if err != nil || n != 2 {
		t.Fatalf("restore: n=%d err=%v", n, err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "notes", "plan.md"))
	if err != nil || string(got) != "ship it" {
		t.Fatalf("restored content: %q %v", got, err)
	}
}

func TestArchiveMissingDirIsNoop(t *testing.T) {
	a := Archiver{Workspace: t.TempDir()}
	res, err := a.Archive(context.Background(), "ghost")
	if err != nil || res.Moved {
		t.Fatalf("expected no-op, got %+v %v", res, err)
	}
}

func TestArchiveRefusesPathsOutsideAgentsDir(t *testing.T) {
	parent := t.TempDir()
	ws := filepath.Join(parent, "ws")
	victim := filepath.Join(parent, "victim")
	if err := os.MkdirAll(victim, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(victim, "data.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := Archiver{Workspace: ws}
	for _, id := range []string{"../../../victim", "..", "x/../../.."} {
		if res, err := a.Archive(context.Background(), id); err == nil || res.Moved {
			t.Fatalf("%q: expected refusal, got %+v %v", id, res, err)
		}
	}
	if _, err := os.Stat(filepath.Join(victim, "data.txt")); err != nil {
		t.Fatalf("victim dir was touched: %v", err)
	}
}
