package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"orgline/internal/db"
	"orgline/internal/notify"
)

type Result struct {
	Moved bool   `json:"moved"`
	Path  string `json:"path,omitempty"`
	Files int    `json:"files"`
}

// Archiver moves an agent's workspace directory into a tar.zst backup.
type Archiver struct {
	Workspace string
	Now       func() time.Time
}

func BackupDir(workspace string) string {
	return filepath.Join(db.StateDir(workspace), "backups")
}

// Archive packs the agent directory and removes it. A missing directory is not an
// error: the result reports Moved=false.
func (a Archiver) Archive(ctx context.Context, agentID string) (Result, error) {
	src, err := notify.AgentDir(a.Workspace, agentID)
	if err != nil {
		return Result{}, fmt.Errorf("archive %s: %w", agentID, err)
	}
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("archive %s: %s is not a directory", agentID, src)
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	if err := os.MkdirAll(BackupDir(a.Workspace), 0o755); err != nil {
		return Result{}, err
	}
	dest := filepath.Join(BackupDir(a.Workspace), fmt.Sprintf("%s-%s.tar.zst", agentID, now().UTC().Format("20060102T150405Z")))
	if filepath.Dir(dest) != BackupDir(a.Workspace) {
		return Result{}, fmt.Errorf("archive %s: backup path %s escapes %s", agentID, dest, BackupDir(a.Workspace))
	}
	files, err := writeArchive(ctx, src, dest)
	if err != nil {
		_ = os.Remove(dest)
		return Result{}, fmt.Errorf("archive %s: %w", agentID, err)
	}
	if err := os.RemoveAll(src); err != nil {
		return Result{Moved: true, Path: dest, Files: files}, fmt.Errorf("archive %s: remove source: %w", agentID, err)
	}
	return Result{Moved: true, Path: dest, Files: files}, nil
}

func writeArchive(ctx context.Context, src, dest string) (int, error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(zw)
	files := 0
	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, in)
		in.Close()
		if err != nil {
			return err
		}
		files++
		return nil
	})
	if walkErr != nil {
		zw.Close()
		return 0, walkErr
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return files, f.Sync()
}

// Restore unpacks a backup produced by Archive into dest.
func Restore(path, dest string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}
	tr := tar.NewReader(zr)
	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, err
		}
		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return files, fmt.Errorf("restore: entry %q escapes %s", hdr.Name, dest)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return files, err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return files, err
			}
			if err := out.Close(); err != nil {
				return files, err
			}
			files++
		}
	}
}
