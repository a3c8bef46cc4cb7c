package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Snapshot writes a consistent copy of the database to dest with VACUUM INTO.
// dest must not exist yet.
func (r Repo) Snapshot(ctx context.Context, dest string) error {
	if strings.TrimSpace(dest) == "" {
		return fmt.Errorf("snapshot destination required")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot %s already exists", dest)
	}
	quoted := strings.ReplaceAll(dest, "'", "''")
	if _, err := r.DB.ExecContext(ctx, `VACUUM INTO '`+quoted+`'`); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}
