package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"orgline/internal/domain"
)

// Execer is satisfied by *sql.DB and *sql.Tx so entries can join the caller's transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Entry struct {
	Action   string
	ActorID  string
	TargetID string
	Success  bool
	Details  domain.Details
}

// Append writes e through exec, or through the writer's DB when exec is nil.
func (w Writer) Append(ctx context.Context, exec Execer, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if exec == nil {
		exec = w.DB
	}
	if e.Action == "" {
		return fmt.Errorf("audit action required")
	}
	details, err := domain.MarshalDetails(e.Details)
	if err != nil {
		return err
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err = exec.ExecContext(ctx, `INSERT INTO audit_log(ts,action,actor_id,target_id,success,details_json) VALUES (?,?,?,?,?,?)`,
		ts, e.Action, e.ActorID, nullable(e.TargetID), e.Success, details)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
