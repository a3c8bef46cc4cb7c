package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"orgline/internal/domain"
)

const taskColumns = `id,agent_id,parent_task_id,title,status,blocked_by_json,blocked_since,version,created_at,updated_at,completed_at`

type TaskFilter struct {
	AgentID  string
	Statuses []domain.TaskStatus
	Limit    int
}

func scanTask(s rowScanner) (domain.Task, error) {
	var t domain.Task
	var parent, blockedSince, completedAt sql.NullString
	var blockedJSON string
	err := s.Scan(&t.ID, &t.AgentID, &parent, &t.Title, &t.Status, &blockedJSON, &blockedSince, &t.Version, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if parent.Valid {
		v := parent.String
		t.ParentTaskID = &v
	}
	if blockedSince.Valid {
		v := blockedSince.String
		t.BlockedSince = &v
	}
	if completedAt.Valid {
		v := completedAt.String
		t.CompletedAt = &v
	}
	if blockedJSON != "" {
		if err := json.Unmarshal([]byte(blockedJSON), &t.BlockedBy); err != nil {
			return t, fmt.Errorf("task %s blocked_by: %w", t.ID, err)
		}
	}
	if len(t.BlockedBy) == 0 {
		t.BlockedBy = nil
	}
	return t, nil
}

func marshalBlockers(tokens []string) (string, error) {
	if len(tokens) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tokens)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// checkBlocked enforces status=blocked iff the blocker set is non-empty.
func checkBlocked(t domain.Task) error {
	blocked := t.Status == domain.TaskBlocked
	if blocked != (len(t.BlockedBy) > 0) {
		return fmt.Errorf("task %s: status %s inconsistent with %d blockers", t.ID, t.Status, len(t.BlockedBy))
	}
	if blocked && t.BlockedSince == nil {
		return fmt.Errorf("task %s: blocked without blocked_since", t.ID)
	}
	return nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	return r.InsertTaskTx(ctx, nil, t)
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id required")
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if err := checkBlocked(t); err != nil {
		return err
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.CreatedAt == "" {
		t.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if t.UpdatedAt == "" {
		t.UpdatedAt = t.CreatedAt
	}
	blocked, err := marshalBlockers(t.BlockedBy)
	if err != nil {
		return err
	}
	_, err = r.execer(tx).ExecContext(ctx, `INSERT INTO tasks(id,agent_id,parent_task_id,title,status,blocked_by_json,blocked_since,version,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AgentID, nullableStringPtr(t.ParentTaskID), t.Title, t.Status, blocked, nullableStringPtr(t.BlockedSince),
		t.Version, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, query, args...)
}

// ListActiveTasks returns the pending, in-progress and blocked tasks owned by agentID.
func (r Repo) ListActiveTasks(ctx context.Context, agentID string) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilter{
		AgentID:  agentID,
		Statuses: []domain.TaskStatus{domain.TaskPending, domain.TaskInProgress, domain.TaskBlocked},
	})
}

// ListBlockedTasks returns blocked tasks; an empty agentID lists them across all agents.
func (r Repo) ListBlockedTasks(ctx context.Context, agentID string) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilter{AgentID: agentID, Statuses: []domain.TaskStatus{domain.TaskBlocked}})
}

// ListDependents returns blocked tasks whose blocker set contains token.
func (r Repo) ListDependents(ctx context.Context, token string) ([]domain.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE status='blocked' AND EXISTS (SELECT 1 FROM json_each(tasks.blocked_by_json) WHERE json_each.value=?)
ORDER BY created_at, id`, token)
}

func (r Repo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTaskIfVersion writes the mutable fields of t only if the stored row is still
// at version expected, bumping the version by one. A stale expected version changes
// nothing and returns 0, ErrVersionConflict.
func (r Repo) UpdateTaskIfVersion(ctx context.Context, t domain.Task, expected int) (int64, error) {
	return r.UpdateTaskIfVersionTx(ctx, nil, t, expected)
}

func (r Repo) UpdateTaskIfVersionTx(ctx context.Context, tx *sql.Tx, t domain.Task, expected int) (int64, error) {
	if err := checkBlocked(t); err != nil {
		return 0, err
	}
	blocked, err := marshalBlockers(t.BlockedBy)
	if err != nil {
		return 0, err
	}
	if t.UpdatedAt == "" {
		t.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := r.execer(tx).ExecContext(ctx, `UPDATE tasks SET agent_id=?, title=?, status=?, blocked_by_json=?, blocked_since=?, completed_at=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		t.AgentID, t.Title, t.Status, blocked, nullableStringPtr(t.BlockedSince), nullableStringPtr(t.CompletedAt), t.UpdatedAt,
		t.ID, expected)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrVersionConflict
	}
	return n, nil
}

// TaskDepth counts the ancestors of id through parent_task_id, stopping at limit.
func (r Repo) TaskDepth(ctx context.Context, id string, limit int) (int, error) {
	depth := 0
	seen := map[string]bool{}
	cur := id
	for cur != "" {
		if seen[cur] || depth > limit {
			return depth, nil
		}
		seen[cur] = true
		var parent sql.NullString
		err := r.DB.QueryRowContext(ctx, `SELECT parent_task_id FROM tasks WHERE id=?`, cur).Scan(&parent)
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		depth++
		cur = parent.String
	}
	return depth, nil
}
