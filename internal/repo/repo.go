package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"orgline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means a conditional task update matched no row at the expected version.
	ErrVersionConflict = errors.New("version conflict")
)

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const agentColumns = `id,role,COALESCE(display_name,''),reporting_to,status,can_hire,max_subordinates,hiring_budget,created_at,updated_at,fired_at`

func scanAgent(s rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var reportingTo, firedAt sql.NullString
	err := s.Scan(&a.ID, &a.Role, &a.DisplayName, &reportingTo, &a.Status,
		&a.Permissions.CanHire, &a.Permissions.MaxSubordinates, &a.Permissions.HiringBudget,
		&a.CreatedAt, &a.UpdatedAt, &firedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if reportingTo.Valid {
		v := reportingTo.String
		a.ReportingTo = &v
	}
	if firedAt.Valid {
		v := firedAt.String
		a.FiredAt = &v
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	return r.InsertAgentTx(ctx, nil, a)
}

func (r Repo) InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("agent id required")
	}
	if a.Status == "" {
		a.Status = domain.AgentActive
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if a.UpdatedAt == "" {
		a.UpdatedAt = a.CreatedAt
	}
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO agents(id,role,display_name,reporting_to,status,can_hire,max_subordinates,hiring_budget,created_at,updated_at,fired_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Role, nullable(a.DisplayName), nullableStringPtr(a.ReportingTo), a.Status,
		a.Permissions.CanHire, a.Permissions.MaxSubordinates, a.Permissions.HiringBudget,
		a.CreatedAt, a.UpdatedAt, nullableStringPtr(a.FiredAt))
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) AgentExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAgents returns agents ordered by creation; an empty status lists all of them.
func (r Repo) ListAgents(ctx context.Context, status domain.AgentStatus) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	return r.queryAgents(ctx, query, args...)
}

// ListSubordinates returns the non-fired direct reports of managerID.
func (r Repo) ListSubordinates(ctx context.Context, managerID string) ([]domain.Agent, error) {
	return r.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE reporting_to=? AND status<>'fired' ORDER BY created_at, id`, managerID)
}

func (r Repo) CountSubordinates(ctx context.Context, managerID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents WHERE reporting_to=? AND status<>'fired'`, managerID).Scan(&n)
	return n, err
}

func (r Repo) queryAgents(ctx context.Context, query string, args ...any) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetAgentStatus persists a status transition. Moving to fired stamps fired_at.
func (r Repo) SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus, now string) error {
	return r.SetAgentStatusTx(ctx, nil, id, status, now)
}

func (r Repo) SetAgentStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.AgentStatus, now string) error {
	var firedAt any
	if status == domain.AgentFired {
		firedAt = now
	}
	res, err := r.execer(tx).ExecContext(ctx, `UPDATE agents SET status=?, updated_at=?, fired_at=COALESCE(?, fired_at) WHERE id=?`,
		status, now, firedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateAgentPermissions(ctx context.Context, id string, perms domain.Permissions, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET can_hire=?, max_subordinates=?, hiring_budget=?, updated_at=? WHERE id=?`,
		perms.CanHire, perms.MaxSubordinates, perms.HiringBudget, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReassignSubordinates points every agent in ids at newManager (nil makes them roots)
// inside one transaction. Either all rows move or none do.
func (r Repo) ReassignSubordinates(ctx context.Context, ids []string, newManager *string, now string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := r.ReassignSubordinatesTx(ctx, tx, ids, newManager, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (r Repo) ReassignSubordinatesTx(ctx context.Context, tx *sql.Tx, ids []string, newManager *string, now string) (int, error) {
	moved := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE agents SET reporting_to=?, updated_at=? WHERE id=?`, nullableStringPtr(newManager), now, id)
		if err != nil {
			return 0, fmt.Errorf("reassign %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, fmt.Errorf("reassign %s: %w", id, ErrNotFound)
		}
		moved++
	}
	return moved, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
