package repo

import (
	"context"
	"strings"

	"orgline/internal/domain"
)

type AuditFilter struct {
	ActorID  string
	TargetID string
	Action   string
	// Since is an RFC3339 lower bound on ts, inclusive.
	Since       string
	SuccessOnly bool
	AfterID     int64
	Limit       int
}

func (f AuditFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.TargetID != "" {
		clauses = append(clauses, "target_id=?")
		args = append(args, f.TargetID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.Since)
	}
	if f.SuccessOnly {
		clauses = append(clauses, "success=1")
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// CountAudit counts audit entries matching f; Limit and AfterID are honoured as filters only.
func (r Repo) CountAudit(ctx context.Context, f AuditFilter) (int, error) {
	where, args := f.where()
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_log`+where, args...).Scan(&n)
	return n, err
}

// ListAudit returns matching entries in id order.
func (r Repo) ListAudit(ctx context.Context, f AuditFilter) ([]domain.AuditEntry, error) {
	where, args := f.where()
	query := `SELECT id,ts,action,actor_id,COALESCE(target_id,''),success,details_json FROM audit_log` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var details string
		if err := rows.Scan(&e.ID, &e.TS, &e.Action, &e.ActorID, &e.TargetID, &e.Success, &details); err != nil {
			return nil, err
		}
		if e.Details, err = domain.UnmarshalDetails(details); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// TailAudit returns the newest limit entries, oldest first.
func (r Repo) TailAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	var maxID int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`).Scan(&maxID); err != nil {
		return nil, err
	}
	after := maxID - int64(limit)
	if limit <= 0 || after < 0 {
		after = 0
	}
	return r.ListAudit(ctx, AuditFilter{AfterID: after})
}

func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`).Scan(&id)
	return id, err
}
