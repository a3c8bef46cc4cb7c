package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"orgline/internal/domain"
)

// RefreshRegistry rebuilds the cached subordinate list of managerID from the agents table.
func (r Repo) RefreshRegistry(ctx context.Context, managerID, now string) (domain.RegistryEntry, error) {
	subs, err := r.ListSubordinates(ctx, managerID)
	if err != nil {
		return domain.RegistryEntry{}, err
	}
	entry := domain.RegistryEntry{ManagerID: managerID, Subordinates: []string{}, UpdatedAt: now}
	for _, s := range subs {
		entry.Subordinates = append(entry.Subordinates, s.ID)
	}
	payload, err := json.Marshal(entry.Subordinates)
	if err != nil {
		return entry, err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO agent_registry(manager_id,subordinates_json,updated_at) VALUES (?,?,?)
ON CONFLICT(manager_id) DO UPDATE SET subordinates_json=excluded.subordinates_json, updated_at=excluded.updated_at`,
		managerID, string(payload), now)
	return entry, err
}

func (r Repo) GetRegistry(ctx context.Context, managerID string) (domain.RegistryEntry, error) {
	var e domain.RegistryEntry
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT manager_id,subordinates_json,updated_at FROM agent_registry WHERE manager_id=?`, managerID).
		Scan(&e.ManagerID, &payload, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Subordinates); err != nil {
		return e, fmt.Errorf("registry %s: %w", managerID, err)
	}
	return e, nil
}

func (r Repo) DeleteRegistry(ctx context.Context, managerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM agent_registry WHERE manager_id=?`, managerID)
	return err
}

func (r Repo) InsertExecution(ctx context.Context, e domain.Execution) error {
	if e.ID == "" || e.AgentID == "" {
		return errors.New("execution id and agent_id required")
	}
	if e.Status == "" {
		e.Status = "queued"
	}
	if e.UpdatedAt == "" {
		e.UpdatedAt = e.CreatedAt
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO execution_queue(id,agent_id,status,payload,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.AgentID, e.Status, nullable(e.Payload), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) ListExecutions(ctx context.Context, agentID, status string) ([]domain.Execution, error) {
	clauses := []string{"agent_id=?"}
	args := []any{agentID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agent_id,status,COALESCE(payload,''),created_at,updated_at FROM execution_queue WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		var e domain.Execution
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Status, &e.Payload, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// RequeueHeld moves the agent's held executions back to queued and returns how many moved.
func (r Repo) RequeueHeld(ctx context.Context, agentID, now string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE execution_queue SET status='queued', updated_at=? WHERE agent_id=? AND status='held'`, now, agentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
