package blocking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"orgline/internal/domain"
)

// PauseToken is the blocker placed on every active task of a paused agent.
const PauseToken = "AGENT_PAUSED"

type Store interface {
	ListActiveTasks(ctx context.Context, agentID string) ([]domain.Task, error)
	ListBlockedTasks(ctx context.Context, agentID string) ([]domain.Task, error)
	UpdateTaskIfVersion(ctx context.Context, t domain.Task, expected int) (int64, error)
}

// Engine adds and removes the pause blocker. Every write is conditioned on the
// version read; a conflict on one task is recorded and the batch continues.
type Engine struct {
	Store  Store
	Now    func() time.Time
	Logger *slog.Logger
}

type BlockResult struct {
	TotalTasks     int                `json:"total_tasks"`
	BlockedCount   int                `json:"blocked_count"`
	AlreadyBlocked int                `json:"already_blocked"`
	Errors         []domain.ItemError `json:"errors,omitempty"`
}

type UnblockResult struct {
	TotalTasks     int `json:"total_tasks"`
	UnblockedCount int `json:"unblocked_count"`
	// StillBlocked counts tasks left blocked: those never carrying the pause
	// token and those that keep other blockers after it was removed.
	StillBlocked int                `json:"still_blocked"`
	Errors       []domain.ItemError `json:"errors,omitempty"`
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) Block(ctx context.Context, agentID string) (BlockResult, error) {
	var res BlockResult
	tasks, err := e.Store.ListActiveTasks(ctx, agentID)
	if err != nil {
		return res, fmt.Errorf("list active tasks of %s: %w", agentID, err)
	}
	res.TotalTasks = len(tasks)
	now := e.now()
	for _, t := range tasks {
		if t.HasBlocker(PauseToken) {
			res.AlreadyBlocked++
			continue
		}
		next := WithBlocker(t, PauseToken, now)
		if _, err := e.Store.UpdateTaskIfVersion(ctx, next, t.Version); err != nil {
			e.logger().Warn("block task failed", "agent_id", agentID, "task_id", t.ID, "error", err)
			res.Errors = append(res.Errors, domain.ItemError{ID: t.ID, Message: err.Error()})
			continue
		}
		res.BlockedCount++
	}
	return res, nil
}

func (e Engine) Unblock(ctx context.Context, agentID string) (UnblockResult, error) {
	var res UnblockResult
	tasks, err := e.Store.ListBlockedTasks(ctx, agentID)
	if err != nil {
		return res, fmt.Errorf("list blocked tasks of %s: %w", agentID, err)
	}
	res.TotalTasks = len(tasks)
	now := e.now()
	for _, t := range tasks {
		if !t.HasBlocker(PauseToken) {
			res.StillBlocked++
			continue
		}
		next := WithoutBlocker(t, PauseToken, now)
		if _, err := e.Store.UpdateTaskIfVersion(ctx, next, t.Version); err != nil {
			e.logger().Warn("unblock task failed", "agent_id", agentID, "task_id", t.ID, "error", err)
			res.Errors = append(res.Errors, domain.ItemError{ID: t.ID, Message: err.Error()})
			continue
		}
		if next.Status == domain.TaskBlocked {
			res.StillBlocked++
		} else {
			res.UnblockedCount++
		}
	}
	return res, nil
}

// WithBlocker returns t with token added to its blocker set, moved to blocked and
// blocked_since stamped if it was unset.
func WithBlocker(t domain.Task, token, now string) domain.Task {
	if t.HasBlocker(token) {
		return t
	}
	next := t
	next.BlockedBy = append(append([]string(nil), t.BlockedBy...), token)
	next.Status = domain.TaskBlocked
	if next.BlockedSince == nil {
		next.BlockedSince = &now
	}
	next.UpdatedAt = now
	return next
}

// WithoutBlocker returns t with token removed. An emptied blocker set sends the task
// back to pending and clears blocked_since.
func WithoutBlocker(t domain.Task, token, now string) domain.Task {
	next := t
	next.BlockedBy = t.WithoutBlocker(token)
	next.UpdatedAt = now
	if len(next.BlockedBy) == 0 {
		next.BlockedBy = nil
		if next.Status == domain.TaskBlocked {
			next.Status = domain.TaskPending
		}
		next.BlockedSince = nil
	}
	return next
}
