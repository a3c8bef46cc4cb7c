package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"orgline/internal/audit"
	"orgline/internal/blocking"
	"orgline/internal/config"
	"orgline/internal/domain"
	"orgline/internal/repo"
)

var (
	ErrOwnerFired        = errors.New("task owner is fired")
	ErrTooDeep           = errors.New("task nesting too deep")
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Engine owns task creation, blocking edges and completion. It shares the store
// with the lifecycle orchestrator and relies on the same version checks.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Live
	Now    func() time.Time
	Logger *slog.Logger
}

func New(db *sql.DB, cfg *config.Live) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) maxDepth() int {
	if e.Config == nil {
		return config.DefaultMaxTaskDepth
	}
	return e.Config.Get().MaxTaskDepth()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID        string
	AgentID   string
	ParentID  string
	Title     string
	BlockedBy []string
	ActorID   string
}

// CreateTask inserts a task for a live agent. Initial blockers start the task out
// blocked, and a task handed to a paused agent also carries the pause blocker.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if strings.TrimSpace(opts.AgentID) == "" {
		return domain.Task{}, errors.New("agent is required")
	}
	owner, err := e.Repo.GetAgent(ctx, opts.AgentID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("agent %s: %w", opts.AgentID, err)
	}
	if owner.Status == domain.AgentFired {
		return domain.Task{}, fmt.Errorf("agent %s: %w", owner.ID, ErrOwnerFired)
	}
	if opts.ParentID != "" {
		limit := e.maxDepth()
		depth, err := e.Repo.TaskDepth(ctx, opts.ParentID, limit)
		if err != nil {
			return domain.Task{}, fmt.Errorf("parent %s: %w", opts.ParentID, err)
		}
		if depth+1 > limit {
			return domain.Task{}, fmt.Errorf("%w: limit is %d", ErrTooDeep, limit)
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:        id,
		AgentID:   owner.ID,
		Title:     opts.Title,
		Status:    domain.TaskPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.ParentID != "" {
		parent := opts.ParentID
		t.ParentTaskID = &parent
	}
	for _, b := range opts.BlockedBy {
		b = strings.TrimSpace(b)
		if b == "" || b == id {
			continue
		}
		t = blocking.WithBlocker(t, b, now)
	}
	if owner.Status == domain.AgentPaused {
		t = blocking.WithBlocker(t, blocking.PauseToken, now)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	details := domain.Details{"title": domain.String(t.Title), "agent_id": domain.String(t.AgentID), "status": domain.String(string(t.Status))}
	if len(t.BlockedBy) > 0 {
		details["blocked_by"] = domain.Strings(t.BlockedBy)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{Action: domain.ActionTaskCreate, ActorID: actor(opts.ActorID, owner.ID), TargetID: t.ID, Success: true, Details: details}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AddBlocker puts token into the task's blocker set.
func (e Engine) AddBlocker(ctx context.Context, taskID, token, actorID string) (domain.Task, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Task{}, errors.New("blocker is required")
	}
	if token == taskID {
		return domain.Task{}, fmt.Errorf("task %s cannot block itself", taskID)
	}
	return e.mutate(ctx, taskID, actorID, domain.ActionTaskUpdate, domain.Details{"blocker_added": domain.String(token)}, func(t domain.Task, now string) (domain.Task, error) {
		if !t.Status.Active() {
			return t, fmt.Errorf("%w: cannot block %s task", ErrInvalidTransition, t.Status)
		}
		return blocking.WithBlocker(t, token, now), nil
	})
}

// RemoveBlocker drops token from the task's blocker set; the task returns to pending
// when nothing else blocks it.
func (e Engine) RemoveBlocker(ctx context.Context, taskID, token, actorID string) (domain.Task, error) {
	return e.mutate(ctx, taskID, actorID, domain.ActionTaskUpdate, domain.Details{"blocker_removed": domain.String(token)}, func(t domain.Task, now string) (domain.Task, error) {
		if !t.HasBlocker(token) {
			return t, fmt.Errorf("task %s is not blocked by %s", t.ID, token)
		}
		return blocking.WithoutBlocker(t, token, now), nil
	})
}

// StartTask moves a pending task to in_progress.
func (e Engine) StartTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	return e.mutate(ctx, taskID, actorID, domain.ActionTaskUpdate, domain.Details{"status": domain.String(string(domain.TaskInProgress))}, func(t domain.Task, now string) (domain.Task, error) {
		if err := ensureTaskTransition(t.Status, domain.TaskInProgress); err != nil {
			return t, err
		}
		t.Status = domain.TaskInProgress
		t.UpdatedAt = now
		return t, nil
	})
}

type CompleteResult struct {
	Task domain.Task `json:"task"`
	// Released lists dependents that lost their last blocker and went back to pending.
	Released []string           `json:"released,omitempty"`
	Updated  int                `json:"dependents_updated"`
	Errors   []domain.ItemError `json:"errors,omitempty"`
}

// CompleteTask completes a pending or in-progress task, then removes it from the
// blocker set of every task waiting on it. Dependent updates are best effort.
func (e Engine) CompleteTask(ctx context.Context, taskID, actorID string) (CompleteResult, error) {
	var res CompleteResult
	t, err := e.mutate(ctx, taskID, actorID, domain.ActionTaskComplete, nil, func(t domain.Task, now string) (domain.Task, error) {
		if err := ensureTaskTransition(t.Status, domain.TaskCompleted); err != nil {
			return t, err
		}
		t.Status = domain.TaskCompleted
		t.UpdatedAt = now
		t.CompletedAt = &now
		return t, nil
	})
	if err != nil {
		return res, err
	}
	res.Task = t

	deps, err := e.Repo.ListDependents(ctx, t.ID)
	if err != nil {
		e.logger().Warn("listing dependents failed", "task_id", t.ID, "error", err)
		res.Errors = append(res.Errors, domain.ItemError{ID: t.ID, Message: fmt.Sprintf("dependents: %v", err)})
		return res, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	for _, d := range deps {
		next := blocking.WithoutBlocker(d, t.ID, now)
		if _, err := e.Repo.UpdateTaskIfVersion(ctx, next, d.Version); err != nil {
			e.logger().Warn("releasing dependent failed", "task_id", d.ID, "blocker", t.ID, "error", err)
			res.Errors = append(res.Errors, domain.ItemError{ID: d.ID, Message: err.Error()})
			continue
		}
		res.Updated++
		if next.Status == domain.TaskPending {
			res.Released = append(res.Released, d.ID)
		}
	}
	return res, nil
}

// mutate applies fn to the current task and writes the result with a version check
// and an audit entry in one transaction.
func (e Engine) mutate(ctx context.Context, taskID, actorID, action string, details domain.Details, fn func(domain.Task, string) (domain.Task, error)) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, fmt.Errorf("task %s: %w", taskID, err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	next, err := fn(t, now)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.UpdateTaskIfVersionTx(ctx, tx, next, t.Version); err != nil {
		return t, fmt.Errorf("task %s: %w", taskID, err)
	}
	d := details.Merge(domain.Details{"from": domain.String(string(t.Status)), "to": domain.String(string(next.Status))})
	if err := e.Audit.Append(ctx, tx, audit.Entry{Action: action, ActorID: actor(actorID, t.AgentID), TargetID: t.ID, Success: true, Details: d}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	next.Version = t.Version + 1
	return next, nil
}

func ensureTaskTransition(from, to domain.TaskStatus) error {
	allowed := map[domain.TaskStatus][]domain.TaskStatus{
		domain.TaskPending:    {domain.TaskInProgress, domain.TaskCompleted},
		domain.TaskInProgress: {domain.TaskCompleted},
	}
	for _, s := range allowed[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func actor(actorID, fallback string) string {
	if strings.TrimSpace(actorID) != "" {
		return actorID
	}
	return fallback
}
