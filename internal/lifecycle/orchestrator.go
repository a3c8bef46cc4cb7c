package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"orgline/internal/archive"
	"orgline/internal/audit"
	"orgline/internal/blocking"
	"orgline/internal/config"
	"orgline/internal/domain"
	"orgline/internal/hierarchy"
	"orgline/internal/notify"
	"orgline/internal/repo"
)

type Store interface {
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	AgentExists(ctx context.Context, id string) (bool, error)
	InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error
	ListSubordinates(ctx context.Context, managerID string) ([]domain.Agent, error)
	ReassignSubordinatesTx(ctx context.Context, tx *sql.Tx, ids []string, newManager *string, now string) (int, error)
	SetAgentStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.AgentStatus, now string) error
	ListActiveTasks(ctx context.Context, agentID string) ([]domain.Task, error)
	UpdateTaskIfVersion(ctx context.Context, t domain.Task, expected int) (int64, error)
}

var _ Store = repo.Repo{}

type AuditLog interface {
	Append(ctx context.Context, exec audit.Execer, e audit.Entry) error
}

type Notifier interface {
	Notify(ctx context.Context, agentID string, msg notify.Message) error
}

type Archiver interface {
	Archive(ctx context.Context, agentID string) (archive.Result, error)
}

// Registry is the denormalized manager-to-subordinates cache.
type Registry interface {
	RefreshRegistry(ctx context.Context, managerID, now string) (domain.RegistryEntry, error)
}

type ExecutionQueue interface {
	RequeueHeld(ctx context.Context, agentID, now string) (int, error)
}

type Snapshotter interface {
	Snapshot(ctx context.Context, dest string) error
}

// Orchestrator sequences hire, fire, pause and resume. Each step is either fatal,
// failing the operation with an *OperationError, or best-effort, logged and folded
// into the operation result. Registry, Queue, Snapshots, Archiver and Notifier may be nil.
type Orchestrator struct {
	DB          *sql.DB
	Store       Store
	Validator   hierarchy.Validator
	Blocking    blocking.Engine
	Audit       AuditLog
	Notifier    Notifier
	Archiver    Archiver
	Registry    Registry
	Queue       ExecutionQueue
	Snapshots   Snapshotter
	SnapshotDir string
	Config      *config.Live
	// Workspace is where per-agent directories are created on hire.
	Workspace string
	Now       func() time.Time
	Logger    *slog.Logger
}

func (o Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Orchestrator) stamp() string {
	return o.now().UTC().Format(time.RFC3339)
}

func (o Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Orchestrator) cfg() *config.Config {
	if o.Config == nil {
		return nil
	}
	return o.Config.Get()
}

// inTx runs fn in a transaction committed only when fn succeeds.
func (o Orchestrator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (o Orchestrator) recordFailure(ctx context.Context, action, actorID, targetID string, cause error, details domain.Details) {
	d := details.Merge(domain.Details{"error": domain.String(cause.Error())})
	if err := o.Audit.Append(ctx, nil, audit.Entry{Action: action, ActorID: actorID, TargetID: targetID, Success: false, Details: d}); err != nil {
		o.logger().Error("failed audit entry not written", "action", action, "agent_id", targetID, "error", err)
	}
}

// notify sends one best-effort message and reports failure as an item error.
func (o Orchestrator) notify(ctx context.Context, step, agentID string, msg notify.Message) *domain.ItemError {
	if o.Notifier == nil || agentID == "" {
		return nil
	}
	if err := o.Notifier.Notify(ctx, agentID, msg); err != nil {
		o.logger().Warn("notification failed", "step", step, "agent_id", agentID, "error", err)
		return &domain.ItemError{ID: agentID, Message: fmt.Sprintf("%s: %v", step, err)}
	}
	return nil
}

func (o Orchestrator) refreshRegistry(ctx context.Context, managerID string) *domain.ItemError {
	if o.Registry == nil || managerID == "" {
		return nil
	}
	if _, err := o.Registry.RefreshRegistry(ctx, managerID, o.stamp()); err != nil {
		o.logger().Warn("registry refresh failed", "agent_id", managerID, "error", err)
		return &domain.ItemError{ID: managerID, Message: fmt.Sprintf("registry: %v", err)}
	}
	return nil
}

// loadTarget fetches the agent an operation acts on and rejects fired agents.
func (o Orchestrator) loadTarget(ctx context.Context, op Op, agentID string) (domain.Agent, error) {
	if strings.TrimSpace(agentID) == "" {
		return domain.Agent{}, opError(op, KindInvalid, agentID, errors.New("agent id required"))
	}
	agent, err := o.Store.GetAgent(ctx, agentID)
	if errors.Is(err, repo.ErrNotFound) {
		return agent, opError(op, KindNotFound, agentID, err)
	}
	if err != nil {
		return agent, opError(op, KindStep, agentID, err)
	}
	if agent.Status == domain.AgentFired {
		return agent, opError(op, KindAlreadyFired, agentID, nil)
	}
	return agent, nil
}

type CreateRootRequest struct {
	AgentID     string
	Role        string
	DisplayName string
	Permissions *domain.Permissions
	ActorID     string
}

// CreateRoot inserts an agent with no manager.
func (o Orchestrator) CreateRoot(ctx context.Context, req CreateRootRequest) (domain.Agent, error) {
	if strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.Role) == "" {
		return domain.Agent{}, opError(OpCreateRoot, KindInvalid, req.AgentID, errors.New("agent id and role required"))
	}
	if err := domain.ValidateAgentID(req.AgentID); err != nil {
		return domain.Agent{}, opError(OpCreateRoot, KindInvalid, req.AgentID, err)
	}
	exists, err := o.Store.AgentExists(ctx, req.AgentID)
	if err != nil {
		return domain.Agent{}, opError(OpCreateRoot, KindStep, req.AgentID, err)
	}
	if exists {
		return domain.Agent{}, opError(OpCreateRoot, KindAlreadyExists, req.AgentID, nil)
	}
	agent := o.newAgent(req.AgentID, req.Role, req.DisplayName, nil, req.Permissions)
	err = o.inTx(ctx, func(tx *sql.Tx) error {
		if err := o.Store.InsertAgentTx(ctx, tx, agent); err != nil {
			return err
		}
		return o.Audit.Append(ctx, tx, audit.Entry{
			Action: domain.ActionCreateRoot, ActorID: actorOr(req.ActorID, req.AgentID), TargetID: agent.ID, Success: true,
			Details: domain.Details{"role": domain.String(agent.Role)},
		})
	})
	if err != nil {
		return domain.Agent{}, opError(OpCreateRoot, KindStep, req.AgentID, err)
	}
	o.ensureAgentDir(agent.ID)
	return agent, nil
}

func (o Orchestrator) newAgent(id, role, displayName string, manager *string, perms *domain.Permissions) domain.Agent {
	now := o.stamp()
	p := o.cfg().RolePermissions(role)
	if perms != nil {
		p = *perms
	}
	return domain.Agent{
		ID:          id,
		Role:        role,
		DisplayName: displayName,
		ReportingTo: manager,
		Status:      domain.AgentActive,
		Permissions: p,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (o Orchestrator) ensureAgentDir(agentID string) *domain.ItemError {
	if o.Workspace == "" {
		return nil
	}
	dir, err := notify.AgentDir(o.Workspace, agentID)
	if err == nil {
		err = os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		o.logger().Warn("agent directory not created", "agent_id", agentID, "error", err)
		return &domain.ItemError{ID: agentID, Message: fmt.Sprintf("workspace: %v", err)}
	}
	return nil
}

type HireRequest struct {
	ManagerID   string
	AgentID     string
	Role        string
	DisplayName string
	// Permissions overrides the role defaults from config when set.
	Permissions *domain.Permissions
	ActorID     string
}

type HireResult struct {
	Agent    domain.Agent                `json:"agent"`
	Warnings []hierarchy.ValidationError `json:"warnings,omitempty"`
	Errors   []domain.ItemError          `json:"errors,omitempty"`
}

// Hire validates and inserts a new agent under ManagerID. A rejected hire is audited
// as a failed hire and returned as KindRejected wrapping a *hierarchy.AggregateError.
func (o Orchestrator) Hire(ctx context.Context, req HireRequest) (HireResult, error) {
	var res HireResult
	if strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.ManagerID) == "" || strings.TrimSpace(req.Role) == "" {
		return res, opError(OpHire, KindInvalid, req.AgentID, errors.New("manager, agent id and role required"))
	}
	if err := domain.ValidateAgentID(req.AgentID); err != nil {
		return res, opError(OpHire, KindInvalid, req.AgentID, err)
	}
	details := domain.Details{
		"manager_id":   domain.String(req.ManagerID),
		"role":         domain.String(req.Role),
		"requested_by": domain.String(actorOr(req.ActorID, req.ManagerID)),
	}

	// step 1: validation (fatal)
	check, err := o.Validator.ValidateHireStrict(ctx, req.ManagerID, req.AgentID)
	var rejected *hierarchy.AggregateError
	if errors.As(err, &rejected) {
		codes := make([]string, len(rejected.Errors))
		for i, e := range rejected.Errors {
			codes[i] = string(e.Code)
		}
		o.recordFailure(ctx, domain.ActionHire, req.ManagerID, req.AgentID, rejected, details.Merge(domain.Details{"codes": domain.Strings(codes)}))
		return res, opError(OpHire, KindRejected, req.AgentID, rejected)
	}
	if err != nil {
		return res, opError(OpHire, KindStep, req.AgentID, err)
	}
	res.Warnings = check.Warnings

	// step 2: insert and audit (fatal). The audit actor is the manager so the
	// rate limit counts it.
	manager := req.ManagerID
	agent := o.newAgent(req.AgentID, req.Role, req.DisplayName, &manager, req.Permissions)
	err = o.inTx(ctx, func(tx *sql.Tx) error {
		if err := o.Store.InsertAgentTx(ctx, tx, agent); err != nil {
			return err
		}
		return o.Audit.Append(ctx, tx, audit.Entry{Action: domain.ActionHire, ActorID: req.ManagerID, TargetID: agent.ID, Success: true, Details: details})
	})
	if err != nil {
		o.recordFailure(ctx, domain.ActionHire, req.ManagerID, req.AgentID, err, details)
		return res, opError(OpHire, KindStep, req.AgentID, err)
	}
	res.Agent = agent

	// steps 3-5: best effort
	if e := o.ensureAgentDir(agent.ID); e != nil {
		res.Errors = append(res.Errors, *e)
	}
	if e := o.refreshRegistry(ctx, req.ManagerID); e != nil {
		res.Errors = append(res.Errors, *e)
	}
	if e := o.notify(ctx, "hire", req.ManagerID, notify.ReportHired(agent)); e != nil {
		res.Errors = append(res.Errors, *e)
	}
	if e := o.notify(ctx, "hire", agent.ID, notify.Hired(agent)); e != nil {
		res.Errors = append(res.Errors, *e)
	}
	return res, nil
}

type PauseResult struct {
	AgentID           string               `json:"agent_id"`
	Block             blocking.BlockResult `json:"block"`
	NotificationsSent int                  `json:"notifications_sent"`
	Errors            []domain.ItemError   `json:"errors,omitempty"`
}

// Pause moves an active agent to paused and blocks its active tasks.
func (o Orchestrator) Pause(ctx context.Context, agentID, actorID string) (PauseResult, error) {
	res := PauseResult{AgentID: agentID}
	agent, err := o.loadTarget(ctx, OpPause, agentID)
	if err != nil {
		return res, err
	}
	if agent.Status == domain.AgentPaused {
		return res, opError(OpPause, KindAlreadyPaused, agentID, nil)
	}
	actor := actorOr(actorID, agent.ManagerID())

	if err := o.setStatus(ctx, agent, domain.AgentPaused, domain.ActionPause, actor, nil); err != nil {
		return res, opError(OpPause, KindStep, agentID, err)
	}

	block, err := o.Blocking.Block(ctx, agentID)
	if err != nil {
		o.logger().Warn("pause: blocking tasks failed", "agent_id", agentID, "error", err)
		res.Errors = append(res.Errors, domain.ItemError{ID: agentID, Message: fmt.Sprintf("block: %v", err)})
		block = blocking.BlockResult{}
	}
	res.Block = block
	res.Errors = append(res.Errors, block.Errors...)

	blocked := block.BlockedCount + block.AlreadyBlocked
	for _, n := range []struct {
		to  string
		msg notify.Message
	}{
		{agentID, notify.Paused(agentID, blocked)},
		{agent.ManagerID(), notify.ReportPaused(agentID, blocked)},
	} {
		if n.to == "" {
			continue
		}
		if e := o.notify(ctx, "pause", n.to, n.msg); e != nil {
			res.Errors = append(res.Errors, *e)
		} else if o.Notifier != nil {
			res.NotificationsSent++
		}
	}
	// Held executions stay where they are; resume re-queues them.
	return res, nil
}

type ResumeResult struct {
	AgentID           string                 `json:"agent_id"`
	Unblock           blocking.UnblockResult `json:"unblock"`
	Requeued          int                    `json:"requeued"`
	NotificationsSent int                    `json:"notifications_sent"`
	Errors            []domain.ItemError     `json:"errors,omitempty"`
}

// Resume moves a paused agent back to active and lifts the pause blocker.
func (o Orchestrator) Resume(ctx context.Context, agentID, actorID string) (ResumeResult, error) {
	res := ResumeResult{AgentID: agentID}
	agent, err := o.loadTarget(ctx, OpResume, agentID)
	if err != nil {
		return res, err
	}
	if agent.Status != domain.AgentPaused {
		return res, opError(OpResume, KindNotPaused, agentID, nil)
	}
	actor := actorOr(actorID, agent.ManagerID())

	if err := o.setStatus(ctx, agent, domain.AgentActive, domain.ActionResume, actor, nil); err != nil {
		return res, opError(OpResume, KindStep, agentID, err)
	}

	unblock, err := o.Blocking.Unblock(ctx, agentID)
	if err != nil {
		o.logger().Warn("resume: unblocking tasks failed", "agent_id", agentID, "error", err)
		res.Errors = append(res.Errors, domain.ItemError{ID: agentID, Message: fmt.Sprintf("unblock: %v", err)})
		unblock = blocking.UnblockResult{}
	}
	res.Unblock = unblock
	res.Errors = append(res.Errors, unblock.Errors...)

	for _, n := range []struct {
		to  string
		msg notify.Message
	}{
		{agentID, notify.Resumed(agentID, unblock.UnblockedCount)},
		{agent.ManagerID(), notify.ReportResumed(agentID, unblock.UnblockedCount)},
	} {
		if n.to == "" {
			continue
		}
		if e := o.notify(ctx, "resume", n.to, n.msg); e != nil {
			res.Errors = append(res.Errors, *e)
		} else if o.Notifier != nil {
			res.NotificationsSent++
		}
	}

	if o.Queue != nil {
		n, err := o.Queue.RequeueHeld(ctx, agentID, o.stamp())
		if err != nil {
			o.logger().Warn("resume: requeue failed", "agent_id", agentID, "error", err)
			res.Errors = append(res.Errors, domain.ItemError{ID: agentID, Message: fmt.Sprintf("requeue: %v", err)})
		}
		res.Requeued = n
	}
	return res, nil
}

// setStatus persists a status change together with its audit entry. On failure a
// failed audit entry is written outside the rolled back transaction.
func (o Orchestrator) setStatus(ctx context.Context, agent domain.Agent, status domain.AgentStatus, action, actorID string, details domain.Details) error {
	d := details.Merge(domain.Details{"from": domain.String(string(agent.Status)), "to": domain.String(string(status))})
	err := o.inTx(ctx, func(tx *sql.Tx) error {
		if err := o.Store.SetAgentStatusTx(ctx, tx, agent.ID, status, o.stamp()); err != nil {
			return err
		}
		return o.Audit.Append(ctx, tx, audit.Entry{Action: action, ActorID: actorID, TargetID: agent.ID, Success: true, Details: d})
	})
	if err != nil {
		o.recordFailure(ctx, action, actorID, agent.ID, err, d)
	}
	return err
}

func actorOr(actorID, fallback string) string {
	if strings.TrimSpace(actorID) != "" {
		return actorID
	}
	if fallback != "" {
		return fallback
	}
	return "system"
}
