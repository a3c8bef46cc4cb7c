package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"orgline/internal/audit"
	"orgline/internal/blocking"
	"orgline/internal/domain"
	"orgline/internal/notify"
)

type Strategy string

const (
	StrategyReassign Strategy = "reassign"
	StrategyPromote  Strategy = "promote"
	StrategyCascade  Strategy = "cascade"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyReassign:
		return StrategyReassign, nil
	case StrategyPromote:
		return StrategyPromote, nil
	case StrategyCascade:
		return StrategyCascade, nil
	}
	return "", fmt.Errorf("unknown orphan strategy %q (want reassign, promote or cascade)", s)
}

type FireRequest struct {
	AgentID  string
	Strategy Strategy
	ActorID  string
	Reason   string
}

type FireResult struct {
	AgentID        string   `json:"agent_id"`
	Strategy       Strategy `json:"strategy"`
	OrphansHandled int      `json:"orphans_handled"`
	Orphans        []string `json:"orphans,omitempty"`
	// CascadeFired lists every descendant fired by a cascade, deepest first.
	CascadeFired      []string           `json:"cascade_fired,omitempty"`
	TasksReassigned   int                `json:"tasks_reassigned"`
	TasksArchived     int                `json:"tasks_archived"`
	FilesArchived     bool               `json:"files_archived"`
	ArchivePath       string             `json:"archive_path,omitempty"`
	SnapshotPath      string             `json:"snapshot_path,omitempty"`
	NotificationsSent int                `json:"notifications_sent"`
	Errors            []domain.ItemError `json:"errors,omitempty"`
}

// Fire terminates an agent. Steps run in order:
//
//  1. load the target, rejecting missing or fired agents (fatal)
//  2. capture its subordinates and manager
//  3. orphan handling (fatal): re-parent in one transaction, or cascade
//  4. reassign or archive its active tasks (best effort)
//  5. persist fired with its audit entry (fatal)
//  6. notify the agent, its manager and former subordinates (best effort)
//  7. refresh the parent registry (best effort)
//  8. archive the agent directory (best effort)
//  9. snapshot the database (best effort)
func (o Orchestrator) Fire(ctx context.Context, req FireRequest) (FireResult, error) {
	res := FireResult{AgentID: req.AgentID, Strategy: req.Strategy}
	st, err := ParseStrategy(string(req.Strategy))
	if err != nil {
		return res, opError(OpFire, KindInvalid, req.AgentID, err)
	}
	res.Strategy, req.Strategy = st, st

	agent, err := o.loadTarget(ctx, OpFire, req.AgentID)
	if err != nil {
		return res, err
	}
	actor := actorOr(req.ActorID, agent.ManagerID())

	subs, err := o.Store.ListSubordinates(ctx, agent.ID)
	if err != nil {
		return res, opError(OpFire, KindStep, agent.ID, fmt.Errorf("capture subordinates: %w", err))
	}
	for _, s := range subs {
		res.Orphans = append(res.Orphans, s.ID)
	}

	switch res.Strategy {
	case StrategyCascade:
		fired, errs := o.cascade(ctx, agent.ID, res.Orphans, req, actor)
		res.CascadeFired = fired
		res.Errors = append(res.Errors, errs...)
		done := make(map[string]bool, len(fired))
		for _, id := range fired {
			done[id] = true
		}
		for _, id := range res.Orphans {
			if done[id] {
				res.OrphansHandled++
			}
		}
	default:
		n, err := o.reparent(ctx, agent, res.Orphans, actor, res.Strategy)
		if err != nil {
			o.recordFailure(ctx, domain.ActionOrphans, actor, agent.ID, err, domain.Details{"orphans": domain.Strings(res.Orphans), "strategy": domain.String(string(res.Strategy))})
			return res, opError(OpFire, KindStep, agent.ID, fmt.Errorf("orphan handling: %w", err))
		}
		res.OrphansHandled = n
	}

	node, err := o.fireNode(ctx, agent, req, actor, false)
	res.TasksReassigned += node.tasksReassigned
	res.TasksArchived += node.tasksArchived
	res.Errors = append(res.Errors, node.errors...)
	if err != nil {
		return res, opError(OpFire, KindStep, agent.ID, err)
	}

	// step 6
	recipients := []struct {
		to  string
		msg notify.Message
	}{
		{agent.ID, notify.Fired(agent.ID, string(res.Strategy), req.Reason)},
		{agent.ManagerID(), notify.ReportFired(agent.ID, string(res.Strategy), res.Orphans)},
	}
	for _, sub := range res.Orphans {
		recipients = append(recipients, struct {
			to  string
			msg notify.Message
		}{sub, notify.ManagerFired(agent.ID, string(res.Strategy), agent.ManagerID())})
	}
	for _, r := range recipients {
		if r.to == "" {
			continue
		}
		if e := o.notify(ctx, "fire", r.to, r.msg); e != nil {
			res.Errors = append(res.Errors, *e)
		} else if o.Notifier != nil {
			res.NotificationsSent++
		}
	}

	// step 7
	for _, id := range []string{agent.ManagerID(), agent.ID} {
		if e := o.refreshRegistry(ctx, id); e != nil {
			res.Errors = append(res.Errors, *e)
		}
	}

	// step 8
	if o.Archiver != nil && o.cfg().ArchiveEnabled() {
		ar, err := o.Archiver.Archive(ctx, agent.ID)
		if err != nil {
			o.logger().Warn("fire: archive failed", "agent_id", agent.ID, "error", err)
			res.Errors = append(res.Errors, domain.ItemError{ID: agent.ID, Message: fmt.Sprintf("archive: %v", err)})
		}
		res.FilesArchived = ar.Moved
		res.ArchivePath = ar.Path
	}

	// step 9
	if o.Snapshots != nil && o.SnapshotDir != "" && o.cfg().SnapshotsEnabled() {
		dest := filepath.Join(o.SnapshotDir, fmt.Sprintf("%s-fire-%s.db", o.now().UTC().Format("20060102T150405Z"), agent.ID))
		if err := o.Snapshots.Snapshot(ctx, dest); err != nil {
			o.logger().Warn("fire: snapshot failed", "agent_id", agent.ID, "error", err)
			res.Errors = append(res.Errors, domain.ItemError{ID: agent.ID, Message: fmt.Sprintf("snapshot: %v", err)})
		} else {
			res.SnapshotPath = dest
		}
	}

	o.logger().Info("agent fired", "agent_id", agent.ID, "strategy", res.Strategy, "orphans", res.OrphansHandled,
		"tasks_reassigned", res.TasksReassigned, "tasks_archived", res.TasksArchived, "errors", len(res.Errors))
	return res, nil
}

// reparent points every orphan at the fired agent's manager, or makes them roots.
// reassign and promote are handled identically.
func (o Orchestrator) reparent(ctx context.Context, agent domain.Agent, orphans []string, actorID string, strategy Strategy) (int, error) {
	if len(orphans) == 0 {
		return 0, nil
	}
	var moved int
	err := o.inTx(ctx, func(tx *sql.Tx) error {
		n, err := o.Store.ReassignSubordinatesTx(ctx, tx, orphans, agent.ReportingTo, o.stamp())
		if err != nil {
			return err
		}
		moved = n
		return o.Audit.Append(ctx, tx, audit.Entry{
			Action: domain.ActionOrphans, ActorID: actorID, TargetID: agent.ID, Success: true,
			Details: domain.Details{
				"orphans":        domain.Strings(orphans),
				"strategy":       domain.String(string(strategy)),
				"new_manager_id": domain.String(agent.ManagerID()),
			},
		})
	})
	return moved, err
}

// cascade fires the subtree under root depth first, children before parents, using an
// explicit stack. A failure on one agent is recorded and the rest are still attempted.
func (o Orchestrator) cascade(ctx context.Context, root string, subs []string, req FireRequest, actorID string) ([]string, []domain.ItemError) {
	type item struct {
		id       string
		expanded bool
	}
	var (
		fired []string
		errs  []domain.ItemError
	)
	seen := map[string]bool{root: true}
	var stack []item
	push := func(ids []string) {
		for i := len(ids) - 1; i >= 0; i-- {
			if !seen[ids[i]] {
				seen[ids[i]] = true
				stack = append(stack, item{id: ids[i]})
			}
		}
	}
	push(subs)
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !it.expanded {
			children, err := o.Store.ListSubordinates(ctx, it.id)
			if err != nil {
				o.logger().Warn("cascade: listing subordinates failed", "agent_id", it.id, "error", err)
				errs = append(errs, domain.ItemError{ID: it.id, Message: fmt.Sprintf("cascade: %v", err)})
				continue
			}
			stack = append(stack, item{id: it.id, expanded: true})
			ids := make([]string, len(children))
			for i, c := range children {
				ids[i] = c.ID
			}
			push(ids)
			continue
		}
		agent, err := o.loadTarget(ctx, OpFire, it.id)
		if err != nil {
			o.logger().Warn("cascade: fire failed", "agent_id", it.id, "error", err)
			errs = append(errs, domain.ItemError{ID: it.id, Message: fmt.Sprintf("cascade: %v", err)})
			continue
		}
		node, err := o.fireNode(ctx, agent, FireRequest{AgentID: it.id, Strategy: StrategyCascade, ActorID: req.ActorID, Reason: req.Reason}, actorID, true)
		errs = append(errs, node.errors...)
		if err != nil {
			o.logger().Warn("cascade: fire failed", "agent_id", it.id, "error", err)
			errs = append(errs, domain.ItemError{ID: it.id, Message: fmt.Sprintf("cascade: %v", err)})
			continue
		}
		fired = append(fired, it.id)
		if e := o.notify(ctx, "fire", it.id, notify.Fired(it.id, string(StrategyCascade), req.Reason)); e != nil {
			errs = append(errs, *e)
		}
		if o.Archiver != nil && o.cfg().ArchiveEnabled() {
			if _, err := o.Archiver.Archive(ctx, it.id); err != nil {
				o.logger().Warn("cascade: archive failed", "agent_id", it.id, "error", err)
				errs = append(errs, domain.ItemError{ID: it.id, Message: fmt.Sprintf("archive: %v", err)})
			}
		}
		if e := o.refreshRegistry(ctx, it.id); e != nil {
			errs = append(errs, *e)
		}
	}
	return fired, errs
}

type nodeResult struct {
	tasksReassigned int
	tasksArchived   int
	errors          []domain.ItemError
}

// fireNode runs task handling and the fired transition for one agent whose orphans
// have already been dealt with.
func (o Orchestrator) fireNode(ctx context.Context, agent domain.Agent, req FireRequest, actorID string, cascaded bool) (nodeResult, error) {
	var res nodeResult
	o.handleTasks(ctx, agent, &res)

	details := domain.Details{
		"strategy":         domain.String(string(req.Strategy)),
		"tasks_reassigned": domain.Int(res.tasksReassigned),
		"tasks_archived":   domain.Int(res.tasksArchived),
		"cascaded":         domain.Bool(cascaded),
	}
	if req.Reason != "" {
		details["reason"] = domain.String(req.Reason)
	}
	if err := o.setStatus(ctx, agent, domain.AgentFired, domain.ActionFire, actorID, details); err != nil {
		return res, fmt.Errorf("persist fired: %w", err)
	}
	return res, nil
}

// handleTasks hands the agent's active tasks to its manager, or archives them when
// the agent has none. Failures are per task.
func (o Orchestrator) handleTasks(ctx context.Context, agent domain.Agent, res *nodeResult) {
	tasks, err := o.Store.ListActiveTasks(ctx, agent.ID)
	if err != nil {
		o.logger().Warn("fire: listing tasks failed", "agent_id", agent.ID, "error", err)
		res.errors = append(res.errors, domain.ItemError{ID: agent.ID, Message: fmt.Sprintf("tasks: %v", err)})
		return
	}
	if len(tasks) == 0 {
		return
	}
	now := o.stamp()
	managerID := agent.ManagerID()
	managerPaused := false
	if managerID != "" {
		if m, err := o.Store.GetAgent(ctx, managerID); err == nil {
			managerPaused = m.Status == domain.AgentPaused
		}
	}
	for _, t := range tasks {
		next := blocking.WithoutBlocker(t, blocking.PauseToken, now)
		if managerID == "" {
			next.Status = domain.TaskArchived
			next.BlockedBy = nil
			next.BlockedSince = nil
		} else {
			next.AgentID = managerID
			if managerPaused {
				next = blocking.WithBlocker(next, blocking.PauseToken, now)
			}
		}
		if _, err := o.Store.UpdateTaskIfVersion(ctx, next, t.Version); err != nil {
			o.logger().Warn("fire: task handling failed", "agent_id", agent.ID, "task_id", t.ID, "error", err)
			res.errors = append(res.errors, domain.ItemError{ID: t.ID, Message: err.Error()})
			continue
		}
		if managerID == "" {
			res.tasksArchived++
		} else {
			res.tasksReassigned++
		}
	}
}
