package deadlock

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"orgline/internal/audit"
	"orgline/internal/config"
	"orgline/internal/domain"
	"orgline/internal/notify"
)

const DefaultActor = "system:deadlock-monitor"

type Store interface {
	TaskReader
	ListBlockedTasks(ctx context.Context, agentID string) ([]domain.Task, error)
}

type CycleDetector interface {
	DetectCycle(ctx context.Context, taskID string) ([]string, error)
}

type Notifier interface {
	Notify(ctx context.Context, agentID string, msg notify.Message) error
}

type Preferences interface {
	Preferences(agentID string) config.Preferences
}

type AuditLog interface {
	Append(ctx context.Context, exec audit.Execer, e audit.Entry) error
}

type Monitor struct {
	Store    Store
	Detector CycleDetector
	Notifier Notifier
	Prefs    Preferences
	Audit    AuditLog
	// Force notifies agents that opted out of deadlock alerts.
	Force   bool
	ActorID string
	Logger  *slog.Logger
}

type ScanResult struct {
	DeadlocksDetected    int                `json:"deadlocks_detected"`
	NotificationsSent    int                `json:"notifications_sent"`
	NotificationsSkipped int                `json:"notifications_skipped"`
	DeadlockedTaskIDs    []string           `json:"deadlocked_task_ids"`
	Cycles               [][]string         `json:"cycles"`
	Errors               []domain.ItemError `json:"errors,omitempty"`
}

func (m Monitor) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m Monitor) actor() string {
	if m.ActorID != "" {
		return m.ActorID
	}
	return DefaultActor
}

// Scan looks for cycles among blocked tasks and alerts the owners of each new cycle
// once. Failures on one task, cycle or agent are recorded and the scan goes on.
func (m Monitor) Scan(ctx context.Context) (ScanResult, error) {
	res := ScanResult{DeadlockedTaskIDs: []string{}, Cycles: [][]string{}}
	blocked, err := m.Store.ListBlockedTasks(ctx, "")
	if err != nil {
		return res, fmt.Errorf("list blocked tasks: %w", err)
	}
	owners := make(map[string]string, len(blocked))
	for _, t := range blocked {
		owners[t.ID] = t.AgentID
	}
	seen := map[string]bool{}
	deadlocked := map[string]bool{}
	for _, t := range blocked {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cycle, err := m.Detector.DetectCycle(ctx, t.ID)
		if err != nil {
			m.logger().Warn("cycle detection failed", "task_id", t.ID, "error", err)
			res.Errors = append(res.Errors, domain.ItemError{ID: t.ID, Message: err.Error()})
			continue
		}
		if len(cycle) == 0 {
			continue
		}
		key := CanonicalKey(cycle)
		if seen[key] {
			continue
		}
		seen[key] = true
		cycle = rotate(cycle)
		res.DeadlocksDetected++
		res.Cycles = append(res.Cycles, cycle)
		for _, id := range cycle {
			deadlocked[id] = true
		}
		sent, skipped, errs := m.notifyCycle(ctx, cycle, owners)
		res.NotificationsSent += sent
		res.NotificationsSkipped += skipped
		res.Errors = append(res.Errors, errs...)
	}
	for id := range deadlocked {
		res.DeadlockedTaskIDs = append(res.DeadlockedTaskIDs, id)
	}
	sort.Strings(res.DeadlockedTaskIDs)
	return res, nil
}

func (m Monitor) notifyCycle(ctx context.Context, cycle []string, owners map[string]string) (sent, skipped int, errs []domain.ItemError) {
	threadID := ThreadID(cycle)
	var agents []string
	owned := map[string][]string{}
	for _, id := range cycle {
		agentID, ok := owners[id]
		if !ok {
			t, err := m.Store.GetTask(ctx, id)
			if err != nil {
				errs = append(errs, domain.ItemError{ID: id, Message: fmt.Sprintf("resolve owner: %v", err)})
				continue
			}
			agentID = t.AgentID
		}
		if _, ok := owned[agentID]; !ok {
			agents = append(agents, agentID)
		}
		owned[agentID] = append(owned[agentID], id)
	}
	for _, agentID := range agents {
		if !m.Force && m.Prefs != nil && !m.Prefs.Preferences(agentID).DeadlockAlerts {
			m.logger().Info("deadlock alert skipped by preference", "agent_id", agentID, "thread_id", threadID)
			skipped++
			continue
		}
		notifyErr := m.Notifier.Notify(ctx, agentID, notify.Deadlock(threadID, cycle, owned[agentID]))
		details := domain.Details{
			"cycle":       domain.Strings(cycle),
			"owned_tasks": domain.Strings(owned[agentID]),
			"thread_id":   domain.String(threadID),
			"forced":      domain.Bool(m.Force),
		}
		if notifyErr != nil {
			details["error"] = domain.String(notifyErr.Error())
			m.logger().Warn("deadlock alert failed", "agent_id", agentID, "thread_id", threadID, "error", notifyErr)
			errs = append(errs, domain.ItemError{ID: agentID, Message: notifyErr.Error()})
		} else {
			sent++
		}
		if m.Audit != nil {
			entry := audit.Entry{Action: domain.ActionDeadlockNotify, ActorID: m.actor(), TargetID: agentID, Success: notifyErr == nil, Details: details}
			if err := m.Audit.Append(ctx, nil, entry); err != nil {
				m.logger().Warn("deadlock audit failed", "agent_id", agentID, "error", err)
				errs = append(errs, domain.ItemError{ID: agentID, Message: err.Error()})
			}
		}
	}
	return sent, skipped, errs
}

// Run scans immediately and then on every tick until ctx is cancelled.
func (m Monitor) Run(ctx context.Context, interval time.Duration, onScan func(ScanResult)) error {
	if interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := m.Scan(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger().Error("deadlock scan failed", "error", err)
		} else if err == nil {
			m.logger().Info("deadlock scan", "deadlocks", res.DeadlocksDetected, "notified", res.NotificationsSent, "errors", len(res.Errors))
			if onScan != nil {
				onScan(res)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
