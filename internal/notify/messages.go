package notify

import (
	"fmt"
	"strings"

	"orgline/internal/domain"
)

const (
	KindHired         = "lifecycle.hired"
	KindReportHired   = "lifecycle.report_hired"
	KindFired         = "lifecycle.fired"
	KindReportFired   = "lifecycle.report_fired"
	KindManagerFired  = "lifecycle.manager_fired"
	KindPaused        = "lifecycle.paused"
	KindReportPaused  = "lifecycle.report_paused"
	KindResumed       = "lifecycle.resumed"
	KindReportResumed = "lifecycle.report_resumed"
	KindDeadlock      = "deadlock.detected"
)

func Hired(agent domain.Agent) Message {
	manager := agent.ManagerID()
	body := fmt.Sprintf("You have joined as %s.", agent.Role)
	if manager != "" {
		body = fmt.Sprintf("You have joined as %s reporting to %s.", agent.Role, manager)
	}
	return Message{
		Kind:    KindHired,
		Subject: "Welcome aboard",
		Body:    body,
		Details: domain.Details{"agent_id": domain.String(agent.ID), "role": domain.String(agent.Role), "manager_id": domain.String(manager)},
	}
}

func ReportHired(agent domain.Agent) Message {
	return Message{
		Kind:    KindReportHired,
		Subject: fmt.Sprintf("New report: %s", agent.ID),
		Body:    fmt.Sprintf("%s (%s) now reports to you.", agent.ID, agent.Role),
		Details: domain.Details{"agent_id": domain.String(agent.ID), "role": domain.String(agent.Role)},
	}
}

func Fired(agentID, strategy, reason string) Message {
	body := "Your position has been terminated."
	if strategy == "cascade" {
		body = "Your position has been terminated together with your reporting line."
	}
	if reason != "" {
		body += " Reason: " + reason
	}
	return Message{
		Kind:    KindFired,
		Subject: "You have been fired",
		Body:    body,
		Details: domain.Details{"agent_id": domain.String(agentID), "strategy": domain.String(strategy)},
	}
}

func ReportFired(agentID, strategy string, orphans []string) Message {
	var body string
	switch {
	case len(orphans) == 0:
		body = fmt.Sprintf("%s has been fired.", agentID)
	case strategy == "cascade":
		body = fmt.Sprintf("%s has been fired along with %d subordinate(s): %s.", agentID, len(orphans), strings.Join(orphans, ", "))
	default:
		body = fmt.Sprintf("%s has been fired. %d subordinate(s) now report to you: %s.", agentID, len(orphans), strings.Join(orphans, ", "))
	}
	return Message{
		Kind:    KindReportFired,
		Subject: fmt.Sprintf("Report fired: %s", agentID),
		Body:    body,
		Details: domain.Details{"agent_id": domain.String(agentID), "strategy": domain.String(strategy), "orphans": domain.Strings(orphans)},
	}
}

// ManagerFired tells a former subordinate where it now sits. newManager is empty when
// the subordinate became a root agent.
func ManagerFired(firedID, strategy, newManager string) Message {
	body := fmt.Sprintf("Your manager %s has been fired. You now report to %s.", firedID, newManager)
	switch {
	case strategy == "cascade":
		body = fmt.Sprintf("Your manager %s has been fired and the termination cascades to you.", firedID)
	case newManager == "":
		body = fmt.Sprintf("Your manager %s has been fired. You are now a root agent.", firedID)
	case strategy == "promote":
		body = fmt.Sprintf("Your manager %s has been fired. You have been promoted to report to %s.", firedID, newManager)
	}
	return Message{
		Kind:    KindManagerFired,
		Subject: fmt.Sprintf("Manager %s fired", firedID),
		Body:    body,
		Details: domain.Details{"fired_id": domain.String(firedID), "strategy": domain.String(strategy), "new_manager_id": domain.String(newManager)},
	}
}

func Paused(agentID string, blocked int) Message {
	return Message{
		Kind:    KindPaused,
		Subject: "You have been paused",
		Body:    fmt.Sprintf("Your work is paused; %d task(s) are blocked until you are resumed.", blocked),
		Details: domain.Details{"agent_id": domain.String(agentID), "blocked_tasks": domain.Int(blocked)},
	}
}

func ReportPaused(agentID string, blocked int) Message {
	return Message{
		Kind:    KindReportPaused,
		Subject: fmt.Sprintf("Report paused: %s", agentID),
		Body:    fmt.Sprintf("%s has been paused with %d blocked task(s).", agentID, blocked),
		Details: domain.Details{"agent_id": domain.String(agentID), "blocked_tasks": domain.Int(blocked)},
	}
}

func Resumed(agentID string, unblocked int) Message {
	return Message{
		Kind:    KindResumed,
		Subject: "You have been resumed",
		Body:    fmt.Sprintf("You are active again; %d task(s) were released.", unblocked),
		Details: domain.Details{"agent_id": domain.String(agentID), "unblocked_tasks": domain.Int(unblocked)},
	}
}

func ReportResumed(agentID string, unblocked int) Message {
	return Message{
		Kind:    KindReportResumed,
		Subject: fmt.Sprintf("Report resumed: %s", agentID),
		Body:    fmt.Sprintf("%s is active again; %d task(s) were released.", agentID, unblocked),
		Details: domain.Details{"agent_id": domain.String(agentID), "unblocked_tasks": domain.Int(unblocked)},
	}
}

// Deadlock is the single combined alert an agent gets for one cycle, however many of
// the cycle's tasks it owns.
func Deadlock(threadID string, cycle, owned []string) Message {
	path := append([]string(nil), cycle...)
	if len(cycle) > 0 {
		path = append(path, cycle[0])
	}
	return Message{
		Kind:     KindDeadlock,
		Subject:  fmt.Sprintf("Deadlock detected across %d tasks", len(cycle)),
		Body:     fmt.Sprintf("Tasks wait on each other in a cycle: %s. You own %s.", strings.Join(path, " -> "), strings.Join(owned, ", ")),
		ThreadID: threadID,
		Details:  domain.Details{"cycle": domain.Strings(cycle), "owned_tasks": domain.Strings(owned)},
	}
}
