package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orgline/internal/config"
	"orgline/internal/domain"
	"orgline/internal/repo"
)

type Store interface {
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	AgentExists(ctx context.Context, id string) (bool, error)
	CountSubordinates(ctx context.Context, managerID string) (int, error)
	CountAudit(ctx context.Context, f repo.AuditFilter) (int, error)
}

// Validator decides whether a manager may hire a new agent. It never mutates the store.
type Validator struct {
	Store  Store
	Config *config.Live
	Now    func() time.Time
}

func (v Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v Validator) cfg() *config.Config {
	if v.Config == nil {
		return nil
	}
	return v.Config.Get()
}

// ValidateHire runs the hire checks in order. Missing/inactive manager, missing hire
// permission and self-hire return immediately; the remaining checks accumulate.
// The error return is reserved for store failures.
func (v Validator) ValidateHire(ctx context.Context, managerID, newAgentID string) (Result, error) {
	var res Result
	ids := domain.Details{"manager_id": domain.String(managerID), "new_agent_id": domain.String(newAgentID)}

	if managerID == newAgentID {
		res.Errors = append(res.Errors, ValidationError{
			Code:    CodeSelfHireForbidden,
			Message: fmt.Sprintf("agent %s cannot hire itself", managerID),
			Context: ids,
		})
		return res, nil
	}

	manager, err := v.Store.GetAgent(ctx, managerID)
	if errors.Is(err, repo.ErrNotFound) {
		res.Errors = append(res.Errors, ValidationError{
			Code:    CodeManagerNotFound,
			Message: fmt.Sprintf("manager %s does not exist", managerID),
			Context: ids,
		})
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load manager %s: %w", managerID, err)
	}
	if manager.Status != domain.AgentActive {
		res.Errors = append(res.Errors, ValidationError{
			Code:    CodeManagerNotActive,
			Message: fmt.Sprintf("manager %s is %s", managerID, manager.Status),
			Context: ids.Merge(domain.Details{"status": domain.String(string(manager.Status))}),
		})
		return res, nil
	}
	if !manager.Permissions.CanHire {
		res.Errors = append(res.Errors, ValidationError{
			Code:    CodeNoHirePermission,
			Message: fmt.Sprintf("manager %s is not allowed to hire", managerID),
			Context: ids.Merge(domain.Details{"role": domain.String(manager.Role)}),
		})
		return res, nil
	}

	exists, err := v.Store.AgentExists(ctx, newAgentID)
	if err != nil {
		return res, fmt.Errorf("check agent %s: %w", newAgentID, err)
	}
	if exists {
		res.Errors = append(res.Errors, ValidationError{
			Code:    CodeAgentAlreadyExists,
			Message: fmt.Sprintf("agent %s already exists", newAgentID),
			Context: ids,
		})
	}

	if cycleErr, err := v.checkChain(ctx, manager, newAgentID); err != nil {
		return res, err
	} else if cycleErr != nil {
		res.Errors = append(res.Errors, *cycleErr)
	}

	count, err := v.Store.CountSubordinates(ctx, managerID)
	if err != nil {
		return res, fmt.Errorf("count subordinates of %s: %w", managerID, err)
	}
	perms := manager.Permissions
	if count >= perms.MaxSubordinates {
		res.Errors = append(res.Errors, ValidationError{
			Code:    CodeMaxSubordinatesExceeded,
			Message: fmt.Sprintf("manager %s has %d of %d subordinates", managerID, count, perms.MaxSubordinates),
			Context: ids.Merge(domain.Details{"current": domain.Int(count), "max_subordinates": domain.Int(perms.MaxSubordinates)}),
		})
	}
	if count >= perms.HiringBudget {
		res.Errors = append(res.Errors, ValidationError{
			Code:    CodeHiringBudgetExceeded,
			Message: fmt.Sprintf("manager %s has used %d of a hiring budget of %d", managerID, count, perms.HiringBudget),
			Context: ids.Merge(domain.Details{"current": domain.Int(count), "hiring_budget": domain.Int(perms.HiringBudget)}),
		})
	}

	cfg := v.cfg()
	window := cfg.RateWindow()
	since := v.now().Add(-window).UTC().Format(time.RFC3339)
	hires, err := v.Store.CountAudit(ctx, repo.AuditFilter{ActorID: managerID, Action: domain.ActionHire, Since: since, SuccessOnly: true})
	if err != nil {
		return res, fmt.Errorf("count recent hires of %s: %w", managerID, err)
	}
	if limit := cfg.RateLimit(); hires >= limit {
		res.Errors = append(res.Errors, ValidationError{
			Code:    CodeRateLimitExceeded,
			Message: fmt.Sprintf("manager %s made %d hires in the last %s (limit %d)", managerID, hires, window, limit),
			Context: ids.Merge(domain.Details{"recent_hires": domain.Int(hires), "limit": domain.Int(limit), "window": domain.String(window.String())}),
		})
	}

	if perms.CanHire && perms.MaxSubordinates == 0 {
		res.Warnings = append(res.Warnings, ValidationError{
			Code:    CodeInconsistentPermissions,
			Message: fmt.Sprintf("manager %s can hire but has max_subordinates 0", managerID),
			Context: ids,
		})
	}

	res.Valid = len(res.Errors) == 0
	return res, nil
}

// checkChain walks reporting_to upward from the manager. The walk is bounded by the
// configured chain depth and by a visited set, so corrupt data cannot loop forever;
// hitting either bound is reported as a cycle.
func (v Validator) checkChain(ctx context.Context, manager domain.Agent, newAgentID string) (*ValidationError, error) {
	maxDepth := v.cfg().MaxChainDepth()
	visited := map[string]bool{}
	var chain []string
	cur := manager
	for depth := 0; ; depth++ {
		chain = append(chain, cur.ID)
		reason := ""
		switch {
		case cur.ID == newAgentID:
			reason = fmt.Sprintf("%s is already above manager %s", newAgentID, manager.ID)
		case visited[cur.ID]:
			reason = fmt.Sprintf("reporting chain above %s revisits %s", manager.ID, cur.ID)
		case depth >= maxDepth:
			reason = fmt.Sprintf("reporting chain above %s exceeds %d levels", manager.ID, maxDepth)
		}
		if reason != "" {
			return &ValidationError{
				Code:    CodeCircularReporting,
				Message: reason,
				Context: domain.Details{
					"manager_id":   domain.String(manager.ID),
					"new_agent_id": domain.String(newAgentID),
					"chain":        domain.Strings(chain),
					"depth":        domain.Int(depth),
				},
			}, nil
		}
		visited[cur.ID] = true
		if cur.ReportingTo == nil {
			return nil, nil
		}
		next, err := v.Store.GetAgent(ctx, *cur.ReportingTo)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("walk reporting chain at %s: %w", *cur.ReportingTo, err)
		}
		cur = next
	}
}

// ValidateHireStrict is ValidateHire that returns an *AggregateError for rejected hires.
func (v Validator) ValidateHireStrict(ctx context.Context, managerID, newAgentID string) (Result, error) {
	res, err := v.ValidateHire(ctx, managerID, newAgentID)
	if err != nil {
		return res, err
	}
	if !res.Valid {
		return res, &AggregateError{ManagerID: managerID, NewAgentID: newAgentID, Errors: res.Errors, Warnings: res.Warnings}
	}
	return res, nil
}
