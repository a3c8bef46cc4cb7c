package hierarchy

import (
	"fmt"
	"strings"

	"orgline/internal/domain"
)

type Code string

const (
	CodeManagerNotFound         Code = "MANAGER_NOT_FOUND"
	CodeManagerNotActive        Code = "MANAGER_NOT_ACTIVE"
	CodeNoHirePermission        Code = "NO_HIRE_PERMISSION"
	CodeAgentAlreadyExists      Code = "AGENT_ALREADY_EXISTS"
	CodeSelfHireForbidden       Code = "SELF_HIRE_FORBIDDEN"
	CodeCircularReporting       Code = "CIRCULAR_REPORTING_DETECTED"
	CodeMaxSubordinatesExceeded Code = "MAX_SUBORDINATES_EXCEEDED"
	CodeHiringBudgetExceeded    Code = "HIRING_BUDGET_EXCEEDED"
	CodeRateLimitExceeded       Code = "RATE_LIMIT_EXCEEDED"
	CodeInconsistentPermissions Code = "INCONSISTENT_PERMISSIONS"
)

type ValidationError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Context domain.Details `json:"context,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Result struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
}

// Has reports whether any error in the result carries code.
func (r Result) Has(code Code) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// AggregateError is returned by ValidateHireStrict when a hire is rejected.
type AggregateError struct {
	ManagerID  string
	NewAgentID string
	Errors     []ValidationError
	Warnings   []ValidationError
}

func (e *AggregateError) Error() string {
	codes := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		codes[i] = string(v.Code)
	}
	return fmt.Sprintf("hire of %s by %s rejected: %s", e.NewAgentID, e.ManagerID, strings.Join(codes, ", "))
}

func (e *AggregateError) Has(code Code) bool {
	return Result{Errors: e.Errors}.Has(code)
}
