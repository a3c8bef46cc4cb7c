package server

import (
	"orgline/internal/domain"
	"orgline/internal/hierarchy"
)

// Request payloads

type CreateAgentRequest struct {
	AgentID     string              `json:"agent_id"`
	Role        string              `json:"role"`
	ManagerID   *string             `json:"manager_id,omitempty" doc:"omit to create a root agent"`
	DisplayName string              `json:"display_name,omitempty"`
	Permissions *domain.Permissions `json:"permissions,omitempty" doc:"overrides the role defaults"`
}

type FireAgentRequest struct {
	Strategy string `json:"strategy,omitempty" enum:"reassign,promote,cascade"`
	Reason   string `json:"reason,omitempty"`
}

type CreateTaskRequest struct {
	ID        *string  `json:"id,omitempty"`
	AgentID   string   `json:"agent_id"`
	ParentID  *string  `json:"parent_task_id,omitempty"`
	Title     string   `json:"title"`
	BlockedBy []string `json:"blocked_by,omitempty"`
}

type BlockerRequest struct {
	Token  string `json:"token"`
	Remove bool   `json:"remove,omitempty"`
}

type ScanRequest struct {
	Force bool `json:"force,omitempty" doc:"notify agents that opted out of deadlock alerts"`
}

// Responses

type ValidationErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

type HireCheckResponse struct {
	Valid    bool                      `json:"valid"`
	Errors   []ValidationErrorResponse `json:"errors"`
	Warnings []ValidationErrorResponse `json:"warnings"`
}

type CreateAgentResponse struct {
	Agent    domain.Agent              `json:"agent"`
	Warnings []ValidationErrorResponse `json:"warnings,omitempty"`
	Errors   []domain.ItemError        `json:"errors,omitempty"`
}

type MessageResponse struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Kind      string         `json:"kind"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	ReadAt    *string        `json:"read_at,omitempty" format:"date-time"`
}

type AuditEntryResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Action   string         `json:"action"`
	ActorID  string         `json:"actor_id"`
	TargetID string         `json:"target_id,omitempty"`
	Success  bool           `json:"success"`
	Details  map[string]any `json:"details,omitempty"`
}

type paginatedAudit struct {
	Items      []AuditEntryResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func detailsMap(d domain.Details) map[string]any {
	if len(d) == 0 {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		switch v.Kind() {
		case domain.KindInt:
			out[k] = v.Int()
		case domain.KindBool:
			out[k] = v.Bool()
		case domain.KindList:
			out[k] = v.List()
		default:
			out[k] = v.Text()
		}
	}
	return out
}

func validationErrors(items []hierarchy.ValidationError) []ValidationErrorResponse {
	out := make([]ValidationErrorResponse, 0, len(items))
	for _, e := range items {
		out = append(out, ValidationErrorResponse{Code: string(e.Code), Message: e.Message, Context: detailsMap(e.Context)})
	}
	return out
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		AgentID:   m.AgentID,
		Kind:      m.Kind,
		Subject:   m.Subject,
		Body:      m.Body,
		ThreadID:  m.ThreadID,
		Details:   detailsMap(m.Details),
		CreatedAt: m.CreatedAt,
		ReadAt:    m.ReadAt,
	}
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:       e.ID,
		TS:       e.TS,
		Action:   e.Action,
		ActorID:  e.ActorID,
		TargetID: e.TargetID,
		Success:  e.Success,
		Details:  detailsMap(e.Details),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
