package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"orgline/internal/app"
	"orgline/internal/deadlock"
	"orgline/internal/domain"
	"orgline/internal/engine"
	"orgline/internal/hierarchy"
	"orgline/internal/lifecycle"
	"orgline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Services app.Services
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_fired"`
	Message string         `json:"message" example:"fire cto: already_fired"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func respond[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the orgline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Services.DB == nil {
		return nil, errors.New("server: services not initialized")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema failures are bad input, not rejected hires
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Services.Repo))
	hcfg := huma.DefaultConfig("orgline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAgents(group, cfg.Services)
	registerTasks(group, cfg.Services)
	registerDeadlocks(group, cfg.Services)
	registerAudit(group, cfg.Services)
	if err := registerOpenAPI(router, api, basePath); err != nil {
		return nil, err
	}
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var agg *hierarchy.AggregateError
	if errors.As(err, &agg) {
		return newAPIError(http.StatusUnprocessableEntity, "hire_rejected", msg, map[string]any{
			"errors":   validationErrors(agg.Errors),
			"warnings": validationErrors(agg.Warnings),
		})
	}
	var opErr *lifecycle.OperationError
	if errors.As(err, &opErr) {
		switch opErr.Kind {
		case lifecycle.KindNotFound:
			return newAPIError(http.StatusNotFound, "not_found", msg, map[string]any{"agent_id": opErr.AgentID})
		case lifecycle.KindAlreadyExists, lifecycle.KindAlreadyFired, lifecycle.KindAlreadyPaused, lifecycle.KindNotPaused:
			return newAPIError(http.StatusConflict, string(opErr.Kind), msg, map[string]any{"agent_id": opErr.AgentID})
		case lifecycle.KindInvalid:
			return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
		case lifecycle.KindStep:
			return newAPIError(http.StatusInternalServerError, "step_failed", msg, map[string]any{"op": string(opErr.Op)})
		}
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, repo.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrOwnerFired):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrTooDeep):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	}
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "cannot") || strings.Contains(lowered, "not blocked by") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

const docsPage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"/><title>orgline API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/></head>
<body><div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui'});</script>
</body>
</html>`

func registerDocs(r chi.Router, basePath string) {
	page := fmt.Sprintf(docsPage, path.Join(basePath, "openapi.json"))
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, page)
	})
}

// registerOpenAPI renders the document once, so it must run after the last operation
// is registered.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) error {
	oas := api.OpenAPI()
	decorateOperations(oas, basePath)
	spec, err := json.Marshal(oas)
	if err != nil {
		return fmt.Errorf("server: render openapi: %w", err)
	}
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	return nil
}

// decorateOperations documents the error envelope and the accepted credentials on
// every operation. Health stays unauthenticated.
func decorateOperations(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security

	apiError := &huma.Response{
		Description: "Error",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "")},
		},
	}
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = apiError
			if route == healthPath {
				op.Security = []map[string][]string{}
			} else {
				op.Security = security
			}
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

type agentPath struct {
	AgentID string `path:"agent_id"`
}

func registerAgents(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*output[[]domain.Agent], error) {
		items, err := s.Repo.ListAgents(ctx, domain.AgentStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Hire an agent, or create a root agent when manager_id is omitted",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest
	}) (*output[CreateAgentResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req := input.Body
		if req.ManagerID == nil || strings.TrimSpace(*req.ManagerID) == "" {
			agent, err := s.Orchestrator.CreateRoot(ctx, lifecycle.CreateRootRequest{
				AgentID: req.AgentID, Role: req.Role, DisplayName: req.DisplayName, Permissions: req.Permissions, ActorID: actorID,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return respond(CreateAgentResponse{Agent: agent}), nil
		}
		res, err := s.Orchestrator.Hire(ctx, lifecycle.HireRequest{
			ManagerID: *req.ManagerID, AgentID: req.AgentID, Role: req.Role, DisplayName: req.DisplayName, Permissions: req.Permissions, ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := CreateAgentResponse{Agent: res.Agent, Errors: res.Errors}
		if len(res.Warnings) > 0 {
			out.Warnings = validationErrors(res.Warnings)
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*output[domain.Agent], error) {
		a, err := s.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hire-check",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/hire-check",
		Summary:     "Validate a prospective hire by this manager without performing it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID    string `path:"agent_id"`
		NewAgentID string `query:"new_agent_id"`
	}) (*output[HireCheckResponse], error) {
		if strings.TrimSpace(input.NewAgentID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "new_agent_id is required", nil)
		}
		res, err := s.Validator.ValidateHire(ctx, input.AgentID, input.NewAgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(HireCheckResponse{
			Valid:    res.Valid,
			Errors:   validationErrors(res.Errors),
			Warnings: validationErrors(res.Warnings),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fire-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/fire",
		Summary:     "Fire an agent and handle its subordinates",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string           `path:"agent_id"`
		Body    FireAgentRequest `required:"false"`
	}) (*output[lifecycle.FireResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		strategy, err := lifecycle.ParseStrategy(input.Body.Strategy)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "strategy"})
		}
		res, err := s.Orchestrator.Fire(ctx, lifecycle.FireRequest{AgentID: input.AgentID, Strategy: strategy, ActorID: actorID, Reason: input.Body.Reason})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/pause",
		Summary:     "Pause an agent and block its active tasks",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *agentPath) (*output[lifecycle.PauseResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.Orchestrator.Pause(ctx, input.AgentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/resume",
		Summary:     "Resume a paused agent",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *agentPath) (*output[lifecycle.ResumeResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.Orchestrator.Resume(ctx, input.AgentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-inbox",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/inbox",
		Summary:     "List an agent's messages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Unread  bool   `query:"unread"`
	}) (*output[[]MessageResponse], error) {
		if _, err := s.Repo.GetAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		msgs, err := s.Inbox.List(ctx, input.AgentID, input.Unread)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]MessageResponse, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, messageResponse(m))
		}
		return respond(out), nil
	})
}

func registerTasks(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit" default:"50"`
	}) (*output[[]domain.Task], error) {
		f := repo.TaskFilter{AgentID: input.AgentID, Limit: normalizeLimit(input.Limit)}
		if input.Status != "" {
			f.Statuses = []domain.TaskStatus{domain.TaskStatus(input.Status)}
		}
		items, err := s.Repo.ListTasks(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest
	}) (*output[domain.Task], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			AgentID:   input.Body.AgentID,
			Title:     input.Body.Title,
			BlockedBy: input.Body.BlockedBy,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ParentID != nil {
			opts.ParentID = *input.Body.ParentID
		}
		t, err := s.Tasks.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete a task and release the tasks waiting on it",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*output[engine.CompleteResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.Tasks.CompleteTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-blockers",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/blockers",
		Summary:     "Add or remove a blocker",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   BlockerRequest
	}) (*output[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var (
			t   domain.Task
			err error
		)
		if input.Body.Remove {
			t, err = s.Tasks.RemoveBlocker(ctx, input.TaskID, input.Body.Token, actorID)
		} else {
			t, err = s.Tasks.AddBlocker(ctx, input.TaskID, input.Body.Token, actorID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})
}

func registerDeadlocks(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "scan-deadlocks",
		Method:      http.MethodPost,
		Path:        "/deadlocks/scan",
		Summary:     "Scan blocked tasks for cycles and alert their owners",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ScanRequest `required:"false"`
	}) (*output[deadlock.ScanResult], error) {
		m := s.Monitor
		m.Force = input.Body.Force
		res, err := m.Scan(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})
}

func registerAudit(api huma.API, s app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ActorID  string `query:"actor_id"`
		TargetID string `query:"target_id"`
		Action   string `query:"action"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*output[paginatedAudit], error) {
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := s.Repo.ListAudit(ctx, repo.AuditFilter{
			ActorID: input.ActorID, TargetID: input.TargetID, Action: input.Action, AfterID: after, Limit: limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []AuditEntryResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, e := range items {
			resp.Items = append(resp.Items, auditEntryResponse(e))
		}
		return respond(resp), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
