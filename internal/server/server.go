package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cadence/internal/domain"
	"cadence/internal/engine"
	"cadence/internal/engine/auth"
	"cadence/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// OrgID scopes list endpoints when the caller's token names no org.
	OrgID    string
	BasePath string
	Auth     AuthConfig
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_resolved"`
	Message string         `json:"message" example:"reschedule_request 4b1c was modified concurrently"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"id\":\"4b1c\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the cadence API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Cadence API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	h := handlers{e: cfg.Engine, orgID: cfg.OrgID}
	registerDocs(router, basePath)
	registerHealth(group)
	registerTemplates(group, h)
	registerTasks(group, h)
	registerRequests(group, h)
	registerSweep(group, h)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	e     engine.Engine
	orgID string
}

// org is the organization a request acts in: the token's org claim, else the
// server default.
func (h handlers) org(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok && p.OrgID != "" {
		return p.OrgID
	}
	return h.orgID
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
	var (
		fe       auth.ForbiddenError
		nf       engine.NotFoundError
		invalid  engine.InvalidStateError
		verr     engine.ValidationError
		conflict engine.ConcurrencyConflict
	)
	switch {
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	case errors.As(err, &nf):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &verr):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": verr.Field, "reason": verr.Reason})
	case errors.As(err, &conflict):
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), map[string]any{"kind": conflict.Kind, "id": conflict.ID})
	case errors.As(err, &invalid):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"kind": invalid.Kind, "id": invalid.ID, "state": invalid.State})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Cadence API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; (see cadence token).
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type idPath struct {
	ID string `path:"id"`
}

type templateOutput struct {
	Body domain.RecurringTemplate `json:"body"`
}

type taskOutput struct {
	Body domain.Task `json:"body"`
}

type requestOutput struct {
	Body domain.RescheduleRequest `json:"body"`
}

func registerTemplates(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create recurring template and its first instance",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body TemplateCreatedResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		tmpl, first, err := h.e.CreateTemplate(ctx, engine.CreateTemplateOptions{
			OrgID:               h.org(ctx),
			Title:               b.Title,
			Description:         b.Description,
			Priority:            b.Priority,
			AssigneeID:          b.AssigneeID,
			ActorID:             actorID,
			Kind:                b.RecurrenceType,
			Interval:            b.RecurrenceInterval,
			DayOfWeek:           b.DayOfWeek,
			DayOfMonth:          b.DayOfMonth,
			Month:               b.Month,
			StartDate:           b.StartDate,
			EndDate:             b.EndDate,
			UnlockDaysBeforeDue: b.UnlockDaysBeforeDue,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateCreatedResponse `json:"body"`
		}{Body: TemplateCreatedResponse{Template: tmpl, FirstTask: first}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List recurring templates",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TemplateListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListTemplates(ctx, h.org(ctx), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateListResponse `json:"body"`
		}{Body: TemplateListResponse{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get recurring template",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*templateOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.GetTemplate(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateOutput{Body: t}, nil
	})

	transitions := map[string]func(context.Context, string, string) (domain.RecurringTemplate, error){
		"pause":  h.e.Pause,
		"resume": h.e.Resume,
		"end":    h.e.End,
	}
	for name, fn := range transitions {
		huma.Register(api, huma.Operation{
			OperationID: name + "-template",
			Method:      http.MethodPost,
			Path:        "/templates/{id}/" + name,
			Summary:     strings.ToUpper(name[:1]) + name[1:] + " recurring template",
			Errors:      commonErrors,
		}, func(ctx context.Context, input *idPath) (*templateOutput, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			t, err := fn(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &templateOutput{Body: t}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "advance-template",
		Method:      http.MethodPost,
		Path:        "/templates/{id}/advance",
		Summary:     "Generate the next instance of a template",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body AdvanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		next, err := h.e.Advance(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdvanceResponse `json:"body"`
		}{Body: AdvanceResponse{Next: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "template-instances",
		Method:      http.MethodGet,
		Path:        "/templates/{id}/instances",
		Summary:     "List instances of a template, latest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.TemplateHistory(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: emptyIfNil(items)}}, nil
	})
}

func registerTasks(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create one-off task",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.CreateTask(ctx, engine.CreateTaskOptions{
			OrgID:       h.org(ctx),
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			AssigneeID:  input.Body.AssigneeID,
			ActorID:     actorID,
			DueDate:     input.Body.DueDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pending,rescheduling,completed,not_applicable"`
		AssigneeID string `query:"assignee_id"`
		Limit      int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.TaskFilter{OrgID: h.org(ctx), AssigneeID: input.AssigneeID, Limit: input.Limit}
		if input.Status != "" {
			f.Statuses = []string{input.Status}
		}
		items, err := h.e.ListTasks(ctx, f, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "overdue-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/overdue",
		Summary:     "List overdue tasks, most overdue first",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body OverdueListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.OverdueTasks(ctx, h.org(ctx), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OverdueListResponse `json:"body"`
		}{Body: OverdueListResponse{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task with overdue and unlock state",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body engine.TaskView `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := h.e.TaskView(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskView `json:"body"`
		}{Body: v}, nil
	})

	finishers := map[string]func(context.Context, string, string) (engine.TaskResult, error){
		"complete":       h.e.CompleteTask,
		"not-applicable": h.e.MarkNotApplicable,
	}
	for name, fn := range finishers {
		huma.Register(api, huma.Operation{
			OperationID: name + "-task",
			Method:      http.MethodPost,
			Path:        "/tasks/{id}/" + name,
			Summary:     "Mark task " + strings.ReplaceAll(name, "-", " "),
			Errors:      commonErrors,
		}, func(ctx context.Context, input *idPath) (*struct {
			Body engine.TaskResult `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := fn(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body engine.TaskResult `json:"body"`
			}{Body: res}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "set-task-due-date",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/due-date",
		Summary:     "Set task due date",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body SetDueDateRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.SetDueDate(ctx, input.ID, input.Body.DueDate, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/assignee",
		Summary:     "Reassign task",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.Reassign(ctx, input.ID, input.Body.AssigneeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/history",
		Summary:     "Task audit trail, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body HistoryListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.TaskHistory(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryListResponse `json:"body"`
		}{Body: HistoryListResponse{Items: emptyIfNil(items)}}, nil
	})
}

func registerRequests(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-reschedule-request",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/reschedule-requests",
		Summary:       "Ask to move a task's due date",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body CreateRescheduleRequest `json:"body"`
	}) (*requestOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := h.e.CreateRequest(ctx, engine.CreateRequestOptions{
			TaskID:           input.ID,
			RequestedBy:      actorID,
			RequestedDueDate: input.Body.RequestedDueDate,
			ExpiresInDays:    input.Body.ExpiresInDays,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reschedule-requests",
		Method:      http.MethodGet,
		Path:        "/reschedule-requests",
		Summary:     "List reschedule requests, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"pending,approved,rejected"`
		TaskID      string `query:"task_id"`
		RequestedBy string `query:"requested_by"`
		Limit       int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body RequestListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListRequests(ctx, repo.RequestFilter{
			OrgID:       h.org(ctx),
			TaskID:      input.TaskID,
			Status:      input.Status,
			RequestedBy: input.RequestedBy,
			Limit:       input.Limit,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestListResponse `json:"body"`
		}{Body: RequestListResponse{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-reschedule-count",
		Method:      http.MethodGet,
		Path:        "/reschedule-requests/pending-count",
		Summary:     "Number of requests awaiting a decision",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CountResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := h.e.PendingCount(ctx, h.org(ctx), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CountResponse `json:"body"`
		}{Body: CountResponse{Count: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reschedule-request",
		Method:      http.MethodGet,
		Path:        "/reschedule-requests/{id}",
		Summary:     "Get reschedule request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*requestOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := h.e.GetRequest(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-reschedule-request",
		Method:      http.MethodPost,
		Path:        "/reschedule-requests/{id}/approve",
		Summary:     "Approve reschedule request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *idPath) (*requestOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := h.e.ApproveRequest(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-reschedule-request",
		Method:      http.MethodPost,
		Path:        "/reschedule-requests/{id}/reject",
		Summary:     "Reject reschedule request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *RejectRequest `json:"body,omitempty" required:"false"`
	}) (*requestOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		req, err := h.e.RejectRequest(ctx, input.ID, actorID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})
}

func registerSweep(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Auto-approve the organization's expired reschedule requests now",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SweepResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.SweepOrg(ctx, h.org(ctx), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepResult `json:"body"`
		}{Body: res}, nil
	})
}
