// Package server exposes the ticket repository over HTTP for
// error-capture collaborators and remote workers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"actifix/internal/domain"
	"actifix/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Repo          repo.Repo
	BasePath      string
	Auth          AuthConfig
	LeaseDuration time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lock_held"`
	Message string         `json:"message" example:"ticket is locked by another agent"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Actifix API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.LeaseDuration <= 0 {
		return nil, errors.New("lease duration required")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request; 422 is
			// reserved for the completion quality gate.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Actifix API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTickets(group, cfg)
	registerDispatch(group, cfg)
	registerOps(group, cfg)
	registerOpenAPI(router, api, basePath)

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
	var fle *repo.FieldLengthError
	if errors.As(err, &fle) {
		return newAPIError(http.StatusBadRequest, "field_too_long", err.Error(), map[string]any{
			"field": fle.Field,
			"limit": fle.Limit,
			"got":   fle.Got,
		})
	}
	var cqe *repo.CompletionQualityError
	if errors.As(err, &cqe) {
		return newAPIError(http.StatusUnprocessableEntity, "completion_quality", err.Error(), map[string]any{
			"field": cqe.Field,
			"min":   cqe.Min,
		})
	}
	if errors.Is(err, repo.ErrOpenTicketLimit) {
		return newAPIError(http.StatusConflict, "open_ticket_limit", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "out of range"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerTickets(api huma.API, cfg Config) {
	r := cfg.Repo

	huma.Register(api, huma.Operation{
		OperationID:   "report-error",
		Method:        http.MethodPost,
		Path:          "/tickets",
		Summary:       "Report an error",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ReportRequest `json:"body"`
	}) (*struct {
		Status int
		Body   ReportResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Message) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "message is required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t := domain.Ticket{
			Message:     input.Body.Message,
			Source:      input.Body.Source,
			ErrorType:   input.Body.ErrorType,
			Priority:    domain.PriorityP2,
			StackTrace:  input.Body.StackTrace,
			FileContext: input.Body.FileContext,
			SystemState: input.Body.SystemState,
		}
		if t.Source == "" {
			t.Source = agentID
		}
		if input.Body.Priority != nil {
			t.Priority = *input.Body.Priority
		}
		created, err := r.Create(ctx, &t)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Status int
			Body   ReportResponse `json:"body"`
		}{Status: http.StatusCreated, Body: ReportResponse{Created: created}}
		if created {
			resp.Body.Ticket = &t
		} else {
			// Duplicate suppressed. The report itself succeeded, so this is
			// 200, not an error.
			resp.Status = http.StatusOK
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "List tickets",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"open,in_progress,completed,deleted,quarantined,"`
		Priority string `query:"priority"`
		Source   string `query:"source"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedTickets `json:"body"`
	}, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filters := repo.Filters{
			Status:          input.Status,
			Source:          input.Source,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		if input.Priority != "" {
			var p int
			if _, err := fmt.Sscanf(input.Priority, "%d", &p); err != nil || !domain.ValidPriority(p) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid priority", map[string]any{"priority": input.Priority})
			}
			filters.Priority = &p
		}
		tickets, err := r.List(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTickets{Items: []domain.Ticket{}}
		if len(tickets) > limit {
			tickets = tickets[:limit]
			// The cursor names the last row served; the next page starts
			// strictly after it.
			last := tickets[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = tickets
		return &struct {
			Body paginatedTickets `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{id}",
		Summary:     "Get ticket",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := r.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/complete",
		Summary:     "Complete ticket",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CompleteRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		done, err := r.MarkComplete(ctx, input.ID, domain.CompletionReport{
			Summary:     input.Body.Summary,
			TestSteps:   input.Body.TestSteps,
			TestResults: input.Body.TestResults,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if !done {
			if _, gerr := r.Get(ctx, input.ID); errors.Is(gerr, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "ticket not found", nil)
			}
			return nil, newAPIError(http.StatusConflict, "not_completable", "ticket is not open or in progress", nil)
		}
		t, err := r.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-ticket",
		Method:      http.MethodDelete,
		Path:        "/tickets/{id}",
		Summary:     "Delete ticket",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Hard bool   `query:"hard"`
	}) (*struct{}, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		done, err := r.Delete(ctx, input.ID, !input.Hard)
		if err != nil {
			return nil, handleError(err)
		}
		if !done {
			return nil, newAPIError(http.StatusNotFound, "not_found", "ticket not found", nil)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "quarantine-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/quarantine",
		Summary:     "Quarantine ticket",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body QuarantineRequest `json:"body"`
	}) (*struct {
		Body domain.Ticket `json:"body"`
	}, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		reason := strings.TrimSpace(input.Body.Reason)
		if reason == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		done, err := r.Quarantine(ctx, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		if !done {
			if _, gerr := r.Get(ctx, input.ID); errors.Is(gerr, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "ticket not found", nil)
			}
			return nil, newAPIError(http.StatusConflict, "not_quarantinable", "ticket is not open or in progress", nil)
		}
		t, err := r.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Ticket `json:"body"`
		}{Body: t}, nil
	})
}

func registerDispatch(api huma.API, cfg Config) {
	r := cfg.Repo

	huma.Register(api, huma.Operation{
		OperationID: "next-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/next",
		Summary:     "Claim the next ticket",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		LeaseSeconds int `query:"lease_seconds"`
	}) (*struct {
		Body NextResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lease := cfg.LeaseDuration
		if input.LeaseSeconds > 0 {
			lease = time.Duration(input.LeaseSeconds) * time.Second
		}
		t, err := r.GetAndLockNext(ctx, agentID, lease)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NextResponse `json:"body"`
		}{Body: NextResponse{Ticket: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/claim",
		Summary:     "Claim a specific ticket",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID           string `path:"id"`
		LeaseSeconds int    `query:"lease_seconds"`
	}) (*struct {
		Body domain.LockInfo `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lease := cfg.LeaseDuration
		if input.LeaseSeconds > 0 {
			lease = time.Duration(input.LeaseSeconds) * time.Second
		}
		info, err := r.AcquireLock(ctx, input.ID, agentID, lease)
		if err != nil {
			return nil, handleError(err)
		}
		if info == nil {
			if _, gerr := r.Get(ctx, input.ID); errors.Is(gerr, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "ticket not found", nil)
			}
			return nil, newAPIError(http.StatusConflict, "lock_held", "ticket is locked by another agent", nil)
		}
		return &struct {
			Body domain.LockInfo `json:"body"`
		}{Body: *info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "renew-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/renew",
		Summary:     "Renew a held lease",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID           string `path:"id"`
		LeaseSeconds int    `query:"lease_seconds"`
	}) (*struct {
		Body domain.LockInfo `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lease := cfg.LeaseDuration
		if input.LeaseSeconds > 0 {
			lease = time.Duration(input.LeaseSeconds) * time.Second
		}
		info, err := r.RenewLock(ctx, input.ID, agentID, lease)
		if err != nil {
			return nil, handleError(err)
		}
		if info == nil {
			return nil, newAPIError(http.StatusConflict, "lock_not_held", "lease is not held by this agent", nil)
		}
		return &struct {
			Body domain.LockInfo `json:"body"`
		}{Body: *info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-ticket",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/release",
		Summary:     "Release a held lease",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		released, err := r.ReleaseLock(ctx, input.ID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		if !released {
			return nil, newAPIError(http.StatusConflict, "lock_not_held", "lease is not held by this agent", nil)
		}
		return &struct{}{}, nil
	})
}

func registerOps(api huma.API, cfg Config) {
	r := cfg.Repo

	huma.Register(api, huma.Operation{
		OperationID: "cleanup-leases",
		Method:      http.MethodPost,
		Path:        "/cleanup",
		Summary:     "Reclaim expired leases",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CleanupResponse `json:"body"`
	}, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		n, err := r.CleanupExpiredLocks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CleanupResponse `json:"body"`
		}{Body: CleanupResponse{Reclaimed: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Ticket counts by status",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := r.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent audit events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit    int    `query:"limit" default:"50"`
		TicketID string `query:"ticket_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := agentIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		events, err := r.LatestEvents(ctx, normalizeLimit(input.Limit), input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, req *http.Request) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Actifix API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
