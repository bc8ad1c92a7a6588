package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"hsetrack/internal/config"
	"hsetrack/internal/domain"
	"hsetrack/internal/engine"
	"hsetrack/internal/engine/auth"
	"hsetrack/internal/history"
	"hsetrack/internal/repo"
	"hsetrack/internal/summary"
	"hsetrack/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Tracker  tracker.Tracker
	Summary  summary.Summary
	History  history.Log
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot transition from closed to approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"closed\"}"`
}

// apiError models the error envelope every endpoint emits.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the observation API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	initMetrics()
	router := chi.NewRouter()
	router.Use(instrument)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Method(http.MethodGet, "/metrics", metricsHandler())
	hcfg := huma.DefaultConfig("HSE Track API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerObservations(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerActions(group, cfg.Engine, cfg.Tracker)
	registerHistory(group, cfg.Engine, cfg.History)
	registerSummary(group, cfg.Summary)
	registerOrgs(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"operation": string(fe.Operation), "role": string(fe.Role)})
	}
	var oe engine.OwnershipError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusForbidden, "not_reporter", err.Error(), map[string]any{"observation_id": oe.ObservationID})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"expected": string(ce.Expected), "actual": string(ce.Actual)})
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{"from": string(te.From), "to": string(te.To)})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if ve.Field != "" {
			details["field"] = ve.Field
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
		return "invalid_transition"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireAdmin(ctx context.Context) (Principal, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if principal.Role != domain.RoleAdmin {
		return Principal{}, newAPIError(http.StatusForbidden, "forbidden", "admin role required", map[string]any{"role": string(principal.Role)})
	}
	return principal, nil
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
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>HSE Track API Docs</title>
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

func registerObservations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-observation",
		Method:        http.MethodPost,
		Path:          "/observations",
		Summary:       "Create observation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateObservationRequest `json:"body"`
	}) (*struct {
		Body ObservationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateOptions{
			Reporter:  principal.actorContext(),
			Type:      domain.ObservationType(input.Body.Type),
			Category:  input.Body.Category,
			RiskLevel: domain.RiskLevel(input.Body.RiskLevel),
			Submit:    input.Body.Submit,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Location != nil {
			opts.Location = *input.Body.Location
		}
		if input.Body.ImageRef != nil {
			opts.ImageRef = *input.Body.ImageRef
		}
		o, err := e.CreateObservation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Submit {
			recordTransition(string(domain.StatusDraft), string(domain.StatusSubmitted))
		}
		return &struct {
			Body ObservationResponse `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-observations",
		Method:      http.MethodGet,
		Path:        "/observations",
		Summary:     "List observations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:",draft,submitted,in_review,approved,action_assigned,closed,rejected"`
		ReporterID string `query:"reporter_id"`
		Mine       bool   `query:"mine" doc:"Include the caller's own drafts"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedObservations `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.ObservationFilters{
			OrgID:           principal.OrgID,
			Status:          domain.Status(input.Status),
			ReporterID:      input.ReporterID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		if input.Mine {
			filter.DraftsOwnedBy = principal.ActorID
		}
		items, err := e.Repo.ListObservations(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedObservations{Items: []ObservationResponse{}}
		if len(items) > limit {
			items = items[:limit]
			// cursor is the last returned row; the clause is exclusive
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapObservations(items)
		return &struct {
			Body paginatedObservations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-observation",
		Method:      http.MethodGet,
		Path:        "/observations/{observation_id}",
		Summary:     "Get observation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ObservationID string `path:"observation_id"`
	}) (*struct {
		Body ObservationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.Repo.GetObservation(ctx, input.ObservationID)
		if err != nil {
			return nil, handleError(err)
		}
		if o.OrganizationID != principal.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		// drafts stay private to their reporter
		if o.IsDraft && o.ReporterID != principal.ActorID {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body ObservationResponse `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-draft",
		Method:      http.MethodPatch,
		Path:        "/observations/{observation_id}",
		Summary:     "Edit draft observation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ObservationID string           `path:"observation_id"`
		Body          EditDraftRequest `json:"body"`
	}) (*struct {
		Body ObservationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EditDraftOptions{
			ObservationID: input.ObservationID,
			Actor:         principal.actorContext(),
			Category:      input.Body.Category,
			Description:   input.Body.Description,
			Location:      input.Body.Location,
			ImageRef:      input.Body.ImageRef,
		}
		if input.Body.Type != nil {
			t := domain.ObservationType(*input.Body.Type)
			opts.Type = &t
		}
		if input.Body.RiskLevel != nil {
			l := domain.RiskLevel(*input.Body.RiskLevel)
			opts.RiskLevel = &l
		}
		o, err := e.EditDraft(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObservationResponse `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-draft",
		Method:      http.MethodDelete,
		Path:        "/observations/{observation_id}",
		Summary:     "Delete draft observation",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ObservationID string `path:"observation_id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDraft(ctx, input.ObservationID, principal.actorContext()); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	transitionErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "submit-observation",
		Method:      http.MethodPost,
		Path:        "/observations/{observation_id}/submit",
		Summary:     "Submit draft for review",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ObservationID string            `path:"observation_id"`
		Body          TransitionRequest `json:"body"`
	}) (*struct {
		Body ObservationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.Submit(ctx, input.ObservationID, principal.actorContext(), domain.Status(input.Body.ExpectedStatus))
		if err != nil {
			return nil, handleError(err)
		}
		recordTransition(input.Body.ExpectedStatus, string(o.Status))
		return &struct {
			Body ObservationResponse `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-review",
		Method:      http.MethodPost,
		Path:        "/observations/{observation_id}/start-review",
		Summary:     "Claim observation for review",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ObservationID string            `path:"observation_id"`
		Body          TransitionRequest `json:"body"`
	}) (*struct {
		Body ObservationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.StartReview(ctx, input.ObservationID, principal.actorContext(), domain.Status(input.Body.ExpectedStatus))
		if err != nil {
			return nil, handleError(err)
		}
		recordTransition(input.Body.ExpectedStatus, string(o.Status))
		return &struct {
			Body ObservationResponse `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-observation",
		Method:      http.MethodPost,
		Path:        "/observations/{observation_id}/review",
		Summary:     "Review observation",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ObservationID string        `path:"observation_id"`
		Body          ReviewRequest `json:"body"`
	}) (*struct {
		Body ObservationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.Review(ctx, engine.ReviewOptions{
			ObservationID:  input.ObservationID,
			Actor:          principal.actorContext(),
			Action:         engine.ReviewAction(input.Body.Action),
			Comment:        input.Body.Comment,
			ExpectedStatus: domain.Status(input.Body.ExpectedStatus),
		})
		if err != nil {
			return nil, handleError(err)
		}
		recordTransition(input.Body.ExpectedStatus, string(o.Status))
		return &struct {
			Body ObservationResponse `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-action",
		Method:      http.MethodPost,
		Path:        "/observations/{observation_id}/action",
		Summary:     "Assign corrective action",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ObservationID string              `path:"observation_id"`
		Body          AssignActionRequest `json:"body"`
	}) (*struct {
		Body ObservationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.AssignAction(ctx, engine.AssignOptions{
			ObservationID:  input.ObservationID,
			Actor:          principal.actorContext(),
			AssigneeID:     input.Body.AssigneeID,
			DueDate:        input.Body.DueDate,
			Description:    input.Body.Description,
			ExpectedStatus: domain.Status(input.Body.ExpectedStatus),
		})
		if err != nil {
			return nil, handleError(err)
		}
		recordTransition(input.Body.ExpectedStatus, string(o.Status))
		return &struct {
			Body ObservationResponse `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-action",
		Method:      http.MethodPost,
		Path:        "/observations/{observation_id}/action/complete",
		Summary:     "Complete corrective action",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ObservationID string                `path:"observation_id"`
		Body          CompleteActionRequest `json:"body"`
	}) (*struct {
		Body ObservationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CompleteAction(ctx, engine.CompleteOptions{
			ObservationID:  input.ObservationID,
			Actor:          principal.actorContext(),
			Comment:        input.Body.Comment,
			ExpectedStatus: domain.Status(input.Body.ExpectedStatus),
		})
		if err != nil {
			return nil, handleError(err)
		}
		recordTransition(input.Body.ExpectedStatus, string(o.Status))
		return &struct {
			Body ObservationResponse `json:"body"`
		}{Body: o}, nil
	})
}

func registerActions(api huma.API, e engine.Engine, t tracker.Tracker) {
	huma.Register(api, huma.Operation{
		OperationID: "list-open-actions",
		Method:      http.MethodGet,
		Path:        "/actions/open",
		Summary:     "List open corrective actions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedOpenActions `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorDue, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := t.ListOpenActions(ctx, tracker.ListOptions{
			OrgID:         principal.OrgID,
			Limit:         limit + 1,
			CursorDueDate: cursorDue,
			CursorID:      cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOpenActions{Items: []OpenActionResponse{}}
		if len(items) > limit {
			items = items[:limit]
			// cursor is the last returned row; the clause is exclusive
			last := items[limit-1].Observation
			if last.Action != nil {
				resp.NextCursor = composeCursor(last.Action.DueDate, last.ID)
			}
		}
		resp.Items = items
		return &struct {
			Body paginatedOpenActions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-assignment",
		Method:      http.MethodPatch,
		Path:        "/observations/{observation_id}/action",
		Summary:     "Update corrective action assignment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ObservationID string                  `path:"observation_id"`
		Body          UpdateAssignmentRequest `json:"body"`
	}) (*struct {
		Body ObservationResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := t.UpdateAssignment(ctx, tracker.UpdateOptions{
			ObservationID: input.ObservationID,
			Actor:         principal.actorContext(),
			NewAssigneeID: input.Body.AssigneeID,
			NewComment:    input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObservationResponse `json:"body"`
		}{Body: o}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine, h history.Log) {
	huma.Register(api, huma.Operation{
		OperationID: "observation-history",
		Method:      http.MethodGet,
		Path:        "/observations/{observation_id}/history",
		Summary:     "Observation history trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ObservationID string `path:"observation_id"`
	}) (*struct {
		Body []HistoryEntryResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.Repo.GetObservation(ctx, input.ObservationID)
		if err != nil {
			return nil, handleError(err)
		}
		if o.OrganizationID != principal.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		// drafts stay private to their reporter
		if o.IsDraft && o.ReporterID != principal.ActorID {
			return nil, handleError(repo.ErrNotFound)
		}
		entries, err := h.ListForObservation(ctx, input.ObservationID)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.HistoryEntry{}
		}
		return &struct {
			Body []HistoryEntryResponse `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "Search history ledger",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:",draft,submitted,in_review,approved,action_assigned,closed,rejected"`
		ActorID string `query:"actor_id"`
		From    string `query:"from"`
		To      string `query:"to"`
		Q       string `query:"q" doc:"Free-text match against comments"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedHistory `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			id, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = id
		}
		entries, err := h.Search(ctx, history.SearchFilters{
			OrgID:    principal.OrgID,
			Status:   domain.Status(input.Status),
			ActorID:  input.ActorID,
			From:     input.From,
			To:       input.To,
			FreeText: input.Q,
			Limit:    limit + 1,
			CursorID: cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedHistory{Items: []HistoryEntryResponse{}}
		if len(entries) > limit {
			resp.NextCursor = strconv.FormatInt(entries[limit-1].ID, 10)
			entries = entries[:limit]
		}
		resp.Items = entries
		return &struct {
			Body paginatedHistory `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSummary(api huma.API, s summary.Summary) {
	huma.Register(api, huma.Operation{
		OperationID: "summary",
		Method:      http.MethodGet,
		Path:        "/summary",
		Summary:     "Per-status observation counts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		From string `query:"from"`
		To   string `query:"to"`
	}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := s.Counts(ctx, summary.Options{OrgID: principal.OrgID, From: input.From, To: input.To})
		if err != nil {
			return nil, handleError(err)
		}
		out := make(map[string]int, len(counts))
		for st, n := range counts {
			out[string(st)] = n
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: SummaryResponse{OrgID: principal.OrgID, Counts: out}}, nil
	})
}

func registerOrgs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-org",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}",
		Summary:     "Get organization",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body OrgResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.OrgID != input.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		org, err := e.Repo.GetOrg(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrgResponse `json:"body"`
		}{Body: org}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-org-config",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/config",
		Summary:     "Get organization config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body OrgConfigResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.OrgID != input.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		cfg, err := e.Repo.GetOrgConfig(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrgConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-org-config",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/config",
		Summary:     "Replace organization config",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		Body  struct {
			YAML string `json:"yaml" doc:"Config document in YAML form"`
		} `json:"body"`
	}) (*struct {
		Body OrgConfigResponse `json:"body"`
	}, error) {
		principal, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.OrgID != input.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		cfg.Organization.ID = input.OrgID
		if err := e.Repo.UpsertOrgConfig(ctx, input.OrgID, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrgConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-org-members",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/members",
		Summary:     "List organization members",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []repo.OrgMember `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.OrgID != input.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		members, err := e.Repo.ListOrgMembers(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		if members == nil {
			members = []repo.OrgMember{}
		}
		return &struct {
			Body []repo.OrgMember `json:"body"`
		}{Body: members}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-org-role",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/members/{actor_id}",
		Summary:     "Assign member role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID   string `path:"org_id"`
		ActorID string `path:"actor_id"`
		Body    struct {
			Role string `json:"role" enum:"employee,supervisor,admin,client"`
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body repo.OrgMember `json:"body"`
	}, error) {
		principal, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.OrgID != input.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		role := domain.Role(input.Body.Role)
		if !role.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": input.Body.Role})
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		now := time.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.EnsureActor(ctx, tx, input.ActorID, input.Body.Name, now); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AssignOrgRole(ctx, tx, input.OrgID, input.ActorID, role); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body repo.OrgMember `json:"body"`
		}{Body: repo.OrgMember{ActorID: input.ActorID, Role: role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-org-role",
		Method:      http.MethodDelete,
		Path:        "/orgs/{org_id}/members/{actor_id}",
		Summary:     "Revoke member role",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrgID   string `path:"org_id"`
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		principal, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.OrgID != input.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.RevokeOrgRole(ctx, tx, input.OrgID, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		orgID := input.Body.OrgID
		if orgID == "" {
			orgID = principal.OrgID
		}
		if orgID != principal.OrgID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "cannot mint keys for another organization", nil)
		}
		role := domain.Role(input.Body.Role)
		if !role.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": input.Body.Role})
		}
		secret, key, err := MintAPIKey(ctx, e.Repo, input.Body.ActorID, role, orgID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = secret // shown once at creation
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := []APIKeyResponse{}
		for _, k := range keys {
			if k.OrgID != principal.OrgID {
				continue
			}
			res = append(res, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Role:    string(principal.Role),
			OrgID:   principal.OrgID,
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		org := strings.TrimSpace(input.Body.OrgID)
		role := domain.Role(input.Body.Role)
		if actor == "" || org == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and org_id are required", nil)
		}
		if !role.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": input.Body.Role})
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, role, org)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func generateKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "hse_" + hex.EncodeToString(buf), nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
