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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"trainline/internal/domain"
	"trainline/internal/engine"
	"trainline/internal/importer"
	"trainline/internal/repo"
	"trainline/internal/rows"
	"trainline/internal/session"
	"trainline/internal/uploads"
	trainlinesdk "trainline/sdk/go"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"session not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"session_id\":\"s-1\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the local trainline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" && !cfg.Auth.AllowAnonymous {
		return nil, errors.New("server: auth.jwt_secret required (or allow anonymous access explicitly)")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Config.API.TenantID))
	hcfg := huma.DefaultConfig("Trainline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	router.Handle("/metrics", e.Metrics.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerSessions(group, e)
	registerRows(group, e)
	registerRuns(group, e)
	registerEvents(group, e)
	registerReviews(group, e)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var remote *trainlinesdk.APIError
	if errors.As(err, &remote) {
		return newAPIError(http.StatusBadGateway, "backend_error", remote.Message(), map[string]any{"status": remote.StatusCode})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, rows.ErrRowNotFound),
		errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, uploads.ErrFileTooLarge):
		return newAPIError(http.StatusRequestEntityTooLarge, "file_too_large", msg, nil)
	case errors.Is(err, uploads.ErrUnsupportedFile):
		return newAPIError(http.StatusUnsupportedMediaType, "unsupported_file", msg, nil)
	case errors.Is(err, rows.ErrUnknownField),
		errors.Is(err, importer.ErrMalformed):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

// warningOf splits a non-fatal outcome from a real failure.
func warningOf(err error) (string, error) {
	if engine.IsWarning(err) {
		return err.Error(), nil
	}
	return "", err
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
		for _, op := range operations(item) {
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
    <title>Trainline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>SwaggerUIBundle({url: %q, dom_id: "#swagger"});</script>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Subject: p.Subject, TenantID: p.TenantID}}, nil
	})
}

func registerSessions(api huma.API, e *engine.Engine) {
	type sessionPath struct {
		SessionID string `path:"session_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List training sessions",
	}, func(ctx context.Context, input *struct {
		Refresh bool `query:"refresh"`
	}) (*struct {
		Body SessionList `json:"body"`
	}, error) {
		var warning string
		if input.Refresh {
			var err error
			if warning, err = warningOf(e.Load(ctx)); err != nil {
				return nil, handleError(err)
			}
		}
		out := SessionList{Items: []SessionResponse{}, Warning: warning}
		for _, rec := range e.Sessions.Records() {
			out.Items = append(out.Items, sessionResponse(rec, false))
		}
		return &struct {
			Body SessionList `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create a session and select it",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Sessions.Create(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Sessions.Record(s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(rec, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get a session with its rows",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		rec, err := e.Sessions.Record(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(rec, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-session",
		Method:        http.MethodDelete,
		Path:          "/sessions/{session_id}",
		Summary:       "Delete a session",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *sessionPath) (*struct{}, error) {
		if err := e.Sessions.Delete(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/select",
		Summary:     "Make a session the active one",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := e.Sessions.Select(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Sessions.Record(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(rec, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-sessions",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Push rows of sessions with unsaved changes",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		n, err := e.Sessions.SyncDirty(ctx)
		resp := SyncResponse{Synced: n, Pending: nonNil(e.Sessions.Dirty())}
		if err != nil {
			resp.Error = err.Error()
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRows(api huma.API, e *engine.Engine) {
	type rowPath struct {
		SessionID string `path:"session_id"`
		RowID     string `path:"row_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "add-row",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/rows",
		Summary:       "Append an empty row",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body RowResponse `json:"body"`
	}, error) {
		row, err := e.Sessions.AddRow(ctx, input.SessionID)
		warning, err := warningOf(err)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RowResponse `json:"body"`
		}{Body: RowResponse{TrainingRow: row, Warning: warning}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-row",
		Method:      http.MethodPatch,
		Path:        "/sessions/{session_id}/rows/{row_id}",
		Summary:     "Edit row fields",
		Description: "Applies every given field or none. The id field cannot be changed.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string         `path:"session_id"`
		RowID     string         `path:"row_id"`
		Body      map[string]any `json:"body"`
	}) (*struct {
		Body RowResponse `json:"body"`
	}, error) {
		if len(input.Body) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no fields to update", nil)
		}
		fields := make(map[string]json.RawMessage, len(input.Body))
		for k, v := range input.Body {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid field value", map[string]any{"field": k})
			}
			fields[k] = raw
		}
		warning, err := warningOf(e.Sessions.EditRow(ctx, input.SessionID, input.RowID, fields))
		if err != nil {
			return nil, handleError(err)
		}
		rs, err := e.Sessions.Rows(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		row, _ := rs.Get(input.RowID)
		return &struct {
			Body RowResponse `json:"body"`
		}{Body: RowResponse{TrainingRow: row, Warning: warning}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-row",
		Method:        http.MethodDelete,
		Path:          "/sessions/{session_id}/rows/{row_id}",
		Summary:       "Delete a row",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *rowPath) (*struct{}, error) {
		if _, err := warningOf(e.Sessions.DeleteRow(ctx, input.SessionID, input.RowID)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-rows",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/import",
		Summary:     "Append rows from CSV text",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		RawBody   []byte `contentType:"text/csv"`
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		res, err := e.Sessions.Import(ctx, input.SessionID, string(input.RawBody))
		warning, err := warningOf(err)
		if err != nil {
			return nil, handleError(err)
		}
		rs, err := e.Sessions.Rows(input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: ImportResponse{
			Schema:   string(res.Schema),
			Imported: len(res.Rows),
			Dropped:  res.Dropped,
			Stats:    rs.Stats(),
			Warning:  warning,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-document",
		Method:      http.MethodPut,
		Path:        "/sessions/{session_id}/rows/{row_id}/document",
		Summary:     "Upload the ground-truth document of a row",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		RowID     string `path:"row_id"`
		Filename  string `query:"filename" required:"true"`
		RawBody   []byte `contentType:"application/octet-stream"`
	}) (*struct {
		Body domain.DocxRef `json:"body"`
	}, error) {
		ref, err := e.Attach(ctx, input.SessionID, input.RowID, input.Filename, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DocxRef `json:"body"`
		}{Body: ref}, nil
	})
}

func registerRuns(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "plan-run",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/plan",
		Summary:     "Preview the rows a run would submit",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string     `path:"session_id"`
		Body      RunRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		mode, ok := domain.ParseExecutionMode(input.Body.Mode)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid mode", map[string]any{"mode": input.Body.Mode})
		}
		sub, err := e.Preview(input.SessionID, mode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(sub)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/run",
		Summary:     "Save the session and dispatch a run",
		Description: "DATA_PREP_ONLY may answer with a report directly; otherwise a job is started and polled in the background.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		SessionID string     `path:"session_id"`
		Body      RunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		mode, ok := domain.ParseExecutionMode(input.Body.Mode)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid mode", map[string]any{"mode": input.Body.Mode})
		}
		res, err := e.RunPlan(ctx, input.SessionID, mode, input.Body.Wait)
		warning, err := warningOf(err)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(res, warning)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-job",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/job",
		Summary:     "Latest job of a session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		job, err := e.Job(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := JobResponse{Job: job}
		if h, ok := e.Poller.Current(); ok && h.JobID == job.ID {
			resp.Polling = true
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/jobs",
		Summary:     "Jobs of a session, newest first",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Limit     int    `query:"limit" default:"20"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		jobs, err := e.Repo.ListJobs(ctx, input.SessionID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: nonNil(jobs)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent workspace events",
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.SessionID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerReviews(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews",
		Summary:     "Alignments waiting for a human decision",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ReviewItem `json:"body"`
	}, error) {
		items, err := e.PendingReviews(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ReviewItem `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resolve-review",
		Method:        http.MethodPost,
		Path:          "/reviews/{queue_id}/resolve",
		Summary:       "Approve, reject or edit a queued alignment",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		QueueID string               `path:"queue_id"`
		Body    ResolveReviewRequest `json:"body"`
	}) (*struct{}, error) {
		decision := domain.ReviewDecision(strings.ToUpper(strings.TrimSpace(input.Body.Decision)))
		if !decision.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid decision", map[string]any{"decision": input.Body.Decision})
		}
		err := e.ResolveReview(ctx, domain.ResolveReviewRequest{
			QueueID:    input.QueueID,
			Decision:   decision,
			EditedText: input.Body.EditedText,
			NewStart:   input.Body.NewStart,
			NewEnd:     input.Body.NewEnd,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
