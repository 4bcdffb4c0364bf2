// Package api exposes the engine's operations over HTTP, using the same
// huma/v2-over-chi wiring, custom error envelope, and hand-rolled Swagger
// UI the teacher's internal/server package builds, re-registered against
// this domain's operation surface.
package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/coordline-dev/coordline/internal/access"
	"github.com/coordline-dev/coordline/internal/artifacts"
	"github.com/coordline-dev/coordline/internal/cards"
	"github.com/coordline-dev/coordline/internal/decisions"
	"github.com/coordline-dev/coordline/internal/eventlog"
	"github.com/coordline-dev/coordline/internal/engine"
	"github.com/coordline-dev/coordline/internal/repo"
	"github.com/coordline-dev/coordline/internal/runs"
	"github.com/coordline-dev/coordline/internal/sweeper"
)

// Env bundles what every handler needs: the engine façade, the sweeper
// (for the manual trigger endpoint), and the auth chain configuration.
type Env struct {
	Engine  engine.Engine
	Sweeper sweeper.Sweeper
	Auth    AuthConfig
}

// Config is the handler's constructor input, mirroring the teacher's
// server.Config{Engine, BasePath, Auth}.
type Config struct {
	Engine   engine.Engine
	Sweeper  sweeper.Sweeper
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_claimable"`
	Message string         `json:"message" example:"decision not claimable in state RENDERED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError is the required envelope: {"error": {code, message, details}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
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

// handleError maps every domain error this system defines to the HTTP
// status table in §7, falling back to the teacher's substring heuristics
// only for errors this table doesn't already type-switch.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}

	var unauth access.UnauthenticatedError
	if errors.As(err, &unauth) {
		return newAPIError(http.StatusUnauthorized, "unauthenticated", err.Error(), nil)
	}
	var notMember access.NotAMemberError
	if errors.As(err, &notMember) {
		return newAPIError(http.StatusForbidden, "not_a_member", err.Error(), nil)
	}
	var insufficient access.InsufficientPermissionsError
	if errors.As(err, &insufficient) {
		return newAPIError(http.StatusForbidden, "insufficient_permissions", err.Error(), map[string]any{"role": string(insufficient.Role)})
	}
	var notFound access.NotFoundError
	if errors.As(err, &notFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var invalidTransition cards.InvalidTransitionError
	if errors.As(err, &invalidTransition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": invalidTransition.From, "to": invalidTransition.To})
	}
	var cardNotFound cards.NotFoundError
	if errors.As(err, &cardNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var notClaimable decisions.NotClaimableError
	if errors.As(err, &notClaimable) {
		return newAPIError(http.StatusConflict, "not_claimable", err.Error(), nil)
	}
	var notYourClaim decisions.NotYourClaimError
	if errors.As(err, &notYourClaim) {
		return newAPIError(http.StatusConflict, "not_your_claim", err.Error(), nil)
	}
	var invalidOption decisions.InvalidOptionError
	if errors.As(err, &invalidOption) {
		return newAPIError(http.StatusBadRequest, "invalid_option", err.Error(), nil)
	}
	var decisionNotFound decisions.NotFoundError
	if errors.As(err, &decisionNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var artifactNotFound artifacts.NotFoundError
	if errors.As(err, &artifactNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var notRunnable runs.NotRunnableError
	if errors.As(err, &notRunnable) {
		return newAPIError(http.StatusConflict, "not_runnable", err.Error(), nil)
	}
	var dupMember access.DuplicateMemberError
	if errors.As(err, &dupMember) {
		return newAPIError(http.StatusConflict, "duplicate_member", err.Error(), nil)
	}
	var lastOwner access.CannotRemoveLastOwnerError
	if errors.As(err, &lastOwner) {
		return newAPIError(http.StatusConflict, "cannot_remove_last_owner", err.Error(), nil)
	}
	if errors.Is(err, decisions.ErrInvalidOptions) || errors.Is(err, decisions.ErrInvalidFallback) {
		return newAPIError(http.StatusBadRequest, "invalid_options", err.Error(), nil)
	}
	if errors.Is(err, eventlog.ErrSecretInPayload) {
		return newAPIError(http.StatusBadRequest, "secret_in_payload", err.Error(), nil)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}

	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "exists") || strings.Contains(lowered, "duplicate"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// New returns an HTTP handler exposing the Coordline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	env := Env{Engine: cfg.Engine, Sweeper: cfg.Sweeper, Auth: cfg.Auth}

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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(raw))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, raw)))
		})
	})
	router.Use(newAuthMiddleware(env, basePath))

	hcfg := huma.DefaultConfig("Coordline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, env)
	registerProjects(group, env)
	registerAdmission(group, env)
	registerCards(group, env)
	registerRuns(group, env)
	registerArtifacts(group, env)
	registerDecisions(group, env)
	registerEvents(group, env)
	registerSweep(group, env)
	registerOpenAPI(router, humaAPI, basePath)

	return router, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, humaAPI huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := humaAPI.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
    <title>Coordline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(humaAPI huma.API) {
	huma.Register(humaAPI, huma.Operation{
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

func registerStatus(humaAPI huma.API, env Env) {
	huma.Register(humaAPI, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Card counts by state and last sweep time",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body repo.ProjectStatus `json:"body"`
	}, error) {
		if _, err := authorize(ctx, env, input.ProjectID, rolesAnyMember); err != nil {
			return nil, handleError(err)
		}
		status, err := env.Engine.Status(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body repo.ProjectStatus `json:"body"`
		}{Body: status}, nil
	})
}
