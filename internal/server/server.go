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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"bulkgrid/internal/engine"
	"bulkgrid/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"mandatory attribute has no value"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bulkgrid API.
func New(cfg Config) (http.Handler, error) {
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
			// Schema/request validation errors should be 400 bad_request
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
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Bulkgrid API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAudits(group, cfg.Engine)
	registerAssessments(group, cfg.Engine)
	registerAttributes(group, cfg.Engine)
	registerEvidence(group, cfg.Engine)
	registerSearch(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "mandatory attribute"),
		strings.Contains(lowered, "not an option"),
		strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not found"):
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
	security := []map[string][]string{
		{"bearerAuth": {}},
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
    <title>Bulkgrid API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func auditFromPath(pathID string, e engine.Engine) string {
	if pathID != "" {
		return pathID
	}
	if e.Config != nil {
		return e.Config.Audit.ID
	}
	return ""
}

func registerAudits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-audit",
		Method:        http.MethodPost,
		Path:          "/audits",
		Summary:       "Create audit",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAuditRequest `json:"body"`
	}) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		a, err := e.InitAudit(ctx, input.Body.ID, input.Body.Title, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: auditResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audits",
		Method:      http.MethodGet,
		Path:        "/audits",
		Summary:     "List audits",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AuditResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAudits(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditResponse `json:"body"`
		}{Body: mapAudits(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-audit",
		Method:      http.MethodGet,
		Path:        "/audits/{audit_id}",
		Summary:     "Get audit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AuditID string `path:"audit_id"`
	}) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAudit(ctx, auditFromPath(input.AuditID, e))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: auditResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-audit",
		Method:      http.MethodPatch,
		Path:        "/audits/{audit_id}",
		Summary:     "Update audit",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AuditID string `path:"audit_id"`
		Body    struct {
			Status      string  `json:"status,omitempty"`
			Description *string `json:"description,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		auditID := auditFromPath(input.AuditID, e)
		if err := e.Repo.UpdateAudit(ctx, auditID, input.Body.Status, input.Body.Description); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAudit(ctx, auditID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: auditResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-audit",
		Method:      http.MethodDelete,
		Path:        "/audits/{audit_id}",
		Summary:     "Delete audit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AuditID string `path:"audit_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAudit(ctx, auditFromPath(input.AuditID, e)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-audit-config",
		Method:      http.MethodGet,
		Path:        "/audits/{audit_id}/config",
		Summary:     "Get audit config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AuditID string `path:"audit_id"`
	}) (*struct {
		Body AuditConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetAuditConfig(ctx, auditFromPath(input.AuditID, e))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-status",
		Method:      http.MethodGet,
		Path:        "/audits/{audit_id}/status",
		Summary:     "Audit status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AuditID string `path:"audit_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAudit(ctx, auditFromPath(input.AuditID, e))
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountAssessmentsByStatus(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			AuditID:          a.ID,
			Status:           a.Status,
			AssessmentCounts: counts,
		}}, nil
	})
}

func registerAssessments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assessment",
		Method:        http.MethodPost,
		Path:          "/audits/{audit_id}/assessments",
		Summary:       "Create assessment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AuditID string                  `path:"audit_id"`
		Body    CreateAssessmentRequest `json:"body"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AssessmentCreateOptions{
			AuditID: auditFromPath(input.AuditID, e),
			Title:   input.Body.Title,
			Type:    input.Body.Type,
			ActorID: actorID,
		}
		if input.Body.Slug != nil {
			opts.Slug = *input.Body.Slug
		}
		a, err := e.CreateAssessment(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assessments",
		Method:      http.MethodGet,
		Path:        "/audits/{audit_id}/assessments",
		Summary:     "List assessments",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AuditID string `path:"audit_id"`
		Status  string `query:"status"`
		Type    string `query:"type"`
	}) (*struct {
		Body []AssessmentResponse `json:"body"`
	}, error) {
		q := repo.AssessmentQuery{}
		if input.Status != "" {
			q.Statuses = []string{input.Status}
		}
		if input.Type != "" {
			q.Types = []string{input.Type}
		}
		items, err := e.Repo.ListAssessments(ctx, auditFromPath(input.AuditID, e), q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssessmentResponse `json:"body"`
		}{Body: mapAssessments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assessment",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}",
		Summary:     "Get assessment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID int64 `path:"assessment_id"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAssessment(ctx, input.AssessmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-assessment-status",
		Method:      http.MethodPatch,
		Path:        "/assessments/{assessment_id}/status",
		Summary:     "Set assessment status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AssessmentID int64                      `path:"assessment_id"`
		Force        bool                       `query:"force"`
		Body         SetAssessmentStatusRequest `json:"body"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.UpdateAssessmentStatus(ctx, input.AssessmentID, input.Body.Status, actorID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})
}

func registerAttributes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "define-attribute",
		Method:        http.MethodPost,
		Path:          "/assessments/{assessment_id}/attributes",
		Summary:       "Define local attribute",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AssessmentID int64                  `path:"assessment_id"`
		Body         DefineAttributeRequest `json:"body"`
	}) (*struct {
		Body DefinitionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AttributeDefineOptions{
			AssessmentID: input.AssessmentID,
			Title:        input.Body.Title,
			Type:         input.Body.Type,
			Mandatory:    input.Body.Mandatory,
			ActorID:      actorID,
		}
		if input.Body.DefaultValue != nil {
			opts.DefaultValue = *input.Body.DefaultValue
		}
		if input.Body.MultiChoiceOptions != nil {
			opts.MultiChoiceOptions = *input.Body.MultiChoiceOptions
		}
		if input.Body.MultiChoiceMandatory != nil {
			opts.MultiChoiceMandatory = *input.Body.MultiChoiceMandatory
		}
		d, err := e.DefineAttribute(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DefinitionResponse `json:"body"`
		}{Body: definitionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attributes",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/attributes",
		Summary:     "List local attributes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID int64 `path:"assessment_id"`
	}) (*struct {
		Body []DefinitionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAssessment(ctx, input.AssessmentID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDefinitionsByAssessment(ctx, input.AssessmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DefinitionResponse `json:"body"`
		}{Body: mapDefinitions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "apply-attribute-templates",
		Method:        http.MethodPost,
		Path:          "/assessments/{assessment_id}/attributes/apply",
		Summary:       "Apply catalog templates",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		AssessmentID int64                 `path:"assessment_id"`
		Body         ApplyTemplatesRequest `json:"body"`
	}) (*struct {
		Body []DefinitionResponse `json:"body"`
	}, error) {
		if len(input.Body.Names) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "names is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ApplyTemplates(ctx, input.AssessmentID, input.Body.Names, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DefinitionResponse `json:"body"`
		}{Body: mapDefinitions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-attribute-value",
		Method:      http.MethodPut,
		Path:        "/attributes/{definition_id}/value",
		Summary:     "Set attribute value",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DefinitionID int64           `path:"definition_id"`
		Body         SetValueRequest `json:"body"`
	}) (*struct {
		Body ValueResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.SetAttributeValue(ctx, engine.ValueSetOptions{
			DefinitionID: input.DefinitionID,
			Value:        input.Body.Value,
			PersonID:     input.Body.PersonID,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValueResponse `json:"body"`
		}{Body: valueResponse(v)}, nil
	})
}

func registerEvidence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-evidence",
		Method:        http.MethodPost,
		Path:          "/assessments/{assessment_id}/evidence",
		Summary:       "Attach evidence",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AssessmentID int64              `path:"assessment_id"`
		Body         AddEvidenceRequest `json:"body"`
	}) (*struct {
		Body EvidenceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.AddEvidence(ctx, input.AssessmentID, input.Body.Kind, input.Body.Title, input.Body.Link, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvidenceResponse `json:"body"`
		}{Body: evidenceResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evidence",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/evidence",
		Summary:     "List evidence",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID int64 `path:"assessment_id"`
	}) (*struct {
		Body []EvidenceResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAssessment(ctx, input.AssessmentID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEvidence(ctx, input.AssessmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EvidenceResponse `json:"body"`
		}{Body: mapEvidence(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/assessments/{assessment_id}/comments",
		Summary:       "Add comment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AssessmentID int64             `path:"assessment_id"`
		Body         AddCommentRequest `json:"body"`
	}) (*struct {
		Body CommentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddComment(ctx, input.AssessmentID, input.Body.DefinitionID, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommentResponse `json:"body"`
		}{Body: commentResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/assessments/{assessment_id}/comments",
		Summary:     "List comments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssessmentID int64 `path:"assessment_id"`
	}) (*struct {
		Body []CommentResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAssessment(ctx, input.AssessmentID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListComments(ctx, input.AssessmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CommentResponse `json:"body"`
		}{Body: mapComments(items)}, nil
	})
}

func registerSearch(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "bulk-cavs-search",
		Method:      http.MethodPost,
		Path:        "/audits/{audit_id}/bulk/cavs/search",
		Summary:     "Search custom attribute values for bulk edit",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AuditID string        `path:"audit_id"`
		Body    SearchRequest `json:"body"`
	}) (*struct {
		Body SearchResponse `json:"body"`
	}, error) {
		res, err := e.Search(ctx, auditFromPath(input.AuditID, e), searchQuery(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SearchResponse `json:"body"`
		}{Body: searchResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-matrix",
		Method:      http.MethodGet,
		Path:        "/audits/{audit_id}/matrix",
		Summary:     "Derive the bulk-edit grid",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AuditID string `path:"audit_id"`
		Status  string `query:"status"`
		Type    string `query:"type"`
	}) (*struct {
		Body MatrixResponse `json:"body"`
	}, error) {
		q := engine.SearchQuery{}
		if input.Status != "" {
			q.Statuses = []string{input.Status}
		}
		if input.Type != "" {
			q.Types = []string{input.Type}
		}
		res, err := e.Search(ctx, auditFromPath(input.AuditID, e), q)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MatrixResponse `json:"body"`
		}{Body: MatrixResponse{Headers: res.Headers, Rows: res.Rows}}, nil
	})
}

func searchQuery(req SearchRequest) engine.SearchQuery {
	q := engine.SearchQuery{
		Statuses: req.Statuses,
		Types:    req.Types,
	}
	for _, ob := range req.OrderBy {
		q.Order = append(q.Order, repo.OrderClause{Name: ob.Name, Desc: ob.Desc})
	}
	return q
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/audits/{audit_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AuditID    string `path:"audit_id"`
		Limit      int    `query:"limit" default:"20"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, auditFromPath(input.AuditID, e), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, item := range items {
			out = append(out, eventResponse(item))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: out}}, nil
	})
}
