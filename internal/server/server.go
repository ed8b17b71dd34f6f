package server

import (
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
	"github.com/google/uuid"

	"batipay/internal/domain"
	"batipay/internal/engine"
	"batipay/internal/objects"
	"batipay/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Objects  objects.Store
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"budget_exceeded"`
	Message string         `json:"message" example:"budget exceeded: approved 150000 + requested 150000 > budget 200000"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status  int
	headers http.Header
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int          { return e.status }
func (e *apiError) Error() string           { return e.Body.Message }
func (e *apiError) GetHeaders() http.Header { return e.headers }

// New returns an HTTP handler exposing the BatiPay API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("BatiPay API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerApplications(group, cfg.Engine)
	registerExpenses(group, cfg.Engine)
	registerSummary(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	if cfg.Objects != nil {
		registerObjects(group, cfg.Engine, cfg.Objects)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	e := &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
	if status == http.StatusServiceUnavailable {
		e.headers = http.Header{"Retry-After": []string{"1"}}
	}
	return e
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrBusy) {
		return newAPIError(http.StatusServiceUnavailable, "busy", "project busy, retry shortly", nil)
	}
	var ie engine.InvalidInputError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ie.Field})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, ce.Code, err.Error(), nil)
	}
	var be engine.BudgetExceededError
	if errors.As(err, &be) {
		return newAPIError(http.StatusUnprocessableEntity, "budget_exceeded", err.Error(), map[string]any{
			"budget":    be.Budget,
			"approved":  be.Approved,
			"requested": be.Requested,
		})
	}
	var fe engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
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
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "busy"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusServiceUnavailable,
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
    <title>BatiPay API Docs</title>
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

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			Title:       input.Body.Title,
			City:        input.Body.City,
			Budget:      input.Body.Budget,
			Description: strOrEmpty(input.Body.Description),
			Draft:       input.Body.Draft != nil && *input.Body.Draft,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		OwnerID    string `query:"owner_id"`
		ProviderID string `query:"provider_id"`
		Status     string `query:"status" enum:"draft,pending_assignment,in_progress,completed,cancelled,"`
		City       string `query:"city"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body paginatedProjects `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		list, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{
			OwnerID:    input.OwnerID,
			ProviderID: input.ProviderID,
			Status:     input.Status,
			City:       input.City,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]ProjectResponse, 0, len(list))
		for _, p := range list {
			items = append(items, projectResponse(p))
		}
		return &struct {
			Body paginatedProjects `json:"body"`
		}{Body: paginatedProjects{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	type projectAction func(ctx context.Context, projectID string, actor domain.Actor) (domain.Project, error)
	register := func(opID, pathSuffix, summary string, fn projectAction) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/" + pathSuffix,
			Summary:     summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *projectPath) (*struct {
			Body ProjectResponse `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			p, err := fn(ctx, input.ProjectID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ProjectResponse `json:"body"`
			}{Body: projectResponse(p)}, nil
		})
	}
	register("publish-project", "publish", "Open a draft for applications", e.PublishProject)
	register("close-project", "close", "Complete an in-progress project", e.CloseProject)
	register("cancel-project", "cancel", "Cancel a project", e.CancelProject)
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "apply",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/applications",
		Summary:       "Apply to a project",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ApplicationResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Apply(ctx, input.ProjectID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationResponse `json:"body"`
		}{Body: applicationResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/applications",
		Summary:     "List applications",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		projectPath
		Status string `query:"status" enum:"pending,accepted,rejected,"`
	}) (*struct {
		Body paginatedApplications `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		list, err := e.Repo.ListApplications(ctx, input.ProjectID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]ApplicationResponse, 0, len(list))
		for _, a := range list {
			items = append(items, applicationResponse(a))
		}
		return &struct {
			Body paginatedApplications `json:"body"`
		}{Body: paginatedApplications{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applicants",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/applicants",
		Summary:     "List pending applicants with profiles",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body paginatedApplicants `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		list, err := e.ListPendingApplicants(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]ApplicantResponse, 0, len(list))
		for _, a := range list {
			items = append(items, applicantResponse(a))
		}
		return &struct {
			Body paginatedApplicants `json:"body"`
		}{Body: paginatedApplicants{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hire",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/hire",
		Summary:     "Hire an applicant",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		projectPath
		Body HireRequest
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Hire(ctx, input.ProjectID, input.Body.ApplicationID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerExpenses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-expense",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/expenses",
		Summary:       "Submit an expense",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		projectPath
		Body SubmitExpenseRequest
	}) (*struct {
		Body ExpenseResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		x, err := e.SubmitExpense(ctx, engine.ExpenseSubmitOptions{
			ProjectID:   input.ProjectID,
			Amount:      input.Body.Amount,
			Category:    input.Body.Category,
			Description: strOrEmpty(input.Body.Description),
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpenseResponse `json:"body"`
		}{Body: expenseResponse(x)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-expenses",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/expenses",
		Summary:     "List expenses",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		projectPath
		Status string `query:"status" enum:"pending,approved,rejected,"`
	}) (*struct {
		Body paginatedExpenses `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		list, err := e.Repo.ListExpenses(ctx, input.ProjectID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]ExpenseResponse, 0, len(list))
		for _, x := range list {
			items = append(items, expenseResponse(x))
		}
		return &struct {
			Body paginatedExpenses `json:"body"`
		}{Body: paginatedExpenses{Items: items}}, nil
	})

	type expensePath struct {
		ExpenseID string `path:"expense_id"`
	}
	type expenseAction func(ctx context.Context, expenseID string, actor domain.Actor) (domain.Expense, error)
	register := func(opID, pathSuffix, summary string, fn expenseAction) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/expenses/{expense_id}/" + pathSuffix,
			Summary:     summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *expensePath) (*struct {
			Body ExpenseResponse `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			x, err := fn(ctx, input.ExpenseID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ExpenseResponse `json:"body"`
			}{Body: expenseResponse(x)}, nil
		})
	}
	register("approve-expense", "approve", "Approve an expense and release funds", e.ApproveExpense)
	register("reject-expense", "reject", "Reject an expense", e.RejectExpense)
}

func registerSummary(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-summary",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/summary",
		Summary:     "Escrow position snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.ProjectSummary(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(s)}, nil
	})
}

func registerProfiles(api huma.API, e engine.Engine) {
	type actorPath struct {
		ActorID string `path:"actor_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/{actor_id}",
		Summary:     "Get provider profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *actorPath) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProfile(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-profile",
		Method:      http.MethodPut,
		Path:        "/profiles/{actor_id}",
		Summary:     "Create or update provider profile",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		actorPath
		Body UpdateProfileRequest
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		existing, err := e.Repo.GetProfile(ctx, input.ActorID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		profile := domain.Profile{
			ActorID:       input.ActorID,
			DisplayName:   input.Body.DisplayName,
			City:          existing.City,
			RatingTenths:  existing.RatingTenths,
			JobsCompleted: existing.JobsCompleted,
		}
		if input.Body.City != nil {
			profile.City = *input.Body.City
		}
		if input.Body.RatingTenths != nil {
			profile.RatingTenths = *input.Body.RatingTenths
		}
		p, err := e.UpdateProfile(ctx, profile, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(p)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	type eventsQuery struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		After     int64  `query:"after" doc:"Return events with IDs greater than the cursor, ascending"`
		Limit     int    `query:"limit" minimum:"0" maximum:"1000"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event feed",
	}, func(ctx context.Context, input *eventsQuery) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		var (
			list []domain.Event
			err  error
		)
		if input.After > 0 {
			list, err = e.Repo.EventsAfter(ctx, limit, input.After, input.ProjectID)
		} else {
			list, err = e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, "", "")
		}
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]EventResponse, 0, len(list))
		next := ""
		for _, evt := range list {
			items = append(items, eventResponse(evt))
		}
		if input.After > 0 && len(list) == limit {
			next = fmt.Sprintf("%d", list[len(list)-1].ID)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: items, NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Audit trail for one project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		projectPath
		After int64 `query:"after"`
		Limit int   `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		list, err := e.Repo.EventsAfter(ctx, limit, input.After, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]EventResponse, 0, len(list))
		for _, evt := range list {
			items = append(items, eventResponse(evt))
		}
		next := ""
		if len(list) == limit {
			next = fmt.Sprintf("%d", list[len(list)-1].ID)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: items, NextCursor: next}}, nil
	})
}

func registerObjects(api huma.API, e engine.Engine, store objects.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "presign-project-image",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/image-upload",
		Summary:     "Presign a project image upload",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		projectPath
		Body ImageUploadRequest
	}) (*struct {
		Body UploadResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if !actor.IsAdmin() && actor.ID != p.OwnerID {
			return nil, handleError(engine.ForbiddenError{Reason: "only the owner can upload the project image"})
		}
		upload, err := store.PresignImageUpload(ctx, p.ID, strOrEmpty(input.Body.ContentType))
		if err != nil {
			return nil, handleError(err)
		}
		// Record the stable object URL up front; the client PUTs directly.
		if _, err := e.SetProjectImage(ctx, p.ID, upload.ObjectURL, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UploadResponse `json:"body"`
		}{Body: uploadResponse(upload)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	requireAdmin := func(ctx context.Context) huma.StatusError {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return authErr
		}
		if !actor.IsAdmin() {
			return newAPIError(http.StatusForbidden, "forbidden", "admin role required", nil)
		}
		return nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body struct {
			APIKeyResponse
			Key string `json:"key" doc:"Shown once; only the hash is stored"`
		} `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		raw := uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			Role:    input.Body.Role,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(raw),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				APIKeyResponse
				Key string `json:"key" doc:"Shown once; only the hash is stored"`
			} `json:"body"`
		}{}
		out.Body.APIKeyResponse = apiKeyResponse(key)
		out.Body.Key = raw
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body struct {
			Items []APIKeyResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []APIKeyResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out.Body.Items = append(out.Body.Items, apiKeyResponse(k))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-apikey",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
