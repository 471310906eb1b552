package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"quicktasker/internal/domain"
	"quicktasker/internal/engine"
	"quicktasker/internal/payment"
	"quicktasker/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Payments payment.Provider
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_balance"`
	Message string         `json:"message" example:"task costs 40 coins, balance is 10"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the QuickTasker API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Payments == nil {
		return nil, errors.New("payment provider is required")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation failures surface as bad_request.
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
	hcfg := huma.DefaultConfig("QuickTasker API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAccounts(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerPayments(group, cfg.Engine, cfg.Payments)
	registerWithdrawals(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInsufficientBalance):
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_balance", err.Error(), nil)
	case errors.Is(err, engine.ErrPreconditionFailed):
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, payment.ErrInvalidToken):
		return newAPIError(http.StatusUnprocessableEntity, "payment_not_verified", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
		return "precondition_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireRole resolves the caller's role and checks it against the allowed
// set. Admins pass every check. JWTs carry the role claim; API keys resolve
// the role from the account at auth time, so a missing role falls back to a
// lookup.
func requireRole(ctx context.Context, e engine.Engine, roles ...string) (Principal, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if principal.Role == "" {
		if a, err := e.Repo.GetAccount(ctx, principal.Email); err == nil {
			principal.Role = a.Role
		}
	}
	if principal.Role == domain.RoleAdmin {
		return principal, nil
	}
	for _, r := range roles {
		if principal.Role == r {
			return principal, nil
		}
	}
	return Principal{}, newAPIError(http.StatusForbidden, "forbidden", "role not permitted for this operation", map[string]any{"role": principal.Role})
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
		ensureLeadingSlash(path.Join(basePath, "health")):         true,
		ensureLeadingSlash(path.Join(basePath, "auth/dev/login")): true,
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

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>QuickTasker API Docs</title>
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

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Register account",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterAccountRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		if input.Body.Email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		a, err := e.RegisterAccount(ctx, engine.AccountCreateOptions{
			Email: input.Body.Email,
			Name:  input.Body.Name,
			Role:  input.Body.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{email}",
		Summary:     "Get account",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Email string `path:"email"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.Email != input.Email {
			if _, authErr := requireRole(ctx, e); authErr != nil {
				return nil, authErr
			}
		}
		a, err := e.GetBalance(ctx, input.Email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List accounts",
		Errors: []int{
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:"buyer,worker,admin"`
	}) (*struct {
		Body []AccountResponse `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAccounts(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AccountResponse `json:"body"`
		}{Body: mapAccounts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-account",
		Method:      http.MethodDelete,
		Path:        "/accounts/{email}",
		Summary:     "Delete account",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Email string `path:"email"`
	}) (*struct{}, error) {
		principal, authErr := requireRole(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveAccount(ctx, input.Email, principal.Email); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Post a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, e, domain.RoleBuyer)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			BuyerEmail:      principal.Email,
			Title:           input.Body.Title,
			Detail:          stringOrEmpty(input.Body.Detail),
			SubmissionInfo:  stringOrEmpty(input.Body.SubmissionInfo),
			RequiredWorkers: input.Body.RequiredWorkers,
			PayableAmount:   input.Body.PayableAmount,
			Deadline:        stringOrEmpty(input.Body.Deadline),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Mine   bool   `query:"mine" doc:"Only the caller's own tasks"`
		Open   bool   `query:"open" doc:"Only tasks with remaining worker slots"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.TaskFilters{
			OpenOnly: input.Open,
			Limit:    normalizeLimit(input.Limit, e) + 1,
		}
		if input.Mine {
			f.BuyerEmail = principal.Email
		}
		var err error
		f.CursorCreatedAt, f.CursorID, err = parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListTasks(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		limit := f.Limit - 1
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		for _, t := range items {
			resp.Items = append(resp.Items, taskResponse(t))
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Remove task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body RemovedTaskResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, e, domain.RoleBuyer)
		if authErr != nil {
			return nil, authErr
		}
		// Buyers removing their own task get the unconsumed reservation
		// back; admin removal does not refund.
		refunded, err := e.RemoveTask(ctx, engine.TaskRemoveOptions{
			TaskID:         input.TaskID,
			RequesterEmail: principal.Email,
			Refund:         principal.Role == domain.RoleBuyer,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RemovedTaskResponse `json:"body"`
		}{Body: RemovedTaskResponse{ID: input.TaskID, RefundedCoins: refunded}}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-submission",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/submissions",
		Summary:       "Submit work for a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string                  `path:"task_id"`
		Body   CreateSubmissionRequest `json:"body"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, e, domain.RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateSubmission(ctx, engine.SubmissionCreateOptions{
			TaskID:      input.TaskID,
			WorkerEmail: principal.Email,
			Detail:      stringOrEmpty(input.Body.Detail),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: submissionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/submissions",
		Summary:     "List submissions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		Status string `query:"status" enum:"pending,approved,rejected"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedSubmissions `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.Role == "" {
			if a, err := e.Repo.GetAccount(ctx, principal.Email); err == nil {
				principal.Role = a.Role
			}
		}
		f := repo.SubmissionFilters{
			TaskID: input.TaskID,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit, e) + 1,
		}
		// Workers see their own submissions, buyers the ones against their
		// tasks, admins everything.
		switch principal.Role {
		case domain.RoleWorker:
			f.WorkerEmail = principal.Email
		case domain.RoleBuyer:
			f.BuyerEmail = principal.Email
		}
		var err error
		f.CursorCreatedAt, f.CursorID, err = parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListSubmissions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		limit := f.Limit - 1
		resp := paginatedSubmissions{Items: []SubmissionResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		for _, s := range items {
			resp.Items = append(resp.Items, submissionResponse(s))
		}
		return &struct {
			Body paginatedSubmissions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{submission_id}",
		Summary:     "Get submission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubmissionID string `path:"submission_id"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSubmission(ctx, input.SubmissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmissionResponse `json:"body"`
		}{Body: submissionResponse(s)}, nil
	})

	review := func(approve bool) func(ctx context.Context, input *struct {
		SubmissionID string                  `path:"submission_id"`
		Body         ReviewSubmissionRequest `json:"body"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			SubmissionID string                  `path:"submission_id"`
			Body         ReviewSubmissionRequest `json:"body"`
		}) (*struct {
			Body SubmissionResponse `json:"body"`
		}, error) {
			principal, authErr := requireRole(ctx, e, domain.RoleBuyer)
			if authErr != nil {
				return nil, authErr
			}
			opts := engine.ReviewOptions{
				SubmissionID: input.SubmissionID,
				ActorEmail:   principal.Email,
			}
			if input.Body.PayableAmount != nil {
				opts.PayableAmount = *input.Body.PayableAmount
			}
			var s domain.Submission
			var err error
			if approve {
				s, err = e.ApproveSubmission(ctx, opts)
			} else {
				s, err = e.RejectSubmission(ctx, opts)
			}
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body SubmissionResponse `json:"body"`
			}{Body: submissionResponse(s)}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/approve",
		Summary:     "Approve submission and pay the worker",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, review(true))

	huma.Register(api, huma.Operation{
		OperationID: "reject-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/reject",
		Summary:     "Reject submission and reopen the slot",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, review(false))

	reviewByTask := func(approve bool) func(ctx context.Context, input *struct {
		Body ReviewByTaskRequest `json:"body"`
	}) (*struct {
		Body SubmissionResponse `json:"body"`
	}, error) {
		return func(ctx context.Context, input *struct {
			Body ReviewByTaskRequest `json:"body"`
		}) (*struct {
			Body SubmissionResponse `json:"body"`
		}, error) {
			principal, authErr := requireRole(ctx, e, domain.RoleBuyer)
			if authErr != nil {
				return nil, authErr
			}
			opts := engine.ReviewOptions{
				TaskID:      input.Body.TaskID,
				WorkerEmail: input.Body.WorkerEmail,
				ActorEmail:  principal.Email,
			}
			if input.Body.PayableAmount != nil {
				opts.PayableAmount = *input.Body.PayableAmount
			}
			var s domain.Submission
			var err error
			if approve {
				s, err = e.ApproveSubmission(ctx, opts)
			} else {
				s, err = e.RejectSubmission(ctx, opts)
			}
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body SubmissionResponse `json:"body"`
			}{Body: submissionResponse(s)}, nil
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-review",
		Method:      http.MethodPost,
		Path:        "/reviews/approve",
		Summary:     "Approve the newest pending submission for a task and worker",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, reviewByTask(true))

	huma.Register(api, huma.Operation{
		OperationID: "reject-review",
		Method:      http.MethodPost,
		Path:        "/reviews/reject",
		Summary:     "Reject the newest pending submission for a task and worker",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, reviewByTask(false))
}

func registerPayments(api huma.API, e engine.Engine, provider payment.Provider) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-payment-intent",
		Method:        http.MethodPost,
		Path:          "/payments/intents",
		Summary:       "Create a payment intent for a coin purchase",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body PaymentIntentRequest `json:"body"`
	}) (*struct {
		Body PaymentIntentResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, e, domain.RoleBuyer, domain.RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		intent, err := provider.CreateIntent(principal.Email, input.Body.AmountCents)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body PaymentIntentResponse `json:"body"`
		}{Body: PaymentIntentResponse{
			Token:       intent.Token,
			AmountCents: intent.AmountCents,
			Coins:       coinsForCents(e, intent.AmountCents),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Record a verified coin purchase",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, e, domain.RoleBuyer, domain.RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		cents := centsForCoins(e, input.Body.Coins)
		if cents <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "coins amount too small to price", nil)
		}
		if err := provider.Verify(principal.Email, cents, input.Body.PaymentToken); err != nil {
			return nil, handleError(err)
		}
		o, err := e.CreatePurchaseOrder(ctx, engine.OrderCreateOptions{
			BuyerEmail:  principal.Email,
			Coins:       input.Body.Coins,
			AmountCents: cents,
			PaymentRef:  input.Body.PaymentToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-order",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/settle",
		Summary:     "Settle a purchase and credit the coins",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		buyerEmail := principal.Email
		if principal.Role == domain.RoleAdmin {
			buyerEmail = ""
		}
		o, err := e.SettlePurchase(ctx, input.OrderID, buyerEmail)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List the caller's orders",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []OrderResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListOrders(ctx, principal.Email, normalizeLimit(input.Limit, e))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OrderResponse `json:"body"`
		}{Body: mapOrders(items)}, nil
	})
}

func registerWithdrawals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-withdrawal",
		Method:        http.MethodPost,
		Path:          "/withdrawals",
		Summary:       "Request a coin payout",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWithdrawalRequest `json:"body"`
	}) (*struct {
		Body WithdrawalResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, e, domain.RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.RequestWithdrawal(ctx, engine.WithdrawalCreateOptions{
			WorkerEmail: principal.Email,
			Coins:       input.Body.Coins,
			AccountInfo: input.Body.AccountInfo,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WithdrawalResponse `json:"body"`
		}{Body: withdrawalResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-withdrawals",
		Method:      http.MethodGet,
		Path:        "/withdrawals",
		Summary:     "List withdrawals",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"requested,approved"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []WithdrawalResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, e, domain.RoleWorker)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.WithdrawalFilters{
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit, e),
		}
		if principal.Role != domain.RoleAdmin {
			f.WorkerEmail = principal.Email
		}
		items, err := e.Repo.ListWithdrawals(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WithdrawalResponse `json:"body"`
		}{Body: mapWithdrawals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-withdrawal",
		Method:      http.MethodPost,
		Path:        "/withdrawals/{withdrawal_id}/settle",
		Summary:     "Approve a withdrawal and debit the coins",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WithdrawalID string `path:"withdrawal_id"`
	}) (*struct {
		Body WithdrawalResponse `json:"body"`
	}, error) {
		principal, authErr := requireRole(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.SettleWithdrawal(ctx, input.WithdrawalID, principal.Email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WithdrawalResponse `json:"body"`
		}{Body: withdrawalResponse(w)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Mint an API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, raw, err := e.MintAPIKey(ctx, principal.Email, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = raw
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, principal.Email)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, principal.Email)
		if err != nil {
			return nil, handleError(err)
		}
		for _, k := range items {
			if k.ID == input.KeyID {
				if err := e.Repo.DeleteAPIKey(ctx, k.ID); err != nil {
					return nil, handleError(err)
				}
				return &struct{}{}, nil
			}
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent ledger events",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"account,task,submission,order,withdrawal"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit, e)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.GetBalance(ctx, principal.Email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			Email:          a.Email,
			Name:           a.Name,
			Role:           a.Role,
			AvailableCoins: a.AvailableCoins,
			Source:         principal.Source,
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
		email := strings.TrimSpace(input.Body.Email)
		if email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, email, input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func coinsForCents(e engine.Engine, amountCents int64) int64 {
	if e.Config == nil || e.Config.Payments.CoinsPerDollar <= 0 {
		return 0
	}
	return amountCents * e.Config.Payments.CoinsPerDollar / 100
}

func centsForCoins(e engine.Engine, coins int64) int64 {
	if e.Config == nil || e.Config.Payments.CoinsPerDollar <= 0 {
		return 0
	}
	return coins * 100 / e.Config.Payments.CoinsPerDollar
}

func normalizeLimit(in int, e engine.Engine) int {
	def := 50
	if e.Config != nil && e.Config.Limits.ListPageSize > 0 {
		def = int(e.Config.Limits.ListPageSize)
	}
	if in <= 0 {
		return def
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
