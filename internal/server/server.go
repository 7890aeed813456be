package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/observability"
	"buildline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// WebhookSecret signs agent callbacks. The webhook route refuses every
	// request while it is empty.
	WebhookSecret string
	// Metrics defaults to the Prometheus default registry handler.
	Metrics http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"decision_required"`
	Message string         `json:"message" example:"cards are not finalized"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reason\":\"cards_not_finalized\"}"`
}

type bodyBytesKey struct{}

// maxRequestBody bounds every request body, webhook payloads included.
const maxRequestBody = 1 << 20

// captureBody buffers the request body, up to maxRequestBody, so the webhook
// handler can verify its signature over the raw bytes.
func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable request body", nil))
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(data))
		ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Buildline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Engine.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema violations are the caller's malformed request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(captureBody)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.MetricsHandler()
	}
	router.Handle("/metrics", metrics)
	registerAgentWebhook(router, basePath, cfg.Engine, cfg.WebhookSecret)

	hcfg := huma.DefaultConfig("Buildline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerBuilds(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerPRCandidates(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)
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

var reasonCodes = []struct {
	err  error
	code string
}{
	{engine.ErrPolicyMissing, "policy_missing"},
	{engine.ErrNotQueued, "not_queued"},
	{engine.ErrNoApprovedFiles, "no_approved_files"},
	{engine.ErrBuildRunning, "build_running"},
	{engine.ErrNoRepository, "no_repository"},
	{engine.ErrCardsNotFinalized, "cards_not_finalized"},
	{engine.ErrGateBlocked, "gate_blocked"},
	{engine.ErrApprovalRequired, "approval_required"},
}

func reasonCode(err error) string {
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return ""
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var be *engine.BuildError
	if errors.As(err, &be) {
		return newAPIError(http.StatusUnprocessableEntity, "build_failed", err.Error(), map[string]any{
			"run_id":     be.RunID,
			"failures":   be.Failures,
			"dispatched": be.Dispatched,
			"run_failed": be.RunFailed,
		})
	}
	var de *engine.DecisionRequiredError
	if errors.As(err, &de) {
		details := map[string]any{}
		for k, v := range de.Details {
			details[k] = v
		}
		if code := reasonCode(err); code != "" {
			details["reason"] = code
		}
		return newAPIError(http.StatusConflict, "decision_required", err.Error(), details)
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{"problems": ve.Problems}
		if code := reasonCode(err); code != "" {
			details["reason"] = code
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrUnknownEventType):
		return newAPIError(http.StatusBadRequest, "unknown_event", msg, nil)
	case errors.Is(err, engine.ErrPRCandidateExists):
		return newAPIError(http.StatusConflict, "pr_candidate_exists", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrNotQueued):
		return newAPIError(http.StatusConflict, "not_queued", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
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
			op.Responses["default"] = &huma.Response{Description: "Error"}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
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

func registerBuilds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "trigger-build",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/builds",
		Summary:       "Trigger a build for a card or a workflow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      TriggerBuildRequest
	}) (*struct {
		Body engine.BuildResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.TriggerBuild(ctx, engine.BuildOptions{
			ProjectID:   input.ProjectID,
			Scope:       input.Body.Scope,
			CardID:      input.Body.CardID,
			WorkflowID:  input.Body.WorkflowID,
			TriggerType: input.Body.TriggerType,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BuildResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	type runPath struct {
		RunID string `path:"run_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/runs",
		Summary:       "Create a queued run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      CreateRunRequest
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.CreateRun(ctx, engine.RunCreateOptions{
			ProjectID:      input.ProjectID,
			Scope:          input.Body.Scope,
			WorkflowID:     input.Body.WorkflowID,
			CardID:         input.Body.CardID,
			CardIDs:        input.Body.CardIDs,
			TriggerType:    input.Body.TriggerType,
			InitiatedBy:    actorID,
			AllowedPaths:   input.Body.AllowedPaths,
			ForbiddenPaths: input.Body.ForbiddenPaths,
			BaseBranch:     input.Body.BaseBranch,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"queued,running,completed,failed"`
		Scope     string `query:"scope" enum:"card,workflow"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		runs, err := e.ListRuns(ctx, repo.RunFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Scope:     input.Scope,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.Run{}
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: RunListResponse{Items: runs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a run with its assignments, checks, approvals and PR candidate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body engine.RunDetail `json:"body"`
	}, error) {
		detail, err := e.GetRunDetail(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RunDetail `json:"body"`
		}{Body: runDetailResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-checks",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/checks",
		Summary:     "Execute the run's required checks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body CheckListResponse `json:"body"`
	}, error) {
		checks, err := e.ExecuteRequiredChecks(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if checks == nil {
			checks = []domain.RunCheck{}
		}
		return &struct {
			Body CheckListResponse `json:"body"`
		}{Body: CheckListResponse{RunID: input.RunID, Checks: checks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/cancel",
		Summary:     "Cancel a queued or running run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  *CancelRunRequest
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		run, err := e.CancelRun(ctx, input.RunID, actorID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-approval",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/approvals",
		Summary:       "Request approval once the required checks passed",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  CreateApprovalRequest
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		approval, err := e.CreateApprovalRequest(ctx, engine.ApprovalCreateOptions{
			RunID:        input.RunID,
			ApprovalType: input.Body.ApprovalType,
			RequestedBy:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: approval}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/resolve",
		Summary:     "Approve or reject a pending request",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
		Body       ResolveApprovalRequest
	}) (*struct {
		Body domain.ApprovalRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		approval, err := e.ResolveApprovalRequest(ctx, input.ApprovalID, input.Body.Decision, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalRequest `json:"body"`
		}{Body: approval}, nil
	})
}

func registerPRCandidates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pr-candidate",
		Method:        http.MethodPost,
		Path:          "/runs/{run_id}/pr-candidate",
		Summary:       "Record the run's pull request candidate",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  CreatePRCandidateRequest
	}) (*struct {
		Body domain.PullRequestCandidate `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		candidate, err := e.CreatePullRequestCandidate(ctx, engine.PRCandidateCreateOptions{
			RunID:       input.RunID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			HeadBranch:  input.Body.HeadBranch,
			BaseBranch:  input.Body.BaseBranch,
			Push:        input.Body.Push,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PullRequestCandidate `json:"body"`
		}{Body: candidate}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-pr-candidate",
		Method:      http.MethodPatch,
		Path:        "/pr-candidates/{candidate_id}",
		Summary:     "Move a pull request candidate to its next status",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CandidateID string `path:"candidate_id"`
		Body        UpdatePRCandidateRequest
	}) (*struct {
		Body domain.PullRequestCandidate `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		candidate, err := e.ResolvePullRequestCandidate(ctx, input.CandidateID, input.Body.Status, input.Body.PRURL, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PullRequestCandidate `json:"body"`
		}{Body: candidate}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	type assignmentPath struct {
		AssignmentID string `path:"assignment_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{assignment_id}/dispatch",
		Summary:     "Dispatch a queued assignment to the agent service",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *assignmentPath) (*struct {
		Body engine.DispatchResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DispatchAssignment(ctx, input.AssignmentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DispatchResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{assignment_id}/block",
		Summary:     "Block an assignment until it is resumed",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AssignmentID string `path:"assignment_id"`
		Body         BlockAssignmentRequest
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.BlockAssignment(ctx, input.AssignmentID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{assignment_id}/resume",
		Summary:     "Requeue a blocked assignment and dispatch it again",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *assignmentPath) (*struct {
		Body engine.DispatchResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResumeAssignment(ctx, input.AssignmentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DispatchResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerMaintenance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "recover-stale-runs",
		Method:      http.MethodPost,
		Path:        "/maintenance/recover-stale",
		Summary:     "Fail runs that exceeded the stale-run timeout",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RecoverResponse `json:"body"`
	}, error) {
		ids, err := e.RecoverStaleRuns(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if ids == nil {
			ids = []string{}
		}
		return &struct {
			Body RecoverResponse `json:"body"`
		}{Body: RecoverResponse{FailedRunIDs: ids}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List audit events; pass after to tail in ascending order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `query:"run_id"`
		Type      string `query:"type"`
		After     string `query:"after"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		var after int64
		if input.After != "" {
			parsed, err := strconv.ParseInt(input.After, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"after": input.After})
			}
			after = parsed
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			ProjectID: input.ProjectID,
			RunID:     input.RunID,
			Type:      input.Type,
			After:     after,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: items}
		if resp.Items == nil {
			resp.Items = []domain.Event{}
		}
		var maxID int64
		for _, evt := range items {
			if evt.ID > maxID {
				maxID = evt.ID
			}
		}
		if maxID > 0 {
			resp.NextCursor = strconv.FormatInt(maxID, 10)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
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
