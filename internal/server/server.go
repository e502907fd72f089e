// Package server exposes the compliance engine over HTTP. Route handlers
// authenticate via JWT, authorize against the access-control policy, and
// delegate to the engine; authorization denials are recorded in the audit
// log as ACCESS_DENIED actions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/andrewlasiter/fda-tools-sub000/internal/audit"
	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
	"github.com/andrewlasiter/fda-tools-sub000/internal/engine"
	"github.com/andrewlasiter/fda-tools-sub000/internal/hitl"
	"github.com/andrewlasiter/fda-tools-sub000/internal/pipeline"
	"github.com/andrewlasiter/fda-tools-sub000/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

var (
	errUnauthorized = errors.New("authentication required")
	errForbidden    = errors.New("insufficient role")
)

type apiErrorBody struct {
	Code    string `json:"code" example:"gate_blocked"`
	Message string `json:"message" example:"transition blocked by gate GATE_CLASSIFY"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	default:
		return "internal_error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]apiErrorBody{
		"error": {Code: code, Message: message},
	})
}

// New returns an HTTP handler exposing the compliance API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Submission Compliance API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := service{engine: cfg.Engine, policy: audit.NewPolicy()}
	registerHealth(group)
	s.registerStages(group)
	s.registerGates(group)
	s.registerProjects(group)
	s.registerAudit(group)
	s.registerReport(group)

	return router, nil
}

type service struct {
	engine engine.Engine
	policy *audit.Policy
}

// authorize resolves the caller and checks the policy; denials are recorded
// as ACCESS_DENIED audit actions before being surfaced.
func (s service) authorize(ctx context.Context, action audit.Action, recordType string) (Principal, huma.StatusError) {
	p, err := requireAction(ctx, s.policy, action, recordType)
	if errors.Is(err, errUnauthorized) {
		return p, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required")
	}
	if errors.Is(err, errForbidden) {
		_, _ = s.engine.RecordAction(ctx, audit.RecordOptions{
			UserID:     p.ActorID,
			Action:     audit.ActionAccessDenied,
			RecordType: recordType,
			Content:    fmt.Sprintf("role %s denied action %s", p.Role, action),
		})
		return p, newAPIError(http.StatusForbidden, "forbidden", fmt.Sprintf("role %s may not %s %s", p.Role, action, recordType))
	}
	return p, nil
}

func mapError(err error) huma.StatusError {
	var (
		invalid   pipeline.InvalidTransitionError
		blocked   pipeline.GateBlockedError
		precond   pipeline.PreconditionError
		checklist hitl.ChecklistError
		dup       audit.DuplicateRecordError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &invalid):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error())
	case errors.As(err, &blocked):
		return newAPIError(http.StatusConflict, "gate_blocked", err.Error())
	case errors.As(err, &precond):
		return newAPIError(http.StatusConflict, "precondition_unmet", err.Error())
	case errors.As(err, &checklist):
		return newAPIError(http.StatusUnprocessableEntity, "checklist_incomplete", err.Error())
	case errors.As(err, &dup):
		return newAPIError(http.StatusConflict, "duplicate_record", err.Error())
	case errors.Is(err, audit.ErrSigningKeyMissing):
		return newAPIError(http.StatusInternalServerError, "signing_key_missing", err.Error())
	default:
		return newAPIError(http.StatusBadRequest, "", err.Error())
	}
}

func registerHealth(group *huma.Group) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func (s service) registerStages(group *huma.Group) {
	type stagesOutput struct {
		Body struct {
			Stages []StageResponse `json:"stages"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List pipeline stages with agent requirements and gates",
	}, func(ctx context.Context, _ *struct{}) (*stagesOutput, error) {
		if _, herr := s.authorize(ctx, audit.ActionRead, "stage"); herr != nil {
			return nil, herr
		}
		out := &stagesOutput{}
		for _, stage := range domain.Stages {
			resp := StageResponse{Stage: stage, Agents: pipeline.AgentsForStage(stage)}
			if next, ok := pipeline.NextStage(stage); ok {
				if gate, gated := hitl.GateForTransition(stage, next); gated {
					resp.Gated = true
					resp.GateID = gate.ID
				}
			}
			out.Body.Stages = append(out.Body.Stages, resp)
		}
		return out, nil
	})
}

func (s service) registerGates(group *huma.Group) {
	type gatesOutput struct {
		Body struct {
			Gates []domain.Gate `json:"gates"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "list-gates",
		Method:      http.MethodGet,
		Path:        "/gates",
		Summary:     "List human-in-the-loop gates",
	}, func(ctx context.Context, _ *struct{}) (*gatesOutput, error) {
		if _, herr := s.authorize(ctx, audit.ActionRead, "gate"); herr != nil {
			return nil, herr
		}
		out := &gatesOutput{}
		out.Body.Gates = hitl.Gates()
		return out, nil
	})

	type approveInput struct {
		GateID string `path:"gateID"`
		Body   ApproveGateRequest
	}
	type approveOutput struct {
		Body domain.ApprovalRecord
	}
	huma.Register(group, huma.Operation{
		OperationID: "approve-gate",
		Method:      http.MethodPost,
		Path:        "/gates/{gateID}/approvals",
		Summary:     "Record a reviewer decision for a gate",
	}, func(ctx context.Context, in *approveInput) (*approveOutput, error) {
		status := domain.ApprovalStatus(in.Body.Status)
		action := audit.ActionUpdate
		switch status {
		case domain.ApprovalApproved:
			action = audit.ActionApprove
		case domain.ApprovalRejected:
			action = audit.ActionReject
		}
		p, herr := s.authorize(ctx, action, "gate_approval")
		if herr != nil {
			return nil, herr
		}
		rec, err := s.engine.ApproveGate(ctx, engine.ApproveGateOptions{
			GateID:         in.GateID,
			ProjectID:      in.Body.ProjectID,
			Status:         status,
			ReviewerID:     p.ActorID,
			ReviewerRole:   string(p.Role),
			CheckedItems:   in.Body.CheckedItems,
			Comments:       in.Body.Comments,
			OverrideReason: in.Body.OverrideReason,
		})
		if err != nil {
			return nil, mapError(err)
		}
		return &approveOutput{Body: rec}, nil
	})
}

func (s service) registerProjects(group *huma.Group) {
	type createInput struct {
		Body CreateProjectRequest
	}
	huma.Register(group, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create a submission project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *createInput) (*projectOutput, error) {
		p, herr := s.authorize(ctx, audit.ActionCreate, "project")
		if herr != nil {
			return nil, herr
		}
		if _, err := s.engine.CreateProject(ctx, in.Body.ID, in.Body.Name, p.ActorID); err != nil {
			return nil, mapError(err)
		}
		return s.projectOutput(ctx, in.Body.ID)
	})

	type listOutput struct {
		Body struct {
			Projects []store.ProjectRow `json:"projects"`
		}
	}
	huma.Register(group, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*listOutput, error) {
		if _, herr := s.authorize(ctx, audit.ActionRead, "project"); herr != nil {
			return nil, herr
		}
		rows, err := s.engine.Store.ListProjects(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		out := &listOutput{}
		out.Body.Projects = rows
		return out, nil
	})

	type getInput struct {
		ProjectID string `path:"projectID"`
	}
	huma.Register(group, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{projectID}",
		Summary:     "Fetch a project with its derived stage and history",
	}, func(ctx context.Context, in *getInput) (*projectOutput, error) {
		if _, herr := s.authorize(ctx, audit.ActionRead, "project"); herr != nil {
			return nil, herr
		}
		return s.projectOutput(ctx, in.ProjectID)
	})

	type agentOutputInput struct {
		ProjectID string `path:"projectID"`
		Body      AgentOutputRequest
	}
	type agentOutputOutput struct {
		Body domain.AgentOutput
	}
	huma.Register(group, huma.Operation{
		OperationID:   "record-agent-output",
		Method:        http.MethodPost,
		Path:          "/projects/{projectID}/agent-output",
		Summary:       "Record agent output for the project's current stage",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *agentOutputInput) (*agentOutputOutput, error) {
		p, herr := s.authorize(ctx, audit.ActionCreate, "agent_output")
		if herr != nil {
			return nil, herr
		}
		out, err := s.engine.RecordAgentOutput(ctx, in.ProjectID, in.Body.AgentID, in.Body.Summary, p.ActorID)
		if err != nil {
			return nil, mapError(err)
		}
		return &agentOutputOutput{Body: out}, nil
	})

	type advanceInput struct {
		ProjectID string `path:"projectID"`
		Body      AdvanceRequest
	}
	type advanceOutput struct {
		Body AdvanceResponse
	}
	huma.Register(group, huma.Operation{
		OperationID: "advance-project",
		Method:      http.MethodPost,
		Path:        "/projects/{projectID}/advance",
		Summary:     "Advance a project to the next stage",
	}, func(ctx context.Context, in *advanceInput) (*advanceOutput, error) {
		p, herr := s.authorize(ctx, audit.ActionUpdate, "project_stage")
		if herr != nil {
			return nil, herr
		}
		to, err := domain.ParseStage(in.Body.To)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error())
		}
		stage, err := s.engine.Advance(ctx, engine.AdvanceOptions{
			ProjectID:      in.ProjectID,
			To:             to,
			ActorID:        p.ActorID,
			ApprovalID:     in.Body.ApprovalID,
			SkipAgentCheck: in.Body.SkipAgentCheck,
		})
		if err != nil {
			return nil, mapError(err)
		}
		return &advanceOutput{Body: AdvanceResponse{ProjectID: in.ProjectID, CurrentStage: stage}}, nil
	})
}

type projectOutput struct {
	Body ProjectResponse
}

func (s service) projectOutput(ctx context.Context, id string) (*projectOutput, error) {
	p, err := s.engine.LoadProject(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}
	out := &projectOutput{}
	out.Body = ProjectResponse{
		ID:           p.ID,
		Name:         p.Name,
		Creator:      p.Creator,
		CurrentStage: p.CurrentStage(),
		Events:       p.Events(),
	}
	return out, nil
}

func (s service) registerAudit(group *huma.Group) {
	type auditInput struct {
		UserID     string `query:"user_id"`
		Action     string `query:"action"`
		RecordType string `query:"record_type"`
		SubjectID  string `query:"subject_id"`
		From       string `query:"from" doc:"RFC3339 lower bound"`
		To         string `query:"to" doc:"RFC3339 upper bound"`
	}
	type auditOutput struct {
		Body AuditListResponse
	}
	huma.Register(group, huma.Operation{
		OperationID: "list-audit-records",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit log",
	}, func(ctx context.Context, in *auditInput) (*auditOutput, error) {
		if _, herr := s.authorize(ctx, audit.ActionRead, "audit_record"); herr != nil {
			return nil, herr
		}
		log, err := s.engine.AuditLog(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		q := audit.Query{
			UserID:     in.UserID,
			Action:     audit.Action(in.Action),
			RecordType: in.RecordType,
			SubjectID:  in.SubjectID,
		}
		if in.From != "" {
			t, err := time.Parse(time.RFC3339, in.From)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid from timestamp")
			}
			q.From = &t
		}
		if in.To != "" {
			t, err := time.Parse(time.RFC3339, in.To)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid to timestamp")
			}
			q.To = &t
		}
		records := log.Filter(q)
		return &auditOutput{Body: AuditListResponse{Records: records, Count: len(records)}}, nil
	})

	type verifyOutput struct {
		Body VerifyResponse
	}
	huma.Register(group, huma.Operation{
		OperationID: "verify-audit-log",
		Method:      http.MethodGet,
		Path:        "/audit/verify",
		Summary:     "Run the integrity pass over the audit log",
	}, func(ctx context.Context, _ *struct{}) (*verifyOutput, error) {
		if _, herr := s.authorize(ctx, audit.ActionRead, "audit_record"); herr != nil {
			return nil, herr
		}
		integrity, err := s.engine.VerifyAudit(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		tampered := 0
		for _, st := range integrity {
			if st == audit.IntegrityTampered {
				tampered++
			}
		}
		return &verifyOutput{Body: VerifyResponse{Integrity: integrity, Tampered: tampered}}, nil
	})

	type exportOutput struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}
	huma.Register(group, huma.Operation{
		OperationID: "export-audit-log",
		Method:      http.MethodGet,
		Path:        "/audit/export",
		Summary:     "Export the full audit log for inspection",
	}, func(ctx context.Context, _ *struct{}) (*exportOutput, error) {
		p, herr := s.authorize(ctx, audit.ActionExport, "audit_log")
		if herr != nil {
			return nil, herr
		}
		data, err := s.engine.ExportAudit(ctx, p.ActorID)
		if err != nil {
			return nil, mapError(err)
		}
		return &exportOutput{ContentType: "application/json", Body: data}, nil
	})
}

func (s service) registerReport(group *huma.Group) {
	type reportOutput struct {
		Body ReportResponse
	}
	huma.Register(group, huma.Operation{
		OperationID: "compliance-report",
		Method:      http.MethodGet,
		Path:        "/report",
		Summary:     "Generate the compliance report",
	}, func(ctx context.Context, _ *struct{}) (*reportOutput, error) {
		if _, herr := s.authorize(ctx, audit.ActionRead, "compliance_report"); herr != nil {
			return nil, herr
		}
		report, err := s.engine.Report(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		return &reportOutput{Body: ReportResponse{
			GeneratedAt: report.GeneratedAt,
			Passed:      report.Passed(),
			Findings:    report.Findings,
			Integrity:   report.Integrity,
		}}, nil
	})
}
