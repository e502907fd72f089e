package server

import (
	"time"

	"github.com/andrewlasiter/fda-tools-sub000/internal/audit"
	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type AgentOutputRequest struct {
	AgentID string `json:"agent_id"`
	Summary string `json:"summary,omitempty"`
}

type AdvanceRequest struct {
	To             string `json:"to"`
	ApprovalID     string `json:"approval_id,omitempty"`
	SkipAgentCheck bool   `json:"skip_agent_check,omitempty"`
}

type ApproveGateRequest struct {
	ProjectID      string   `json:"project_id"`
	Status         string   `json:"status" enum:"PENDING,APPROVED,REJECTED,ESCALATED"`
	CheckedItems   []string `json:"checked_items,omitempty"`
	Comments       string   `json:"comments,omitempty"`
	OverrideReason string   `json:"override_reason,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Creator      string         `json:"creator"`
	CurrentStage domain.Stage   `json:"current_stage"`
	Events       []domain.Event `json:"events"`
}

type StageResponse struct {
	Stage  domain.Stage       `json:"stage"`
	Agents []domain.AgentRole `json:"agents"`
	Gated  bool               `json:"gated"`
	GateID string             `json:"gate_id,omitempty"`
}

type AdvanceResponse struct {
	ProjectID    string       `json:"project_id"`
	CurrentStage domain.Stage `json:"current_stage"`
}

type AuditListResponse struct {
	Records []*audit.Record `json:"records"`
	Count   int             `json:"count"`
}

type VerifyResponse struct {
	Integrity map[string]audit.IntegrityStatus `json:"integrity"`
	Tampered  int                              `json:"tampered"`
}

type ReportResponse struct {
	GeneratedAt time.Time                        `json:"generated_at"`
	Passed      bool                             `json:"passed"`
	Findings    []audit.Finding                  `json:"findings"`
	Integrity   map[string]audit.IntegrityStatus `json:"integrity"`
}
