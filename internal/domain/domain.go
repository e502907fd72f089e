package domain

import (
	"fmt"
	"time"
)

// Stage is one step of the device-submission pipeline. Display order follows
// Stages; advancement is governed by the transition table in the pipeline
// package, not by position in this list.
type Stage string

const (
	StageConcept    Stage = "CONCEPT"
	StageClassify   Stage = "CLASSIFY"
	StagePredicate  Stage = "PREDICATE"
	StagePathway    Stage = "PATHWAY"
	StagePresub     Stage = "PRESUB"
	StageTesting    Stage = "TESTING"
	StageDrafting   Stage = "DRAFTING"
	StageReview     Stage = "REVIEW"
	StageSubmit     Stage = "SUBMIT"
	StageFDAReview  Stage = "FDA_REVIEW"
	StageCleared    Stage = "CLEARED"
	StagePostMarket Stage = "POST_MARKET"
)

// Stages lists every pipeline stage in display order.
var Stages = []Stage{
	StageConcept,
	StageClassify,
	StagePredicate,
	StagePathway,
	StagePresub,
	StageTesting,
	StageDrafting,
	StageReview,
	StageSubmit,
	StageFDAReview,
	StageCleared,
	StagePostMarket,
}

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

type EventType string

const (
	EventProjectCreated EventType = "PROJECT_CREATED"
	EventStageAdvanced  EventType = "STAGE_ADVANCED"
	EventGateApproved   EventType = "GATE_APPROVED"
	EventGateRejected   EventType = "GATE_REJECTED"
	EventAgentCompleted EventType = "AGENT_COMPLETED"
	EventError          EventType = "ERROR"
)

// Event is an immutable fact in a project's history. Once appended it is
// never mutated or removed; current stage is always derived by replaying
// events in append order.
type Event struct {
	Type      EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	FromStage Stage     `json:"from_stage,omitempty"`
	ToStage   Stage     `json:"to_stage,omitempty"`
	GateID    string    `json:"gate_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Payload   string    `json:"payload,omitempty"`
}

// AgentRole describes a capability attached to a stage. Primary roles block
// stage advancement until they have recorded output; supporting roles are
// advisory only.
type AgentRole struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Primary     bool   `json:"primary"`
}

// AgentOutput records that an agent produced usable output for a stage.
// Re-recording for the same (stage, agent) key overwrites.
type AgentOutput struct {
	Stage      Stage     `json:"stage"`
	AgentID    string    `json:"agent_id"`
	Summary    string    `json:"summary,omitempty"`
	RecordedBy string    `json:"recorded_by"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ChecklistItem is one approval criterion on a gate's checklist.
type ChecklistItem struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Required bool   `json:"required"`
	HelpRef  string `json:"help_ref,omitempty"`
}

// Gate is a static human-in-the-loop checkpoint guarding one stage
// transition. Escalation must be strictly greater than SLA.
type Gate struct {
	ID            string          `json:"id"`
	FromStage     Stage           `json:"from_stage"`
	ToStage       Stage           `json:"to_stage"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	ReviewerRoles []string        `json:"reviewer_roles"`
	Checklist     []ChecklistItem `json:"checklist"`
	SLA           time.Duration   `json:"sla"`
	Escalation    time.Duration   `json:"escalation"`
}

// RequiredItemIDs returns the ids of checklist items with the required flag.
func (g Gate) RequiredItemIDs() []string {
	var ids []string
	for _, item := range g.Checklist {
		if item.Required {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalEscalated ApprovalStatus = "ESCALATED"
)

// ApprovalRecord is one reviewer decision against a gate. Records are
// created once and never mutated; a resubmission creates a new record.
type ApprovalRecord struct {
	ID             string         `json:"id"`
	GateID         string         `json:"gate_id"`
	ProjectID      string         `json:"project_id"`
	Status         ApprovalStatus `json:"status"`
	ReviewerID     string         `json:"reviewer_id"`
	ReviewerRole   string         `json:"reviewer_role"`
	Timestamp      time.Time      `json:"timestamp"`
	CheckedItems   []string       `json:"checked_items"`
	Comments       string         `json:"comments,omitempty"`
	OverrideReason string         `json:"override_reason,omitempty"`
}
