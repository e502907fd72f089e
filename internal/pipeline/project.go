package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
	"github.com/andrewlasiter/fda-tools-sub000/internal/hitl"
)

type outputKey struct {
	Stage   domain.Stage
	AgentID string
}

// Project is the aggregate root of one submission pipeline. Its event list
// is the single source of truth: current stage is derived by folding the
// events in append order and is never stored as an independent field. A
// mutex serializes appends so concurrent callers observe a total order.
type Project struct {
	ID      string
	Name    string
	Creator string

	// Now overrides the event clock in tests.
	Now func() time.Time

	mu      sync.Mutex
	events  []domain.Event
	outputs map[outputKey]domain.AgentOutput
}

// AdvanceOptions carry the optional inputs to Advance.
type AdvanceOptions struct {
	// Approval is the reviewer decision for a gated transition.
	Approval *domain.ApprovalRecord
	// SkipAgentCheck bypasses the primary-agent precondition. Intended for
	// tests and explicit operator overrides only.
	SkipAgentCheck bool
}

type createdPayload struct {
	Name string `json:"name"`
}

// New creates a project whose only event is PROJECT_CREATED; the derived
// stage is CONCEPT.
func New(id, name, creator string) *Project {
	p := &Project{
		ID:      id,
		Name:    name,
		Creator: creator,
		outputs: map[outputKey]domain.AgentOutput{},
	}
	payload, _ := json.Marshal(createdPayload{Name: name})
	p.events = append(p.events, domain.Event{
		Type:      domain.EventProjectCreated,
		Timestamp: p.now(),
		ActorID:   creator,
		ToStage:   domain.StageConcept,
		Payload:   string(payload),
	})
	return p
}

// Rehydrate rebuilds a project by replaying a stored event history. Replay
// is deterministic: two projects with identical histories have identical
// derived state.
func Rehydrate(id string, events []domain.Event) (*Project, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("project %s has no events", id)
	}
	first := events[0]
	if first.Type != domain.EventProjectCreated {
		return nil, fmt.Errorf("project %s history does not begin with %s", id, domain.EventProjectCreated)
	}
	var created createdPayload
	if first.Payload != "" {
		if err := json.Unmarshal([]byte(first.Payload), &created); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", domain.EventProjectCreated, err)
		}
	}
	p := &Project{
		ID:      id,
		Name:    created.Name,
		Creator: first.ActorID,
		events:  make([]domain.Event, len(events)),
		outputs: map[outputKey]domain.AgentOutput{},
	}
	copy(p.events, events)
	for _, ev := range p.events {
		if ev.Type == domain.EventAgentCompleted {
			p.outputs[outputKey{Stage: ev.FromStage, AgentID: ev.AgentID}] = domain.AgentOutput{
				Stage:      ev.FromStage,
				AgentID:    ev.AgentID,
				Summary:    ev.Payload,
				RecordedBy: ev.ActorID,
				RecordedAt: ev.Timestamp,
			}
		}
	}
	return p, nil
}

func (p *Project) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// CurrentStage folds the event history into the project's stage.
func (p *Project) CurrentStage() domain.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return foldStage(p.events)
}

func foldStage(events []domain.Event) domain.Stage {
	stage := domain.StageConcept
	for _, ev := range events {
		switch ev.Type {
		case domain.EventProjectCreated:
			stage = domain.StageConcept
		case domain.EventStageAdvanced:
			if ev.ToStage != "" {
				stage = ev.ToStage
			}
		}
	}
	return stage
}

// Events returns a copy of the full event history in append order.
func (p *Project) Events() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Event, len(p.events))
	copy(out, p.events)
	return out
}

// Outputs returns the recorded agent outputs for a stage.
func (p *Project) Outputs(stage domain.Stage) []domain.AgentOutput {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.AgentOutput
	for k, v := range p.outputs {
		if k.Stage == stage {
			out = append(out, v)
		}
	}
	return out
}

// RecordAgentOutput appends an AGENT_COMPLETED event and upserts the output
// keyed by (current stage, agent id). It does not validate that the agent is
// expected at this stage; presence is checked at advance time.
func (p *Project) RecordAgentOutput(agentID, summary, actorID string) domain.AgentOutput {
	p.mu.Lock()
	defer p.mu.Unlock()
	stage := foldStage(p.events)
	now := p.now()
	p.events = append(p.events, domain.Event{
		Type:      domain.EventAgentCompleted,
		Timestamp: now,
		ActorID:   actorID,
		FromStage: stage,
		AgentID:   agentID,
		Payload:   summary,
	})
	out := domain.AgentOutput{
		Stage:      stage,
		AgentID:    agentID,
		Summary:    summary,
		RecordedBy: actorID,
		RecordedAt: now,
	}
	p.outputs[outputKey{Stage: stage, AgentID: agentID}] = out
	return out
}

// Advance moves the project to the requested stage after validating the
// transition table, the guarding gate (if any) and the primary-agent
// precondition. Either every check passes and the events are appended, or
// the call fails with no partial append.
func (p *Project) Advance(to domain.Stage, actorID string, opts AdvanceOptions) (domain.Stage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	from := foldStage(p.events)
	if to == from {
		// Idempotent re-entry: safe to retry.
		return from, nil
	}
	if !ValidTransition(from, to) {
		return from, InvalidTransitionError{From: from, To: to}
	}

	var gateEvent *domain.Event
	if gate, gated := hitl.GateForTransition(from, to); gated {
		approval := opts.Approval
		switch {
		case approval == nil:
			return from, GateBlockedError{GateID: gate.ID, Reason: "approval record required"}
		case approval.GateID != gate.ID:
			return from, GateBlockedError{GateID: gate.ID, Reason: fmt.Sprintf("approval is for gate %s", approval.GateID)}
		case approval.ProjectID != p.ID:
			return from, GateBlockedError{GateID: gate.ID, Reason: fmt.Sprintf("approval is for project %s", approval.ProjectID)}
		case approval.Status != domain.ApprovalApproved:
			return from, GateBlockedError{GateID: gate.ID, Reason: fmt.Sprintf("approval status is %s", approval.Status)}
		}
		gateEvent = &domain.Event{
			Type:      domain.EventGateApproved,
			Timestamp: p.now(),
			ActorID:   approval.ReviewerID,
			FromStage: from,
			ToStage:   to,
			GateID:    gate.ID,
		}
	}

	if !opts.SkipAgentCheck {
		var missing []string
		for _, id := range PrimaryAgentIDs(from) {
			if _, ok := p.outputs[outputKey{Stage: from, AgentID: id}]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return from, PreconditionError{Stage: from, Missing: missing}
		}
	}

	if gateEvent != nil {
		p.events = append(p.events, *gateEvent)
	}
	p.events = append(p.events, domain.Event{
		Type:      domain.EventStageAdvanced,
		Timestamp: p.now(),
		ActorID:   actorID,
		FromStage: from,
		ToStage:   to,
	})
	return to, nil
}
