package pipeline_test

import (
	"errors"
	"testing"
	"time"

	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
	"github.com/andrewlasiter/fda-tools-sub000/internal/hitl"
	"github.com/andrewlasiter/fda-tools-sub000/internal/pipeline"
)

func fixedClock() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newProject(t *testing.T) *pipeline.Project {
	t.Helper()
	p := pipeline.New("proj-1", "DeviceX", "u1")
	p.Now = fixedClock
	return p
}

func approval(t *testing.T, gateID, projectID string, status domain.ApprovalStatus) *domain.ApprovalRecord {
	t.Helper()
	gate, ok := hitl.GateByID(gateID)
	if !ok {
		t.Fatalf("unknown gate %s", gateID)
	}
	rec, err := hitl.NewApprovalRecord(hitl.ApprovalOptions{
		GateID:       gateID,
		ProjectID:    projectID,
		Status:       status,
		ReviewerID:   "reviewer-1",
		ReviewerRole: "ra_lead",
		CheckedItems: gate.RequiredItemIDs(),
		Now:          fixedClock,
	})
	if err != nil {
		t.Fatalf("build approval: %v", err)
	}
	return &rec
}

func TestNewProjectStartsAtConcept(t *testing.T) {
	p := newProject(t)
	if got := p.CurrentStage(); got != domain.StageConcept {
		t.Fatalf("current stage = %s, want %s", got, domain.StageConcept)
	}
	events := p.Events()
	if len(events) != 1 || events[0].Type != domain.EventProjectCreated {
		t.Fatalf("expected single %s event, got %v", domain.EventProjectCreated, events)
	}
	if events[0].ActorID != "u1" {
		t.Fatalf("creator actor = %s, want u1", events[0].ActorID)
	}
}

func TestAdvanceIdempotentReentry(t *testing.T) {
	p := newProject(t)
	before := len(p.Events())
	stage, err := p.Advance(domain.StageConcept, "u1", pipeline.AdvanceOptions{})
	if err != nil {
		t.Fatalf("re-entry advance: %v", err)
	}
	if stage != domain.StageConcept {
		t.Fatalf("stage = %s, want %s", stage, domain.StageConcept)
	}
	if len(p.Events()) != before {
		t.Fatalf("re-entry appended events")
	}
}

func TestTransitionClosure(t *testing.T) {
	for _, from := range domain.Stages {
		for _, to := range domain.Stages {
			if from == to || pipeline.ValidTransition(from, to) {
				continue
			}
			p := newProject(t)
			// Force the project to the from stage, bypassing gates and
			// agent checks step by step.
			if err := forceToStage(t, p, from); err != nil {
				t.Fatalf("force to %s: %v", from, err)
			}
			_, err := p.Advance(to, "u1", pipeline.AdvanceOptions{SkipAgentCheck: true})
			var invalid pipeline.InvalidTransitionError
			if !errors.As(err, &invalid) {
				t.Fatalf("advance %s -> %s: expected invalid transition, got %v", from, to, err)
			}
			if invalid.From != from || invalid.To != to {
				t.Fatalf("error names %s -> %s, want %s -> %s", invalid.From, invalid.To, from, to)
			}
		}
	}
}

func forceToStage(t *testing.T, p *pipeline.Project, target domain.Stage) error {
	t.Helper()
	for p.CurrentStage() != target {
		from := p.CurrentStage()
		next, ok := pipeline.NextStage(from)
		if !ok {
			return errors.New("ran off the end of the pipeline")
		}
		opts := pipeline.AdvanceOptions{SkipAgentCheck: true}
		if gate, gated := hitl.GateForTransition(from, next); gated {
			opts.Approval = approval(t, gate.ID, p.ID, domain.ApprovalApproved)
		}
		if _, err := p.Advance(next, "u1", opts); err != nil {
			return err
		}
	}
	return nil
}

func TestGateNecessity(t *testing.T) {
	for _, gate := range hitl.Gates() {
		p := newProject(t)
		if err := forceToStage(t, p, gate.FromStage); err != nil {
			t.Fatalf("force to %s: %v", gate.FromStage, err)
		}

		cases := []struct {
			name     string
			approval *domain.ApprovalRecord
		}{
			{"no approval", nil},
			{"rejected approval", approval(t, gate.ID, p.ID, domain.ApprovalRejected)},
			{"pending approval", approval(t, gate.ID, p.ID, domain.ApprovalPending)},
		}
		for _, tc := range cases {
			_, err := p.Advance(gate.ToStage, "u1", pipeline.AdvanceOptions{
				Approval:       tc.approval,
				SkipAgentCheck: true,
			})
			var blocked pipeline.GateBlockedError
			if !errors.As(err, &blocked) {
				t.Fatalf("gate %s with %s: expected gate blocked, got %v", gate.ID, tc.name, err)
			}
			if blocked.GateID != gate.ID {
				t.Fatalf("blocked error names gate %s, want %s", blocked.GateID, gate.ID)
			}
		}

		// Mismatched gate id also blocks.
		other := hitl.Gates()[0]
		if other.ID == gate.ID {
			other = hitl.Gates()[1]
		}
		wrong := approval(t, other.ID, p.ID, domain.ApprovalApproved)
		_, err := p.Advance(gate.ToStage, "u1", pipeline.AdvanceOptions{Approval: wrong, SkipAgentCheck: true})
		var blocked pipeline.GateBlockedError
		if !errors.As(err, &blocked) {
			t.Fatalf("gate %s with mismatched approval: expected gate blocked, got %v", gate.ID, err)
		}

		// A matching APPROVED record goes through.
		stage, err := p.Advance(gate.ToStage, "u1", pipeline.AdvanceOptions{
			Approval:       approval(t, gate.ID, p.ID, domain.ApprovalApproved),
			SkipAgentCheck: true,
		})
		if err != nil {
			t.Fatalf("gate %s with valid approval: %v", gate.ID, err)
		}
		if stage != gate.ToStage {
			t.Fatalf("stage = %s, want %s", stage, gate.ToStage)
		}
	}
}

func TestAgentPrecondition(t *testing.T) {
	p := newProject(t)
	_, err := p.Advance(domain.StageClassify, "u1", pipeline.AdvanceOptions{})
	var precond pipeline.PreconditionError
	if !errors.As(err, &precond) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if len(precond.Missing) != 1 || precond.Missing[0] != "device_profiler" {
		t.Fatalf("missing agents = %v, want [device_profiler]", precond.Missing)
	}

	p.RecordAgentOutput("device_profiler", "profile drafted", "u1")
	stage, err := p.Advance(domain.StageClassify, "u1", pipeline.AdvanceOptions{})
	if err != nil {
		t.Fatalf("advance after agent output: %v", err)
	}
	if stage != domain.StageClassify {
		t.Fatalf("stage = %s, want %s", stage, domain.StageClassify)
	}
}

func TestAgentOutputUpsert(t *testing.T) {
	p := newProject(t)
	p.RecordAgentOutput("device_profiler", "first pass", "u1")
	p.RecordAgentOutput("device_profiler", "second pass", "u2")
	outs := p.Outputs(domain.StageConcept)
	if len(outs) != 1 {
		t.Fatalf("outputs = %d, want 1 (last write wins)", len(outs))
	}
	if outs[0].Summary != "second pass" || outs[0].RecordedBy != "u2" {
		t.Fatalf("unexpected output %+v", outs[0])
	}
	// Both recordings remain in history.
	completed := 0
	for _, ev := range p.Events() {
		if ev.Type == domain.EventAgentCompleted {
			completed++
		}
	}
	if completed != 2 {
		t.Fatalf("AGENT_COMPLETED events = %d, want 2", completed)
	}
}

func TestEndToEndScenario(t *testing.T) {
	p := pipeline.New("proj-1", "DeviceX", "u1")
	p.Now = fixedClock

	p.RecordAgentOutput("device_profiler", "device profile", "u1")

	stage, err := p.Advance(domain.StageClassify, "u1", pipeline.AdvanceOptions{})
	if err != nil || stage != domain.StageClassify {
		t.Fatalf("advance to CLASSIFY: stage=%s err=%v", stage, err)
	}

	_, err = p.Advance(domain.StagePredicate, "u1", pipeline.AdvanceOptions{})
	var blocked pipeline.GateBlockedError
	if !errors.As(err, &blocked) || blocked.GateID != hitl.GateClassify {
		t.Fatalf("expected gate blocked naming %s, got %v", hitl.GateClassify, err)
	}

	rec := approval(t, hitl.GateClassify, "proj-1", domain.ApprovalApproved)
	stage, err = p.Advance(domain.StagePredicate, "u1", pipeline.AdvanceOptions{Approval: rec})
	if err != nil || stage != domain.StagePredicate {
		t.Fatalf("gated advance: stage=%s err=%v", stage, err)
	}

	want := []domain.EventType{
		domain.EventProjectCreated,
		domain.EventAgentCompleted,
		domain.EventStageAdvanced,
		domain.EventGateApproved,
		domain.EventStageAdvanced,
	}
	events := p.Events()
	if len(events) != len(want) {
		t.Fatalf("event count = %d, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, ev.Type, want[i])
		}
	}
	if events[3].ActorID != "reviewer-1" {
		t.Fatalf("GATE_APPROVED actor = %s, want the reviewer", events[3].ActorID)
	}
}

func TestRehydrateDeterministic(t *testing.T) {
	p := newProject(t)
	p.RecordAgentOutput("device_profiler", "profile", "u1")
	if _, err := p.Advance(domain.StageClassify, "u1", pipeline.AdvanceOptions{}); err != nil {
		t.Fatalf("advance: %v", err)
	}

	replayed, err := pipeline.Rehydrate("proj-1", p.Events())
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if replayed.Name != "DeviceX" || replayed.Creator != "u1" {
		t.Fatalf("rehydrated identity %s/%s", replayed.Name, replayed.Creator)
	}
	if replayed.CurrentStage() != p.CurrentStage() {
		t.Fatalf("replayed stage %s != original %s", replayed.CurrentStage(), p.CurrentStage())
	}
	// Replaying the replay changes nothing.
	again, err := pipeline.Rehydrate("proj-1", replayed.Events())
	if err != nil {
		t.Fatalf("second rehydrate: %v", err)
	}
	if again.CurrentStage() != p.CurrentStage() {
		t.Fatalf("second replay diverged")
	}
}

func TestRehydrateRejectsBadHistory(t *testing.T) {
	if _, err := pipeline.Rehydrate("p", nil); err == nil {
		t.Fatal("expected error for empty history")
	}
	events := []domain.Event{{Type: domain.EventStageAdvanced, Timestamp: fixedClock()}}
	if _, err := pipeline.Rehydrate("p", events); err == nil {
		t.Fatal("expected error for history not starting with PROJECT_CREATED")
	}
}
