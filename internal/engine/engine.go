// Package engine wires the pure pipeline, hitl and audit packages to the
// SQLite store. Every mutating operation runs in one transaction: either
// the state change and its audit record both commit, or neither does.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andrewlasiter/fda-tools-sub000/internal/audit"
	"github.com/andrewlasiter/fda-tools-sub000/internal/config"
	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
	"github.com/andrewlasiter/fda-tools-sub000/internal/hitl"
	"github.com/andrewlasiter/fda-tools-sub000/internal/pipeline"
	"github.com/andrewlasiter/fda-tools-sub000/internal/store"
)

type Engine struct {
	DB     *sql.DB
	Store  store.Store
	Config *config.Config
	// SigningKey is process-wide configuration sourced from the
	// environment. It is threaded into every signing call explicitly;
	// approvals cannot be signed without it.
	SigningKey []byte
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config, signingKey []byte) Engine {
	return Engine{
		DB:         db,
		Store:      store.Store{DB: db},
		Config:     cfg,
		SigningKey: signingKey,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateProject starts a new submission pipeline at CONCEPT.
func (e Engine) CreateProject(ctx context.Context, id, name, creator string) (store.ProjectRow, error) {
	if id == "" {
		return store.ProjectRow{}, errors.New("project id required")
	}
	if name == "" {
		return store.ProjectRow{}, errors.New("project name required")
	}
	if _, err := e.Store.GetProject(ctx, id); err == nil {
		return store.ProjectRow{}, fmt.Errorf("project %s already exists", id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.ProjectRow{}, err
	}

	p := pipeline.New(id, name, creator)
	p.Now = e.Now
	row := store.ProjectRow{
		ID:        id,
		Name:      name,
		Creator:   creator,
		CreatedAt: e.now().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return store.ProjectRow{}, err
	}
	defer tx.Rollback()

	if err := e.Store.InsertProject(ctx, tx, row); err != nil {
		return store.ProjectRow{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Store.AppendEvents(ctx, tx, id, p.Events()); err != nil {
		return store.ProjectRow{}, err
	}
	if err := e.recordAction(ctx, tx, audit.RecordOptions{
		UserID:     creator,
		Action:     audit.ActionCreate,
		RecordType: "project",
		SubjectID:  id,
		Content:    mustJSON(row),
	}, nil); err != nil {
		return store.ProjectRow{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.ProjectRow{}, err
	}
	return row, nil
}

// LoadProject rehydrates a project aggregate from its stored history.
func (e Engine) LoadProject(ctx context.Context, id string) (*pipeline.Project, error) {
	if _, err := e.Store.GetProject(ctx, id); err != nil {
		return nil, err
	}
	events, err := e.Store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.Rehydrate(id, events)
	if err != nil {
		return nil, err
	}
	p.Now = e.Now
	return p, nil
}

// RecordAgentOutput notes that an agent produced output for the project's
// current stage.
func (e Engine) RecordAgentOutput(ctx context.Context, projectID, agentID, summary, actorID string) (domain.AgentOutput, error) {
	if agentID == "" {
		return domain.AgentOutput{}, errors.New("agent id required")
	}
	p, err := e.LoadProject(ctx, projectID)
	if err != nil {
		return domain.AgentOutput{}, err
	}
	before := len(p.Events())
	out := p.RecordAgentOutput(agentID, summary, actorID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentOutput{}, err
	}
	defer tx.Rollback()

	if err := e.Store.AppendEvents(ctx, tx, projectID, p.Events()[before:]); err != nil {
		return domain.AgentOutput{}, err
	}
	if err := e.recordAction(ctx, tx, audit.RecordOptions{
		UserID:     actorID,
		Action:     audit.ActionCreate,
		RecordType: "agent_output",
		SubjectID:  projectID,
		AgentID:    agentID,
		Content:    mustJSON(out),
	}, nil); err != nil {
		return domain.AgentOutput{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentOutput{}, err
	}
	return out, nil
}

// ApproveGateOptions carry a reviewer decision into ApproveGate.
type ApproveGateOptions struct {
	GateID         string
	ProjectID      string
	Status         domain.ApprovalStatus
	ReviewerID     string
	ReviewerRole   string
	CheckedItems   []string
	Comments       string
	OverrideReason string
}

// ApproveGate runs the approval factory, persists the record, and wraps the
// decision in a signed audit record. APPROVED decisions are signed with the
// configured key; a missing key fails the whole operation.
func (e Engine) ApproveGate(ctx context.Context, opts ApproveGateOptions) (domain.ApprovalRecord, error) {
	if _, err := e.Store.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.ApprovalRecord{}, err
	}
	rec, err := hitl.NewApprovalRecord(hitl.ApprovalOptions{
		GateID:         opts.GateID,
		ProjectID:      opts.ProjectID,
		Status:         opts.Status,
		ReviewerID:     opts.ReviewerID,
		ReviewerRole:   opts.ReviewerRole,
		CheckedItems:   opts.CheckedItems,
		Comments:       opts.Comments,
		OverrideReason: opts.OverrideReason,
		Now:            e.Now,
	})
	if err != nil {
		return domain.ApprovalRecord{}, err
	}

	action := audit.ActionUpdate
	var sign bool
	switch rec.Status {
	case domain.ApprovalApproved:
		action = audit.ActionApprove
		sign = true
	case domain.ApprovalRejected:
		action = audit.ActionReject
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRecord{}, err
	}
	defer tx.Rollback()

	if err := e.Store.InsertApproval(ctx, tx, rec); err != nil {
		return domain.ApprovalRecord{}, fmt.Errorf("insert approval: %w", err)
	}
	recordOpts := audit.RecordOptions{
		UserID:     rec.ReviewerID,
		Action:     action,
		RecordType: "gate_approval",
		SubjectID:  rec.ProjectID,
		Content:    mustJSON(rec),
		Metadata:   map[string]string{"gate_id": rec.GateID, "approval_id": rec.ID},
	}
	var signer *audit.SignOptions
	if sign {
		signer = &audit.SignOptions{
			SignerID:   rec.ReviewerID,
			SignerName: e.reviewerName(rec.ReviewerID),
			Meaning:    fmt.Sprintf("Approved gate %s for project %s", rec.GateID, rec.ProjectID),
			Now:        e.Now,
		}
	}
	if err := e.recordAction(ctx, tx, recordOpts, signer); err != nil {
		return domain.ApprovalRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRecord{}, err
	}
	return rec, nil
}

// AdvanceOptions carry the inputs to Advance.
type AdvanceOptions struct {
	ProjectID string
	To        domain.Stage
	ActorID   string
	// ApprovalID references a persisted gate approval for gated
	// transitions.
	ApprovalID string
	// SkipAgentCheck bypasses the primary-agent precondition.
	SkipAgentCheck bool
}

// Advance moves a project to the requested stage, persisting the new events
// and an audit record atomically.
func (e Engine) Advance(ctx context.Context, opts AdvanceOptions) (domain.Stage, error) {
	p, err := e.LoadProject(ctx, opts.ProjectID)
	if err != nil {
		return "", err
	}
	var approval *domain.ApprovalRecord
	if opts.ApprovalID != "" {
		rec, err := e.Store.GetApproval(ctx, opts.ApprovalID)
		if err != nil {
			return p.CurrentStage(), fmt.Errorf("approval %s: %w", opts.ApprovalID, err)
		}
		approval = &rec
	}

	before := len(p.Events())
	from := p.CurrentStage()
	stage, err := p.Advance(opts.To, opts.ActorID, pipeline.AdvanceOptions{
		Approval:       approval,
		SkipAgentCheck: opts.SkipAgentCheck,
	})
	if err != nil {
		return stage, err
	}
	newEvents := p.Events()[before:]
	if len(newEvents) == 0 {
		// Idempotent re-entry; nothing to persist.
		return stage, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return stage, err
	}
	defer tx.Rollback()

	if err := e.Store.AppendEvents(ctx, tx, opts.ProjectID, newEvents); err != nil {
		return stage, err
	}
	if err := e.recordAction(ctx, tx, audit.RecordOptions{
		UserID:     opts.ActorID,
		Action:     audit.ActionUpdate,
		RecordType: "project_stage",
		SubjectID:  opts.ProjectID,
		Content:    mustJSON(map[string]string{"from": string(from), "to": string(stage)}),
	}, nil); err != nil {
		return stage, err
	}
	if err := tx.Commit(); err != nil {
		return stage, err
	}
	return stage, nil
}

// RecordAction appends a standalone audit record for any regulated action
// in the host.
func (e Engine) RecordAction(ctx context.Context, opts audit.RecordOptions) (*audit.Record, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rec, err := e.buildRecord(opts, nil)
	if err != nil {
		return nil, err
	}
	if err := e.Store.InsertAuditRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// AuditLog loads the full durable audit log.
func (e Engine) AuditLog(ctx context.Context) (*audit.Log, error) {
	return e.Store.LoadAuditLog(ctx)
}

// VerifyAudit runs the integrity pass over the durable log.
func (e Engine) VerifyAudit(ctx context.Context) (map[string]audit.IntegrityStatus, error) {
	log, err := e.Store.LoadAuditLog(ctx)
	if err != nil {
		return nil, err
	}
	return log.VerifyAll(), nil
}

// ExportAudit serializes the full log for an inspector and records the
// export as a regulated action itself.
func (e Engine) ExportAudit(ctx context.Context, actorID string) ([]byte, error) {
	log, err := e.Store.LoadAuditLog(ctx)
	if err != nil {
		return nil, err
	}
	data, err := log.ExportJSON()
	if err != nil {
		return nil, err
	}
	if _, err := e.RecordAction(ctx, audit.RecordOptions{
		UserID:     actorID,
		Action:     audit.ActionExport,
		RecordType: "audit_log",
		Content:    fmt.Sprintf("exported %d records", log.Len()),
		Now:        e.Now,
	}); err != nil {
		return nil, err
	}
	return data, nil
}

// Report generates the compliance report from the durable log and the
// loaded configuration.
func (e Engine) Report(ctx context.Context) (audit.Report, error) {
	log, err := e.Store.LoadAuditLog(ctx)
	if err != nil {
		return audit.Report{}, err
	}
	return audit.Generate(log, e.Config.ReportConfig(), e.SigningKey), nil
}

func (e Engine) reviewerName(reviewerID string) string {
	if e.Config != nil {
		if r, ok := e.Config.Reviewers[reviewerID]; ok && r.Name != "" {
			return r.Name
		}
	}
	return reviewerID
}

func (e Engine) buildRecord(opts audit.RecordOptions, signer *audit.SignOptions) (*audit.Record, error) {
	if opts.Now == nil {
		opts.Now = e.Now
	}
	if opts.DisplayName == "" {
		opts.DisplayName = e.reviewerName(opts.UserID)
	}
	rec, err := audit.NewRecord(opts)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		signer.RecordHash = rec.Fingerprint
		sig, err := audit.Sign(*signer, e.SigningKey)
		if err != nil {
			return nil, err
		}
		if err := rec.AttachSignature(sig); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (e Engine) recordAction(ctx context.Context, tx *sql.Tx, opts audit.RecordOptions, signer *audit.SignOptions) error {
	rec, err := e.buildRecord(opts, signer)
	if err != nil {
		return err
	}
	return e.Store.InsertAuditRecord(ctx, tx, rec)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
