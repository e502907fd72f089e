package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andrewlasiter/fda-tools-sub000/internal/audit"
	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
)

type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ProjectRow is the projects table shape.
type ProjectRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Creator   string `json:"creator"`
	CreatedAt string `json:"created_at"`
}

func (s Store) InsertProject(ctx context.Context, tx *sql.Tx, p ProjectRow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,creator,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, p.Creator, p.CreatedAt)
	return err
}

func (s Store) GetProject(ctx context.Context, id string) (ProjectRow, error) {
	var p ProjectRow
	err := s.DB.QueryRowContext(ctx, `SELECT id,name,creator,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Creator, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (s Store) ListProjects(ctx context.Context) ([]ProjectRow, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,name,creator,created_at FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProjectRow
	for rows.Next() {
		var p ProjectRow
		if err := rows.Scan(&p.ID, &p.Name, &p.Creator, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendEvents persists new project events in append order.
func (s Store) AppendEvents(ctx context.Context, tx *sql.Tx, projectID string, events []domain.Event) error {
	for _, ev := range events {
		_, err := tx.ExecContext(ctx, `INSERT INTO project_events(project_id,event_type,ts,actor_id,from_stage,to_stage,gate_id,agent_id,payload)
VALUES (?,?,?,?,?,?,?,?,?)`,
			projectID, string(ev.Type), ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.ActorID,
			nullable(string(ev.FromStage)), nullable(string(ev.ToStage)), nullable(ev.GateID), nullable(ev.AgentID), nullable(ev.Payload))
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.Type, err)
		}
	}
	return nil
}

// ListEvents returns a project's full event history in append order.
func (s Store) ListEvents(ctx context.Context, projectID string) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT event_type,ts,actor_id,
COALESCE(from_stage,''),COALESCE(to_stage,''),COALESCE(gate_id,''),COALESCE(agent_id,''),COALESCE(payload,'')
FROM project_events WHERE project_id=? ORDER BY seq`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var (
			ev         domain.Event
			evType, ts string
			from, to   string
		)
		if err := rows.Scan(&evType, &ts, &ev.ActorID, &from, &to, &ev.GateID, &ev.AgentID, &ev.Payload); err != nil {
			return nil, err
		}
		ev.Type = domain.EventType(evType)
		ev.FromStage = domain.Stage(from)
		ev.ToStage = domain.Stage(to)
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s Store) InsertApproval(ctx context.Context, tx *sql.Tx, rec domain.ApprovalRecord) error {
	checked, err := json.Marshal(rec.CheckedItems)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO gate_approvals(id,gate_id,project_id,status,reviewer_id,reviewer_role,ts,checked_json,comments,override_reason)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.GateID, rec.ProjectID, string(rec.Status), rec.ReviewerID, rec.ReviewerRole,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), string(checked), nullable(rec.Comments), nullable(rec.OverrideReason))
	return err
}

func (s Store) GetApproval(ctx context.Context, id string) (domain.ApprovalRecord, error) {
	var (
		rec         domain.ApprovalRecord
		status, ts  string
		checkedJSON string
	)
	err := s.DB.QueryRowContext(ctx, `SELECT id,gate_id,project_id,status,reviewer_id,reviewer_role,ts,checked_json,COALESCE(comments,''),COALESCE(override_reason,'')
FROM gate_approvals WHERE id=?`, id).
		Scan(&rec.ID, &rec.GateID, &rec.ProjectID, &status, &rec.ReviewerID, &rec.ReviewerRole, &ts, &checkedJSON, &rec.Comments, &rec.OverrideReason)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Status = domain.ApprovalStatus(status)
	if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return rec, fmt.Errorf("parse approval timestamp: %w", err)
	}
	if err := json.Unmarshal([]byte(checkedJSON), &rec.CheckedItems); err != nil {
		return rec, fmt.Errorf("decode checked items: %w", err)
	}
	return rec, nil
}

func (s Store) InsertAuditRecord(ctx context.Context, tx *sql.Tx, r *audit.Record) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	var sigJSON any
	if r.Signature != nil {
		b, err := json.Marshal(r.Signature)
		if err != nil {
			return err
		}
		sigJSON = string(b)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_records(id,user_id,display_name,action,record_type,subject_id,ts,fingerprint,content,agent_id,metadata_json,signature_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, nullable(r.DisplayName), string(r.Action), nullable(r.RecordType), nullable(r.SubjectID),
		r.Timestamp.UTC().Format(time.RFC3339Nano), r.Fingerprint, nullable(r.Content), nullable(r.AgentID), string(meta), sigJSON)
	return err
}

// AttachSignature stores a signature on an unsigned audit record. Refuses
// to overwrite an existing signature.
func (s Store) AttachSignature(ctx context.Context, recordID string, sig audit.Signature) error {
	b, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE audit_records SET signature_json=? WHERE id=? AND signature_json IS NULL`, string(b), recordID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("audit record %s missing or already signed", recordID)
	}
	return nil
}

// LoadAuditLog rebuilds the in-memory audit log from the durable table.
func (s Store) LoadAuditLog(ctx context.Context) (*audit.Log, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,user_id,COALESCE(display_name,''),action,COALESCE(record_type,''),COALESCE(subject_id,''),ts,fingerprint,COALESCE(content,''),COALESCE(agent_id,''),COALESCE(metadata_json,'{}'),signature_json
FROM audit_records ORDER BY ts, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	log := audit.NewLog()
	for rows.Next() {
		var (
			r        audit.Record
			action   string
			ts       string
			metaJSON string
			sigJSON  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.DisplayName, &action, &r.RecordType, &r.SubjectID, &ts, &r.Fingerprint, &r.Content, &r.AgentID, &metaJSON, &sigJSON); err != nil {
			return nil, err
		}
		r.Action = audit.Action(action)
		if r.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		if sigJSON.Valid {
			var sig audit.Signature
			if err := json.Unmarshal([]byte(sigJSON.String), &sig); err != nil {
				return nil, fmt.Errorf("decode audit signature: %w", err)
			}
			r.Signature = &sig
		}
		if err := log.Append(&r); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return log, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
