package audit_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/andrewlasiter/fda-tools-sub000/internal/audit"
)

func seededLog(t *testing.T) *audit.Log {
	t.Helper()
	log := audit.NewLog()
	entries := []struct {
		user    string
		action  audit.Action
		rtype   string
		subject string
		offset  time.Duration
	}{
		{"u1", audit.ActionCreate, "project", "proj-1", 0},
		{"u1", audit.ActionUpdate, "project", "proj-1", time.Hour},
		{"u2", audit.ActionApprove, "gate_approval", "GATE_CLASSIFY", 2 * time.Hour},
		{"u2", audit.ActionRead, "project", "proj-2", 3 * time.Hour},
	}
	for _, e := range entries {
		offset := e.offset
		rec, err := audit.NewRecord(audit.RecordOptions{
			UserID:     e.user,
			Action:     e.action,
			RecordType: e.rtype,
			SubjectID:  e.subject,
			Content:    string(e.action) + " " + e.subject,
			Now:        func() time.Time { return testClock().Add(offset) },
		})
		if err != nil {
			t.Fatalf("seed record: %v", err)
		}
		if err := log.Append(rec); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
	return log
}

func TestAppendRejectsDuplicateID(t *testing.T) {
	log := audit.NewLog()
	rec := newRecord(t, audit.ActionCreate)
	if err := log.Append(rec); err != nil {
		t.Fatalf("first append: %v", err)
	}
	err := log.Append(rec)
	var dup audit.DuplicateRecordError
	if !errors.As(err, &dup) || dup.ID != rec.ID {
		t.Fatalf("second append: got %v, want duplicate error for %s", err, rec.ID)
	}
	if log.Len() != 1 {
		t.Fatalf("log length = %d, want 1", log.Len())
	}
}

func TestFilterANDSemantics(t *testing.T) {
	log := seededLog(t)

	if got := len(log.Filter(audit.Query{UserID: "u1"})); got != 2 {
		t.Fatalf("user filter matched %d, want 2", got)
	}
	if got := len(log.Filter(audit.Query{Action: audit.ActionApprove})); got != 1 {
		t.Fatalf("action filter matched %d, want 1", got)
	}
	if got := len(log.Filter(audit.Query{UserID: "u1", RecordType: "project"})); got != 2 {
		t.Fatalf("combined filter matched %d, want 2", got)
	}
	if got := len(log.Filter(audit.Query{UserID: "u2", Action: audit.ActionCreate})); got != 0 {
		t.Fatalf("disjoint filter matched %d, want 0", got)
	}

	from := testClock().Add(90 * time.Minute)
	to := testClock().Add(150 * time.Minute)
	got := log.Filter(audit.Query{From: &from, To: &to})
	if len(got) != 1 || got[0].Action != audit.ActionApprove {
		t.Fatalf("time window matched %v, want the APPROVE record only", got)
	}
}

func TestFilterPreservesAppendOrder(t *testing.T) {
	log := seededLog(t)
	recs := log.Records()
	for i := 1; i < len(recs); i++ {
		if recs[i].Timestamp.Before(recs[i-1].Timestamp) {
			t.Fatal("records not in append order")
		}
	}
}

func TestVerifyAllFlagsOnlyTampered(t *testing.T) {
	log := seededLog(t)
	recs := log.Records()
	recs[1].Content = "edited after capture"
	statuses := log.VerifyAll()
	if len(statuses) != 4 {
		t.Fatalf("statuses = %d, want 4", len(statuses))
	}
	for i, rec := range recs {
		want := audit.IntegrityValid
		if i == 1 {
			want = audit.IntegrityTampered
		}
		if statuses[rec.ID] != want {
			t.Fatalf("record %d status = %s, want %s", i, statuses[rec.ID], want)
		}
	}
}

func TestExportJSON(t *testing.T) {
	log := seededLog(t)
	raw, err := log.ExportJSON()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var export audit.Export
	if err := json.Unmarshal(raw, &export); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if export.RecordCount != 4 || len(export.Records) != 4 {
		t.Fatalf("export carries %d/%d records, want 4", export.RecordCount, len(export.Records))
	}
	if export.ExportedAt.IsZero() {
		t.Fatal("export timestamp missing")
	}
}

func TestExportJSONEmptyLog(t *testing.T) {
	raw, err := audit.NewLog().ExportJSON()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var export audit.Export
	if err := json.Unmarshal(raw, &export); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if export.RecordCount != 0 || export.Records == nil {
		t.Fatalf("empty export should carry an empty records array, got %+v", export)
	}
}
