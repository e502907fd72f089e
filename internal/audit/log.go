package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DuplicateRecordError reports an append with a colliding record id. Ids are
// generated with sufficient entropy, so a collision is a programming error.
type DuplicateRecordError struct {
	ID string
}

func (e DuplicateRecordError) Error() string {
	return fmt.Sprintf("audit record %s already exists", e.ID)
}

// Log is an append-only ordered sequence of records keyed by unique id.
// Appends are serialized; reads may run concurrently.
type Log struct {
	mu      sync.RWMutex
	records []*Record
	byID    map[string]struct{}
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{byID: map[string]struct{}{}}
}

// Append adds a record, rejecting duplicate ids.
func (l *Log) Append(r *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.byID[r.ID]; exists {
		return DuplicateRecordError{ID: r.ID}
	}
	l.byID[r.ID] = struct{}{}
	l.records = append(l.records, r)
	return nil
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Query filters records; zero-valued fields are ignored and the set
// predicates combine with AND semantics.
type Query struct {
	UserID     string
	Action     Action
	RecordType string
	SubjectID  string
	From       *time.Time
	To         *time.Time
}

// Filter returns records matching q in append order.
func (l *Log) Filter(q Query) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Record
	for _, r := range l.records {
		if q.UserID != "" && r.UserID != q.UserID {
			continue
		}
		if q.Action != "" && r.Action != q.Action {
			continue
		}
		if q.RecordType != "" && r.RecordType != q.RecordType {
			continue
		}
		if q.SubjectID != "" && r.SubjectID != q.SubjectID {
			continue
		}
		if q.From != nil && r.Timestamp.Before(*q.From) {
			continue
		}
		if q.To != nil && r.Timestamp.After(*q.To) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Records returns every record in append order.
func (l *Log) Records() []*Record {
	return l.Filter(Query{})
}

// VerifyAll runs the integrity check over the whole log.
func (l *Log) VerifyAll() map[string]IntegrityStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]IntegrityStatus, len(l.records))
	for _, r := range l.records {
		out[r.ID] = r.VerifyIntegrity()
	}
	return out
}

// Export is the serialized artifact handed to an inspector.
type Export struct {
	ExportedAt  time.Time `json:"exported_at"`
	RecordCount int       `json:"record_count"`
	Records     []*Record `json:"records"`
}

// ExportJSON serializes the full log with an export timestamp and count.
func (l *Log) ExportJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	records := l.records
	if records == nil {
		records = []*Record{}
	}
	return json.MarshalIndent(Export{
		ExportedAt:  time.Now().UTC(),
		RecordCount: len(records),
		Records:     records,
	}, "", "  ")
}
