// Package audit provides the 21 CFR Part 11 style primitives of the
// toolkit: tamper-evident audit records, HMAC electronic signatures, an
// append-only log, role-based authority checks and a compliance report
// generator. Nothing in here is pipeline-specific; any regulated action in
// the host can be wrapped as a record.
package audit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Action is the regulated action a record captures.
type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionRead         Action = "READ"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionSign         Action = "SIGN"
	ActionApprove      Action = "APPROVE"
	ActionReject       Action = "REJECT"
	ActionExport       Action = "EXPORT"
	ActionLogin        Action = "LOGIN"
	ActionLogout       Action = "LOGOUT"
	ActionAccessDenied Action = "ACCESS_DENIED"
)

// Actions lists every known action.
var Actions = []Action{
	ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionSign,
	ActionApprove, ActionReject, ActionExport, ActionLogin, ActionLogout,
	ActionAccessDenied,
}

// KnownAction reports whether a is a recognized action value.
func KnownAction(a Action) bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// IntegrityStatus is the result of a fingerprint check.
type IntegrityStatus string

const (
	IntegrityValid    IntegrityStatus = "VALID"
	IntegrityTampered IntegrityStatus = "TAMPERED"
)

// ErrSignatureAttached is returned when a second signature attach is
// attempted on the same record.
var ErrSignatureAttached = errors.New("record already carries a signature")

// Record is one regulated action. Core fields are set once at creation; the
// only permitted post-creation change is attaching a signature, exactly
// once. Logical deletion is impossible.
type Record struct {
	ID          string            `json:"record_id"`
	UserID      string            `json:"user_id"`
	DisplayName string            `json:"display_name"`
	Action      Action            `json:"action"`
	RecordType  string            `json:"record_type"`
	SubjectID   string            `json:"subject_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Fingerprint string            `json:"fingerprint"`
	Content     string            `json:"content,omitempty"`
	AgentID     string            `json:"agent_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Signature   *Signature        `json:"signature,omitempty"`
}

// RecordOptions are the inputs to NewRecord.
type RecordOptions struct {
	UserID      string
	DisplayName string
	Action      Action
	RecordType  string
	SubjectID   string
	Content     string
	AgentID     string
	Metadata    map[string]string

	// Now overrides the capture clock in tests.
	Now func() time.Time
}

// NewRecord captures a regulated action. The fingerprint is a SHA-256 hash
// of the exact content string at capture time; the id is random and
// collision-resistant.
func NewRecord(opts RecordOptions) (*Record, error) {
	if opts.UserID == "" {
		return nil, errors.New("user id required")
	}
	if !KnownAction(opts.Action) {
		return nil, errors.New("unknown action " + string(opts.Action))
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	return &Record{
		ID:          uuid.New().String(),
		UserID:      opts.UserID,
		DisplayName: opts.DisplayName,
		Action:      opts.Action,
		RecordType:  opts.RecordType,
		SubjectID:   opts.SubjectID,
		Timestamp:   now().UTC(),
		Fingerprint: ContentFingerprint(opts.Content),
		Content:     opts.Content,
		AgentID:     opts.AgentID,
		Metadata:    meta,
	}, nil
}

// ContentFingerprint returns the hex SHA-256 digest of content.
func ContentFingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity recomputes the fingerprint from the record's current
// content and compares it to the stored fingerprint in constant time. A
// mismatch means the content field was edited after capture.
func (r *Record) VerifyIntegrity() IntegrityStatus {
	current := ContentFingerprint(r.Content)
	if subtle.ConstantTimeCompare([]byte(current), []byte(r.Fingerprint)) == 1 {
		return IntegrityValid
	}
	return IntegrityTampered
}

// AttachSignature binds a signature to the record. Allowed exactly once,
// and only when the signature binds to this record's fingerprint.
func (r *Record) AttachSignature(sig Signature) error {
	if r.Signature != nil {
		return ErrSignatureAttached
	}
	if sig.RecordHash != r.Fingerprint {
		return errors.New("signature binds to a different record fingerprint")
	}
	r.Signature = &sig
	return nil
}
