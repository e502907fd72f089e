package hitl

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
)

// ChecklistError reports required checklist items an approval left unchecked.
type ChecklistError struct {
	GateID  string
	Missing []string
}

func (e ChecklistError) Error() string {
	return fmt.Sprintf("gate %s approval missing required items: %s", e.GateID, strings.Join(e.Missing, ", "))
}

// ApprovalOptions are the reviewer inputs to NewApprovalRecord.
type ApprovalOptions struct {
	GateID         string
	ProjectID      string
	Status         domain.ApprovalStatus
	ReviewerID     string
	ReviewerRole   string
	CheckedItems   []string
	Comments       string
	OverrideReason string

	// Now overrides the timestamp clock in tests.
	Now func() time.Time
}

// NewApprovalRecord validates a reviewer decision against the gate's
// checklist and returns an immutable approval record.
//
// APPROVED requires every required checklist item to be checked unless an
// override reason is supplied; the override is itself recorded so it can be
// audited separately. REJECTED and ESCALATED decisions skip checklist
// validation entirely.
func NewApprovalRecord(opts ApprovalOptions) (domain.ApprovalRecord, error) {
	gate, ok := GateByID(opts.GateID)
	if !ok {
		return domain.ApprovalRecord{}, fmt.Errorf("unknown gate %q", opts.GateID)
	}
	if opts.ProjectID == "" {
		return domain.ApprovalRecord{}, fmt.Errorf("project id required")
	}
	if opts.ReviewerID == "" {
		return domain.ApprovalRecord{}, fmt.Errorf("reviewer id required")
	}
	switch opts.Status {
	case domain.ApprovalPending, domain.ApprovalApproved, domain.ApprovalRejected, domain.ApprovalEscalated:
	default:
		return domain.ApprovalRecord{}, fmt.Errorf("unknown approval status %q", opts.Status)
	}
	if !reviewerRoleAllowed(gate, opts.ReviewerRole) {
		return domain.ApprovalRecord{}, fmt.Errorf("role %q not authorized to review gate %s", opts.ReviewerRole, gate.ID)
	}

	if opts.Status == domain.ApprovalApproved {
		checked := map[string]bool{}
		for _, id := range opts.CheckedItems {
			checked[id] = true
		}
		var missing []string
		for _, id := range gate.RequiredItemIDs() {
			if !checked[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 && opts.OverrideReason == "" {
			sort.Strings(missing)
			return domain.ApprovalRecord{}, ChecklistError{GateID: gate.ID, Missing: missing}
		}
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	// Defensive copy so later mutation of the caller's slice cannot alter
	// the record.
	items := make([]string, len(opts.CheckedItems))
	copy(items, opts.CheckedItems)

	return domain.ApprovalRecord{
		ID:             uuid.New().String(),
		GateID:         gate.ID,
		ProjectID:      opts.ProjectID,
		Status:         opts.Status,
		ReviewerID:     opts.ReviewerID,
		ReviewerRole:   opts.ReviewerRole,
		Timestamp:      now().UTC(),
		CheckedItems:   items,
		Comments:       opts.Comments,
		OverrideReason: opts.OverrideReason,
	}, nil
}

func reviewerRoleAllowed(gate domain.Gate, role string) bool {
	for _, r := range gate.ReviewerRoles {
		if r == role {
			return true
		}
	}
	return false
}
