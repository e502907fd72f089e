// Package hitl defines the human-in-the-loop gates of the submission
// pipeline: the static checkpoint catalog and the factory that validates
// reviewer decisions into immutable approval records.
package hitl

import (
	"time"

	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
)

// Gate identifiers.
const (
	GateClassify   = "GATE_CLASSIFY"
	GatePathway    = "GATE_PATHWAY"
	GateTesting    = "GATE_TESTING"
	GateSubmit     = "GATE_SUBMIT"
	GatePostMarket = "GATE_POSTMARKET"
)

// catalog is the fixed set of gated transitions. Order matters for UI
// rendering, so this stays a slice, not a map.
var catalog = []domain.Gate{
	{
		ID:            GateClassify,
		FromStage:     domain.StageClassify,
		ToStage:       domain.StagePredicate,
		Title:         "Device classification sign-off",
		Description:   "Confirm the device class and product code before predicate work begins.",
		ReviewerRoles: []string{"ra_lead", "admin"},
		Checklist: []domain.ChecklistItem{
			{ID: "class_confirmed", Text: "Device class and regulation number confirmed against the CFR", Required: true, HelpRef: "21 CFR 860"},
			{ID: "product_code_verified", Text: "Product code verified in the FDA classification database", Required: true},
			{ID: "exemptions_checked", Text: "510(k) exemption status checked for the product code", Required: true},
			{ID: "intended_use_drafted", Text: "Draft intended-use statement reviewed", Required: false},
		},
		SLA:        48 * time.Hour,
		Escalation: 96 * time.Hour,
	},
	{
		ID:            GatePathway,
		FromStage:     domain.StagePathway,
		ToStage:       domain.StagePresub,
		Title:         "Regulatory pathway decision",
		Description:   "Approve the chosen submission pathway (Traditional/Special/Abbreviated 510(k), De Novo).",
		ReviewerRoles: []string{"ra_lead", "admin"},
		Checklist: []domain.ChecklistItem{
			{ID: "pathway_rationale", Text: "Pathway rationale documented with predicate comparison", Required: true},
			{ID: "predicate_accepted", Text: "Primary predicate accepted by regulatory lead", Required: true},
			{ID: "guidance_reviewed", Text: "Applicable device-specific guidance documents reviewed", Required: true},
			{ID: "presub_needed", Text: "Pre-Sub meeting need assessed", Required: false},
		},
		SLA:        72 * time.Hour,
		Escalation: 120 * time.Hour,
	},
	{
		ID:            GateTesting,
		FromStage:     domain.StageTesting,
		ToStage:       domain.StageDrafting,
		Title:         "Test campaign completion",
		Description:   "Confirm all planned verification and validation testing is complete before drafting.",
		ReviewerRoles: []string{"ra_lead", "engineer", "admin"},
		Checklist: []domain.ChecklistItem{
			{ID: "protocols_executed", Text: "All test protocols executed and reports signed", Required: true},
			{ID: "deviations_dispositioned", Text: "Protocol deviations dispositioned", Required: true},
			{ID: "standards_met", Text: "Recognized consensus standards conformance documented", Required: true},
			{ID: "biocomp_complete", Text: "Biocompatibility assessment complete where applicable", Required: false},
		},
		SLA:        96 * time.Hour,
		Escalation: 168 * time.Hour,
	},
	{
		ID:            GateSubmit,
		FromStage:     domain.StageReview,
		ToStage:       domain.StageSubmit,
		Title:         "Final submission release",
		Description:   "Release the assembled submission package to FDA.",
		ReviewerRoles: []string{"ra_lead", "admin"},
		Checklist: []domain.ChecklistItem{
			{ID: "sections_complete", Text: "All required submission sections present and internally reviewed", Required: true},
			{ID: "truthful_accuracy", Text: "Truthful and Accuracy statement signed", Required: true},
			{ID: "estar_validated", Text: "eSTAR package passes validation", Required: true},
			{ID: "fees_paid", Text: "User fee payment confirmed", Required: true},
			{ID: "cover_letter", Text: "Cover letter reviewed", Required: false},
		},
		SLA:        48 * time.Hour,
		Escalation: 72 * time.Hour,
	},
	{
		ID:            GatePostMarket,
		FromStage:     domain.StageCleared,
		ToStage:       domain.StagePostMarket,
		Title:         "Post-market transition",
		Description:   "Confirm post-market surveillance obligations are in place before commercial release.",
		ReviewerRoles: []string{"ra_lead", "admin"},
		Checklist: []domain.ChecklistItem{
			{ID: "listing_complete", Text: "Device listing and establishment registration complete", Required: true},
			{ID: "complaint_process", Text: "Complaint handling and MDR procedures in place", Required: true},
			{ID: "labeling_final", Text: "Final labeling matches cleared indications", Required: true},
		},
		SLA:        72 * time.Hour,
		Escalation: 144 * time.Hour,
	},
}

// Gates returns the catalog in rendering order. The slice is a copy; the
// catalog itself is immutable configuration.
func Gates() []domain.Gate {
	out := make([]domain.Gate, len(catalog))
	copy(out, catalog)
	return out
}

// GateByID fetches a gate definition, reporting whether it exists.
func GateByID(id string) (domain.Gate, bool) {
	for _, g := range catalog {
		if g.ID == id {
			return g, true
		}
	}
	return domain.Gate{}, false
}

// GateForTransition returns the gate guarding (from, to), or false when the
// transition is ungated.
func GateForTransition(from, to domain.Stage) (domain.Gate, bool) {
	for _, g := range catalog {
		if g.FromStage == from && g.ToStage == to {
			return g, true
		}
	}
	return domain.Gate{}, false
}
