package pipeline

import (
	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
)

// stageAgents maps each stage to the capability roles expected to produce
// output there. The ids are opaque tags owned by the orchestration layer;
// this package only checks their presence as preconditions. Primary roles
// block advancement, supporting roles never do.
var stageAgents = map[domain.Stage][]domain.AgentRole{
	domain.StageConcept: {
		{ID: "device_profiler", Name: "Device Profiler", Description: "Captures device description, intended use and technology characteristics", Primary: true},
		{ID: "literature_scout", Name: "Literature Scout", Description: "Surveys published literature for the device type", Primary: false},
	},
	// CLASSIFY has no blocking agents: its exit is controlled by the
	// human classification gate, not by agent output.
	domain.StageClassify: {
		{ID: "classification_agent", Name: "Classification Agent", Description: "Proposes device class, regulation number and product code", Primary: false},
		{ID: "product_code_scout", Name: "Product Code Scout", Description: "Cross-checks candidate product codes", Primary: false},
	},
	domain.StagePredicate: {
		{ID: "predicate_finder", Name: "Predicate Finder", Description: "Identifies candidate predicate devices from cleared 510(k)s", Primary: true},
		{ID: "clearance_miner", Name: "Clearance Miner", Description: "Extracts comparison data from predicate summaries", Primary: false},
	},
	domain.StagePathway: {
		{ID: "pathway_advisor", Name: "Pathway Advisor", Description: "Recommends the submission pathway with rationale", Primary: true},
		{ID: "guidance_mapper", Name: "Guidance Mapper", Description: "Maps applicable device-specific guidance documents", Primary: false},
	},
	domain.StagePresub: {
		{ID: "presub_drafter", Name: "Pre-Sub Drafter", Description: "Drafts the Pre-Submission package and questions for FDA", Primary: true},
	},
	domain.StageTesting: {
		{ID: "test_planner", Name: "Test Planner", Description: "Builds the verification and validation test plan", Primary: true},
		{ID: "standards_mapper", Name: "Standards Mapper", Description: "Maps recognized consensus standards to test protocols", Primary: false},
	},
	domain.StageDrafting: {
		{ID: "section_drafter", Name: "Section Drafter", Description: "Drafts submission sections from templates and evidence", Primary: true},
		{ID: "citation_checker", Name: "Citation Checker", Description: "Verifies references and predicate citations", Primary: false},
	},
	domain.StageReview: {
		{ID: "internal_reviewer", Name: "Internal Reviewer", Description: "Performs the internal completeness and consistency review", Primary: true},
		{ID: "completeness_checker", Name: "Completeness Checker", Description: "Runs the RTA checklist against the draft package", Primary: false},
	},
	domain.StageSubmit: {
		{ID: "submission_assembler", Name: "Submission Assembler", Description: "Assembles and formats the final eSTAR package", Primary: true},
	},
	domain.StageFDAReview: {
		{ID: "deficiency_tracker", Name: "Deficiency Tracker", Description: "Tracks FDA deficiency letters and response deadlines", Primary: true},
		{ID: "response_drafter", Name: "Response Drafter", Description: "Drafts responses to additional-information requests", Primary: false},
	},
	domain.StageCleared: {
		{ID: "clearance_archivist", Name: "Clearance Archivist", Description: "Archives the clearance letter and final submission record", Primary: true},
	},
	domain.StagePostMarket: {
		{ID: "surveillance_monitor", Name: "Surveillance Monitor", Description: "Monitors MDR and recall signals for the cleared device", Primary: true},
		{ID: "complaint_triager", Name: "Complaint Triager", Description: "Triages incoming complaints for reportability", Primary: false},
	},
}

// AgentsForStage returns the capability roles attached to a stage, primary
// roles first.
func AgentsForStage(stage domain.Stage) []domain.AgentRole {
	roles := stageAgents[stage]
	out := make([]domain.AgentRole, 0, len(roles))
	for _, r := range roles {
		if r.Primary {
			out = append(out, r)
		}
	}
	for _, r := range roles {
		if !r.Primary {
			out = append(out, r)
		}
	}
	return out
}

// PrimaryAgentIDs returns the blocking role ids for a stage.
func PrimaryAgentIDs(stage domain.Stage) []string {
	var ids []string
	for _, r := range stageAgents[stage] {
		if r.Primary {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
