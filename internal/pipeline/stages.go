// Package pipeline drives the staged device-submission workflow: a fixed
// transition table, per-stage agent capability requirements, and an
// event-sourced project aggregate whose current stage is always derived by
// replaying its history.
package pipeline

import (
	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
)

// transitions is the hand-authored valid-edge table: one edge per adjacent
// stage pair, CONCEPT through POST_MARKET. Nothing else is a legal move.
var transitions = map[domain.Stage]domain.Stage{
	domain.StageConcept:   domain.StageClassify,
	domain.StageClassify:  domain.StagePredicate,
	domain.StagePredicate: domain.StagePathway,
	domain.StagePathway:   domain.StagePresub,
	domain.StagePresub:    domain.StageTesting,
	domain.StageTesting:   domain.StageDrafting,
	domain.StageDrafting:  domain.StageReview,
	domain.StageReview:    domain.StageSubmit,
	domain.StageSubmit:    domain.StageFDAReview,
	domain.StageFDAReview: domain.StageCleared,
	domain.StageCleared:   domain.StagePostMarket,
}

// ValidTransition reports whether (from, to) is in the transition table.
func ValidTransition(from, to domain.Stage) bool {
	next, ok := transitions[from]
	return ok && next == to
}

// NextStage returns the single legal successor of a stage, or false for the
// terminal stage.
func NextStage(from domain.Stage) (domain.Stage, bool) {
	next, ok := transitions[from]
	return next, ok
}
