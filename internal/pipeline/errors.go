package pipeline

import (
	"fmt"
	"strings"

	"github.com/andrewlasiter/fda-tools-sub000/internal/domain"
)

// InvalidTransitionError reports a stage pair absent from the transition
// table. Not retryable; the caller must choose a valid next stage.
type InvalidTransitionError struct {
	From domain.Stage
	To   domain.Stage
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition %s -> %s", e.From, e.To)
}

// GateBlockedError reports a gated transition attempted without a matching
// APPROVED approval record. The caller must obtain a correct approval and
// retry the same call.
type GateBlockedError struct {
	GateID string
	Reason string
}

func (e GateBlockedError) Error() string {
	return fmt.Sprintf("transition blocked by gate %s: %s", e.GateID, e.Reason)
}

// PreconditionError reports primary agents that have not recorded output for
// the current stage.
type PreconditionError struct {
	Stage   domain.Stage
	Missing []string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("stage %s missing primary agent output: %s", e.Stage, strings.Join(e.Missing, ", "))
}
