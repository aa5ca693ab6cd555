package orchestrator

import (
	"github.com/stagekeeper/stagekeeper/complexity"
	"github.com/stagekeeper/stagekeeper/state"
)

// Kind classifies how a run ended. Every run produces exactly one Kind; the
// CLI maps it to an exit code and summary.
type Kind string

const (
	// KindStageAdvanced: the executor succeeded and the project moved to the
	// next stage.
	KindStageAdvanced Kind = "stage_advanced"
	// KindProjectComplete: the advancing transition landed on the terminal
	// stage; the project is done.
	KindProjectComplete Kind = "project_complete"
	// KindBlocked: the invocation guard tripped (or the project was already
	// blocked). Automation is paused until an operator reset.
	KindBlocked Kind = "blocked"
	// KindQuarantined: the work failed permanently and was written to the
	// dead letter vault.
	KindQuarantined Kind = "quarantined"
	// KindStaleState: another invocation changed the project underneath this
	// one. Nothing was committed; the surviving invocation owns the stage.
	KindStaleState Kind = "stale_state"
	// KindInvalidInput: the request was rejected before any state was
	// touched.
	KindInvalidInput Kind = "invalid_input"
	// KindCorruptState: the stored project record failed validation. No
	// automated repair is attempted.
	KindCorruptState Kind = "corrupt_state"
	// KindInternalError: an unexpected fault (storage I/O, programming
	// error).
	KindInternalError Kind = "internal_error"
)

// ExitCode maps this kind to the process exit code. Handled pipeline
// outcomes, including blocked and quarantined work, exit 0: the trigger did
// its job even when the job was "stop and tell a human".
func (k Kind) ExitCode() int {
	switch k {
	case KindInvalidInput:
		return 1
	case KindCorruptState, KindInternalError:
		return 2
	default:
		return 0
	}
}

// Outcome is the result of one orchestrator run.
type Outcome struct {
	Kind      Kind
	ProjectID string
	// Stage is the stage the run operated on (the current stage at load
	// time).
	Stage string
	// ArtifactRef is set when the executor produced an artifact.
	ArtifactRef string
	// Attempts is how many executor calls were made.
	Attempts int
	// Score is the complexity score that routed the task, when analysis ran.
	Score *complexity.Score
	// State is the project state after the run, when it was loaded.
	State *state.ProjectState
	// Warnings carries non-fatal problems (e.g. missing context files).
	Warnings []string
	// Message is a one-line human summary.
	Message string
	// Err holds the underlying error for non-success kinds.
	Err error
}
