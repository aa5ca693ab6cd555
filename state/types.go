// Package state provides the durable per-project record that survives across
// invocations: stage position, transition history, checkpoints, and metrics.
// It is the single source of truth for a project's progress.
package state

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SchemaVersion identifies the persisted state layout. Bumped on any change
// to the on-disk structure.
const SchemaVersion = "1.0.0"

// Status represents the overall state of a project in the workflow.
type Status string

const (
	// StatusPending indicates the project is waiting for its next invocation.
	StatusPending Status = "pending"
	// StatusInProgress indicates a stage is actively being worked.
	StatusInProgress Status = "in_progress"
	// StatusBlocked indicates the guard tripped or a stage failed terminally;
	// an explicit operator reset is required to continue.
	StatusBlocked Status = "blocked"
	// StatusComplete indicates every stage finished successfully.
	StatusComplete Status = "complete"
	// StatusDeadLettered indicates the current stage's work was quarantined.
	StatusDeadLettered Status = "dead_lettered"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a known project status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusComplete, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status ends forward progress without
// operator action.
func (s Status) IsTerminal() bool {
	return s == StatusComplete
}

// Outcome classifies what a transition represents.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeEscalation Outcome = "escalation"
)

// IsValid returns true if the outcome is a known transition outcome.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeEscalation:
		return true
	default:
		return false
	}
}

// TransitionRecord is one immutable entry in a project's history. Records are
// append-only: never mutated, removed, or reordered.
type TransitionRecord struct {
	ID          string    `json:"id"`
	FromStage   string    `json:"from_stage"`
	ToStage     string    `json:"to_stage"`
	Timestamp   time.Time `json:"timestamp"`
	Actor       string    `json:"actor"`
	Outcome     Outcome   `json:"outcome"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
}

// Checkpoint marks a known-good recovery point after a stage completed.
type Checkpoint struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Artifacts []string  `json:"artifacts,omitempty"`
}

// Metrics accumulates counters over a project's lifetime.
type Metrics struct {
	AgentInvocations   int                `json:"agent_invocations"`
	Retries            int                `json:"retries"`
	ArtifactsGenerated int                `json:"artifacts_generated"`
	DeadLetters        int                `json:"dead_letters"`
	StageDurations     map[string]float64 `json:"stage_durations,omitempty"`
}

// RecoveryInfo records where a resumed pipeline should pick up.
type RecoveryInfo struct {
	LastSuccessfulCheckpoint string `json:"last_successful_checkpoint,omitempty"`
	CanResume                bool   `json:"can_resume"`
	ResumeFromStage          string `json:"resume_from_stage,omitempty"`
}

// ProjectState is the durable record for one project/workflow instance.
type ProjectState struct {
	ProjectID              string             `json:"project_id"`
	SchemaVersion          string             `json:"schema_version"`
	CurrentStage           string             `json:"current_stage"`
	Status                 Status             `json:"status"`
	History                []TransitionRecord `json:"history"`
	InvocationCountInStage int                `json:"invocation_count_in_stage"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
	Checkpoints            []Checkpoint       `json:"checkpoints,omitempty"`
	Metrics                Metrics            `json:"metrics"`
	Recovery               RecoveryInfo       `json:"recovery"`
}

// validate checks the record's internal invariants. A record that fails here
// is treated as corrupt, never silently defaulted.
func (p *ProjectState) validate(graph *Graph) error {
	if p.ProjectID == "" {
		return fmt.Errorf("missing project_id")
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("unknown status %q", p.Status)
	}
	if !graph.Contains(p.CurrentStage) {
		return fmt.Errorf("current stage %q not in stage graph", p.CurrentStage)
	}
	if len(p.History) > 0 {
		last := p.History[len(p.History)-1]
		if last.ToStage != p.CurrentStage {
			return fmt.Errorf("current stage %q does not match last transition target %q", p.CurrentStage, last.ToStage)
		}
	} else if p.CurrentStage != graph.Initial() {
		return fmt.Errorf("empty history but current stage %q is not the initial stage", p.CurrentStage)
	}
	return nil
}

// projectIDPattern validates project ids: lowercase alphanumeric with
// hyphens, 1-50 chars, no leading or trailing hyphen.
var projectIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,48}[a-z0-9])?$`)

// ValidateProjectID checks that an identifier is valid and safe for use in
// file paths.
func ValidateProjectID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}
	// Prevent path traversal
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}
	if !projectIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}
	return nil
}
