package guard

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/stagekeeper/stagekeeper/state"
)

// TripReason explains why the guard refused an invocation.
type TripReason string

const (
	// TripConcurrentInvocation indicates the feed shows a marker newer than
	// the state record: another invocation already ran for this stage.
	TripConcurrentInvocation TripReason = "concurrent_invocation"

	// TripBudgetExhausted indicates the stage consumed its invocation budget
	// without a forward transition.
	TripBudgetExhausted TripReason = "budget_exhausted"
)

// Decision is the outcome of a guard check.
type Decision struct {
	// Allow is true when the invocation may proceed.
	Allow bool

	// NextSequence is the marker sequence number this invocation should
	// write after recording itself. Only meaningful when Allow is true.
	NextSequence int

	// Reason is set when the guard trips.
	Reason TripReason

	// Detail is a human-readable explanation of a trip.
	Detail string
}

// Guard is the circuit breaker for stage invocations. It is deliberately
// fail-safe: blocking a healthy but slow stage is preferred over letting a
// loop keep consuming resources.
type Guard struct {
	maxInvocations int
	channel        Channel
	logger         *slog.Logger
}

// New creates a guard with the configured per-stage invocation budget.
// Config validation rejects non-positive budgets; a guard constructed with
// one anyway trips on the first check rather than quietly inventing a
// budget.
func New(maxInvocationsPerStage int, channel Channel, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		maxInvocations: maxInvocationsPerStage,
		channel:        channel,
		logger:         logger,
	}
}

// CheckAndIncrement decides whether the current invocation may run for the
// project's current stage. A Trip decision is terminal for the stage: the
// caller must mark the project blocked and return without invoking the
// executor; only an explicit operator reset clears it.
func (g *Guard) CheckAndIncrement(st *state.ProjectState) (Decision, error) {
	marker, err := g.channel.LatestMarker(st.ProjectID, st.CurrentStage)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read invocation marker: %w", err)
	}

	// A marker ahead of the stored count means another invocation recorded
	// itself since this state was last committed.
	if marker != nil && marker.Sequence > st.InvocationCountInStage {
		g.logger.Warn("Guard tripped: concurrent invocation detected",
			"project_id", st.ProjectID,
			"stage", st.CurrentStage,
			"marker_sequence", marker.Sequence,
			"recorded_count", st.InvocationCountInStage)
		return Decision{
			Reason: TripConcurrentInvocation,
			Detail: fmt.Sprintf("feed shows invocation %d for stage %s but state records %d",
				marker.Sequence, st.CurrentStage, st.InvocationCountInStage),
		}, nil
	}

	if st.InvocationCountInStage >= g.maxInvocations {
		g.logger.Warn("Guard tripped: invocation budget exhausted",
			"project_id", st.ProjectID,
			"stage", st.CurrentStage,
			"count", st.InvocationCountInStage,
			"budget", g.maxInvocations)
		return Decision{
			Reason: TripBudgetExhausted,
			Detail: fmt.Sprintf("stage %s consumed %d of %d invocations without forward progress",
				st.CurrentStage, st.InvocationCountInStage, g.maxInvocations),
		}, nil
	}

	return Decision{
		Allow:        true,
		NextSequence: st.InvocationCountInStage + 1,
	}, nil
}

// RecordInvocation writes the marker for an allowed invocation into the feed.
func (g *Guard) RecordInvocation(projectID, stage string, sequence int, note string) error {
	return g.channel.WriteMarker(Marker{
		ProjectID: projectID,
		Stage:     stage,
		Sequence:  sequence,
	}, note)
}

// EscalationNote renders the human-facing feed text for a trip. Operators
// resume the pipeline with an explicit reset after reviewing the situation.
func EscalationNote(projectID string, d Decision) string {
	var sb strings.Builder
	sb.WriteString("## Circuit breaker triggered\n\n")
	sb.WriteString(fmt.Sprintf("**Project:** %s\n", projectID))
	sb.WriteString(fmt.Sprintf("**Reason:** %s\n", d.Reason))
	sb.WriteString(fmt.Sprintf("**Detail:** %s\n\n", d.Detail))
	sb.WriteString("Automation for this stage is paused. Review the situation and run\n")
	sb.WriteString(fmt.Sprintf("`stagekeeper reset --project %s` to resume.\n", projectID))
	return sb.String()
}
