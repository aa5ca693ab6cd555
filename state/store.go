package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// File names inside a project directory.
const (
	StateFile       = "state.json"
	TransitionsFile = "transitions.jsonl"
)

// Store persists ProjectState records as one directory per project under a
// root path. Every invocation re-reads the record from disk; commits use an
// expected-stage check (optimistic concurrency) plus an atomic replace, so a
// crash or a racing invocation can never leave a torn or double-applied
// record.
type Store struct {
	root   string
	graph  *Graph
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a state store rooted at the given directory.
func NewStore(root string, graph *Graph, opts ...StoreOption) *Store {
	s := &Store{
		root:   root,
		graph:  graph,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Graph returns the stage graph the store validates transitions against.
func (s *Store) Graph() *Graph {
	return s.graph
}

// ProjectDir returns the directory holding a project's records.
func (s *Store) ProjectDir(projectID string) string {
	return filepath.Join(s.root, projectID)
}

func (s *Store) statePath(projectID string) string {
	return filepath.Join(s.root, projectID, StateFile)
}

func (s *Store) transitionsPath(projectID string) string {
	return filepath.Join(s.root, projectID, TransitionsFile)
}

// Load reads a project's state record. A missing record returns ErrNotFound;
// an unreadable or invariant-violating record returns ErrCorruptState — it is
// never silently replaced with a fresh one.
func (s *Store) Load(projectID string) (*ProjectState, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.statePath(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var st ProjectState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := st.validate(s.graph); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return &st, nil
}

// Initialize creates the state record for a new project at the graph's
// initial stage. Fails with ErrAlreadyExists if a record is present.
func (s *Store) Initialize(projectID string) (*ProjectState, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}

	if _, err := os.Stat(s.statePath(projectID)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, projectID)
	}

	now := s.now()
	st := &ProjectState{
		ProjectID:     projectID,
		SchemaVersion: SchemaVersion,
		CurrentStage:  s.graph.Initial(),
		Status:        StatusPending,
		History:       []TransitionRecord{},
		CreatedAt:     now,
		UpdatedAt:     now,
		Metrics: Metrics{
			StageDurations: map[string]float64{},
		},
		Recovery: RecoveryInfo{
			CanResume:       true,
			ResumeFromStage: s.graph.Initial(),
		},
	}

	if err := writeJSONAtomic(s.statePath(projectID), st); err != nil {
		return nil, err
	}

	s.logEvent(projectID, EventProjectInitialized, st.CurrentStage, "store", nil)
	return st, nil
}

// CommitTransition applies a forward transition. The record is either fully
// committed (history appended, current stage updated, invocation count reset,
// updated_at bumped) or not committed at all.
//
// Returns ErrStaleState when the stored current stage no longer equals
// expectedCurrentStage: another invocation won the race and the caller must
// not re-derive a transition from its stale view.
func (s *Store) CommitTransition(projectID, expectedCurrentStage string, rec TransitionRecord) (*ProjectState, error) {
	st, err := s.Load(projectID)
	if err != nil {
		return nil, err
	}

	if st.CurrentStage != expectedCurrentStage {
		return nil, fmt.Errorf("%w: expected stage %q, found %q", ErrStaleState, expectedCurrentStage, st.CurrentStage)
	}
	if rec.FromStage != expectedCurrentStage {
		return nil, fmt.Errorf("transition from_stage %q does not match expected stage %q", rec.FromStage, expectedCurrentStage)
	}
	if !s.graph.Contains(rec.ToStage) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, rec.ToStage)
	}
	if !s.graph.IsForward(rec.FromStage, rec.ToStage) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, rec.FromStage, rec.ToStage)
	}
	if s.graph.Skips(rec.FromStage, rec.ToStage) > 0 && rec.ArtifactRef == "" {
		return nil, fmt.Errorf("%w: %s -> %s", ErrArtifactRequired, rec.FromStage, rec.ToStage)
	}
	if !rec.Outcome.IsValid() {
		return nil, fmt.Errorf("invalid transition outcome %q", rec.Outcome)
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	st.History = append(st.History, rec)
	st.CurrentStage = rec.ToStage
	st.InvocationCountInStage = 0
	st.UpdatedAt = s.now()
	if rec.ToStage == s.graph.Final() && rec.Outcome == OutcomeSuccess {
		st.Status = StatusComplete
	} else {
		st.Status = StatusPending
	}
	if rec.ArtifactRef != "" {
		st.Metrics.ArtifactsGenerated++
	}
	st.Recovery.ResumeFromStage = rec.ToStage

	if err := writeJSONAtomic(s.statePath(projectID), st); err != nil {
		return nil, err
	}

	detail := map[string]string{"from": rec.FromStage, "to": rec.ToStage, "outcome": string(rec.Outcome)}
	if rec.ArtifactRef != "" {
		detail["artifact_ref"] = rec.ArtifactRef
	}
	s.logEvent(projectID, EventStageAdvanced, rec.ToStage, rec.Actor, detail)
	return st, nil
}

// RecordInvocation increments the current stage's invocation budget counter
// with the same stale-stage protection as CommitTransition.
func (s *Store) RecordInvocation(projectID, expectedCurrentStage string) (*ProjectState, error) {
	st, err := s.Load(projectID)
	if err != nil {
		return nil, err
	}
	if st.CurrentStage != expectedCurrentStage {
		return nil, fmt.Errorf("%w: expected stage %q, found %q", ErrStaleState, expectedCurrentStage, st.CurrentStage)
	}

	st.InvocationCountInStage++
	st.Metrics.AgentInvocations++
	st.Status = StatusInProgress
	st.UpdatedAt = s.now()

	if err := writeJSONAtomic(s.statePath(projectID), st); err != nil {
		return nil, err
	}

	s.logEvent(projectID, EventInvocationRecorded, st.CurrentStage, "guard", map[string]string{
		"invocation_count": fmt.Sprintf("%d", st.InvocationCountInStage),
	})
	return st, nil
}

// RecordRetry accumulates a retry into the project metrics without touching
// stage position.
func (s *Store) RecordRetry(projectID string) (*ProjectState, error) {
	st, err := s.Load(projectID)
	if err != nil {
		return nil, err
	}
	st.Metrics.Retries++
	st.UpdatedAt = s.now()
	if err := writeJSONAtomic(s.statePath(projectID), st); err != nil {
		return nil, err
	}
	return st, nil
}

// MarkBlocked moves the project sideways into blocked. The sideways move is
// recorded in history (from == to) so the current-stage invariant holds.
func (s *Store) MarkBlocked(projectID, expectedCurrentStage, actor, reason string) (*ProjectState, error) {
	return s.markSideways(projectID, expectedCurrentStage, actor, reason, StatusBlocked, OutcomeEscalation, EventStageBlocked, nil)
}

// MarkDeadLettered moves the project sideways into dead_lettered after its
// work was quarantined.
func (s *Store) MarkDeadLettered(projectID, expectedCurrentStage, actor, reason string) (*ProjectState, error) {
	return s.markSideways(projectID, expectedCurrentStage, actor, reason, StatusDeadLettered, OutcomeFailure, EventStageDeadLettered,
		func(st *ProjectState) { st.Metrics.DeadLetters++ })
}

func (s *Store) markSideways(projectID, expectedCurrentStage, actor, reason string, status Status, outcome Outcome, event EventType, mutate func(*ProjectState)) (*ProjectState, error) {
	st, err := s.Load(projectID)
	if err != nil {
		return nil, err
	}
	if st.CurrentStage != expectedCurrentStage {
		return nil, fmt.Errorf("%w: expected stage %q, found %q", ErrStaleState, expectedCurrentStage, st.CurrentStage)
	}

	now := s.now()
	rec := TransitionRecord{
		ID:        uuid.New().String(),
		FromStage: st.CurrentStage,
		ToStage:   st.CurrentStage,
		Timestamp: now,
		Actor:     actor,
		Outcome:   outcome,
	}
	st.History = append(st.History, rec)
	st.Status = status
	st.UpdatedAt = now
	st.Recovery.CanResume = false
	if mutate != nil {
		mutate(st)
	}

	if err := writeJSONAtomic(s.statePath(projectID), st); err != nil {
		return nil, err
	}

	s.logEvent(projectID, event, st.CurrentStage, actor, map[string]string{"reason": reason})
	return st, nil
}

// ResetStage is the explicit operator action that clears a blocked or
// dead-lettered project: status back to pending, invocation budget back to
// zero, same stage. Never invoked automatically.
func (s *Store) ResetStage(projectID, actor string) (*ProjectState, error) {
	st, err := s.Load(projectID)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusBlocked && st.Status != StatusDeadLettered {
		return nil, fmt.Errorf("project %s is %s, not blocked or dead_lettered", projectID, st.Status)
	}

	now := s.now()
	st.History = append(st.History, TransitionRecord{
		ID:        uuid.New().String(),
		FromStage: st.CurrentStage,
		ToStage:   st.CurrentStage,
		Timestamp: now,
		Actor:     actor,
		Outcome:   OutcomeSuccess,
	})
	st.Status = StatusPending
	st.InvocationCountInStage = 0
	st.UpdatedAt = now
	st.Recovery.CanResume = true
	st.Recovery.ResumeFromStage = st.CurrentStage

	if err := writeJSONAtomic(s.statePath(projectID), st); err != nil {
		return nil, err
	}

	s.logEvent(projectID, EventStageReset, st.CurrentStage, actor, nil)
	return st, nil
}

// RecordCheckpoint appends a known-good recovery point for a completed stage
// and updates the recovery info.
func (s *Store) RecordCheckpoint(projectID, stage string, artifacts []string) (string, error) {
	st, err := s.Load(projectID)
	if err != nil {
		return "", err
	}
	if !s.graph.Contains(stage) {
		return "", fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	checkpoint := Checkpoint{
		ID:        "chk-" + uuid.New().String()[:8],
		Stage:     stage,
		Timestamp: s.now(),
		Artifacts: artifacts,
	}
	st.Checkpoints = append(st.Checkpoints, checkpoint)
	st.Recovery.LastSuccessfulCheckpoint = checkpoint.ID
	st.UpdatedAt = s.now()

	if err := writeJSONAtomic(s.statePath(projectID), st); err != nil {
		return "", err
	}

	s.logEvent(projectID, EventCheckpointCreated, stage, "store", map[string]string{"checkpoint_id": checkpoint.ID})
	return checkpoint.ID, nil
}

// RecordStageDuration accumulates wall time spent in a stage.
func (s *Store) RecordStageDuration(projectID, stage string, d time.Duration) error {
	st, err := s.Load(projectID)
	if err != nil {
		return err
	}
	if st.Metrics.StageDurations == nil {
		st.Metrics.StageDurations = map[string]float64{}
	}
	st.Metrics.StageDurations[stage] += d.Seconds()
	st.UpdatedAt = s.now()
	return writeJSONAtomic(s.statePath(projectID), st)
}

// ListProjects returns the ids of all projects with a state record,
// alongside any ids that could not be loaded.
func (s *Store) ListProjects() (ids []string, loadErrs []error, err error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read projects directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := s.Load(entry.Name()); err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("project %s: %w", entry.Name(), err))
			continue
		}
		ids = append(ids, entry.Name())
	}
	return ids, loadErrs, nil
}
