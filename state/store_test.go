package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStages() []string {
	return []string{"ideation", "specification", "implementation", "validation"}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	graph, err := NewGraph(testStages())
	require.NoError(t, err)
	return NewStore(t.TempDir(), graph)
}

func TestStore_Initialize(t *testing.T) {
	store := newTestStore(t)

	st, err := store.Initialize("project-1")
	require.NoError(t, err)
	assert.Equal(t, "project-1", st.ProjectID)
	assert.Equal(t, "ideation", st.CurrentStage)
	assert.Equal(t, StatusPending, st.Status)
	assert.Equal(t, SchemaVersion, st.SchemaVersion)
	assert.Empty(t, st.History)
	assert.Zero(t, st.InvocationCountInStage)

	// Second initialize fails
	_, err = store.Initialize("project-1")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Record round-trips
	loaded, err := store.Load("project-1")
	require.NoError(t, err)
	assert.Equal(t, st.CurrentStage, loaded.CurrentStage)
}

func TestStore_LoadNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("project-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LoadRejectsInvalidID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("../escape")
	assert.ErrorIs(t, err, ErrInvalidProjectID)
}

func TestStore_LoadCorruptState(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	// Truncate the record mid-JSON
	path := store.statePath("project-1")
	require.NoError(t, os.WriteFile(path, []byte(`{"project_id": "project-1", "current`), 0644))

	_, err = store.Load("project-1")
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestStore_LoadCorruptInvariant(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	// Valid JSON whose current_stage points outside the graph must fail
	// closed, not default to the initial stage.
	path := store.statePath("project-1")
	mangled := `{"project_id":"project-1","schema_version":"1.0.0","current_stage":"nonexistent","status":"pending","history":[],"invocation_count_in_stage":0,"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z","metrics":{},"recovery":{"can_resume":true}}`
	require.NoError(t, os.WriteFile(path, []byte(mangled), 0644))

	_, err = store.Load("project-1")
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestStore_CommitTransition(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	st, err := store.CommitTransition("project-1", "ideation", TransitionRecord{
		FromStage:   "ideation",
		ToStage:     "specification",
		Actor:       "executor",
		Outcome:     OutcomeSuccess,
		ArtifactRef: "artifacts/SPEC.md",
	})
	require.NoError(t, err)
	assert.Equal(t, "specification", st.CurrentStage)
	assert.Equal(t, StatusPending, st.Status)
	assert.Len(t, st.History, 1)
	assert.Zero(t, st.InvocationCountInStage)
	assert.NotEmpty(t, st.History[0].ID)
	assert.False(t, st.History[0].Timestamp.IsZero())
}

func TestStore_CommitTransitionIdempotence(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	rec := TransitionRecord{
		FromStage: "ideation",
		ToStage:   "specification",
		Actor:     "executor",
		Outcome:   OutcomeSuccess,
	}
	_, err = store.CommitTransition("project-1", "ideation", rec)
	require.NoError(t, err)

	// Replaying the same commit must observe StaleState, never double-apply.
	_, err = store.CommitTransition("project-1", "ideation", rec)
	assert.ErrorIs(t, err, ErrStaleState)

	st, err := store.Load("project-1")
	require.NoError(t, err)
	assert.Len(t, st.History, 1)
	assert.Equal(t, "specification", st.CurrentStage)
}

func TestStore_CommitTransitionRules(t *testing.T) {
	tests := []struct {
		name    string
		rec     TransitionRecord
		wantErr error
	}{
		{
			name: "backward move",
			rec: TransitionRecord{
				FromStage: "specification", ToStage: "ideation",
				Actor: "executor", Outcome: OutcomeSuccess,
			},
			wantErr: ErrBackwardTransition,
		},
		{
			name: "same stage",
			rec: TransitionRecord{
				FromStage: "specification", ToStage: "specification",
				Actor: "executor", Outcome: OutcomeSuccess,
			},
			wantErr: ErrBackwardTransition,
		},
		{
			name: "unknown target",
			rec: TransitionRecord{
				FromStage: "specification", ToStage: "shipping",
				Actor: "executor", Outcome: OutcomeSuccess,
			},
			wantErr: ErrUnknownStage,
		},
		{
			name: "skip without artifact",
			rec: TransitionRecord{
				FromStage: "specification", ToStage: "validation",
				Actor: "executor", Outcome: OutcomeSuccess,
			},
			wantErr: ErrArtifactRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			_, err := store.Initialize("project-1")
			require.NoError(t, err)
			_, err = store.CommitTransition("project-1", "ideation", TransitionRecord{
				FromStage: "ideation", ToStage: "specification",
				Actor: "executor", Outcome: OutcomeSuccess,
			})
			require.NoError(t, err)

			_, err = store.CommitTransition("project-1", "specification", tt.rec)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStore_CommitTransitionSkipWithArtifact(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	st, err := store.CommitTransition("project-1", "ideation", TransitionRecord{
		FromStage:   "ideation",
		ToStage:     "implementation",
		Actor:       "operator",
		Outcome:     OutcomeSuccess,
		ArtifactRef: "artifacts/combined.md",
	})
	require.NoError(t, err)
	assert.Equal(t, "implementation", st.CurrentStage)
}

func TestStore_CompleteOnFinalStage(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	stages := testStages()
	for i := 0; i < len(stages)-1; i++ {
		_, err = store.CommitTransition("project-1", stages[i], TransitionRecord{
			FromStage: stages[i], ToStage: stages[i+1],
			Actor: "executor", Outcome: OutcomeSuccess,
		})
		require.NoError(t, err)
	}

	st, err := store.Load("project-1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st.Status)
	assert.Equal(t, "validation", st.CurrentStage)
}

func TestStore_HistoryMonotonicity(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	var prevLen int
	observe := func() {
		st, err := store.Load("project-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(st.History), prevLen, "history shrank")
		if len(st.History) > 0 && prevLen > 0 {
			// Earlier entries never change
			assert.Equal(t, "ideation", st.History[0].FromStage)
		}
		prevLen = len(st.History)
	}

	observe()
	_, err = store.CommitTransition("project-1", "ideation", TransitionRecord{
		FromStage: "ideation", ToStage: "specification",
		Actor: "executor", Outcome: OutcomeSuccess,
	})
	require.NoError(t, err)
	observe()
	_, err = store.RecordInvocation("project-1", "specification")
	require.NoError(t, err)
	observe()
	_, err = store.MarkBlocked("project-1", "specification", "guard", "budget exhausted")
	require.NoError(t, err)
	observe()
	_, err = store.ResetStage("project-1", "operator")
	require.NoError(t, err)
	observe()
}

func TestStore_RecordInvocation(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	st, err := store.RecordInvocation("project-1", "ideation")
	require.NoError(t, err)
	assert.Equal(t, 1, st.InvocationCountInStage)
	assert.Equal(t, StatusInProgress, st.Status)
	assert.Equal(t, 1, st.Metrics.AgentInvocations)

	_, err = store.RecordInvocation("project-1", "specification")
	assert.ErrorIs(t, err, ErrStaleState)
}

func TestStore_InvocationCountResetOnForwardTransition(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = store.RecordInvocation("project-1", "ideation")
		require.NoError(t, err)
	}

	st, err := store.CommitTransition("project-1", "ideation", TransitionRecord{
		FromStage: "ideation", ToStage: "specification",
		Actor: "executor", Outcome: OutcomeSuccess,
	})
	require.NoError(t, err)
	assert.Zero(t, st.InvocationCountInStage)
	assert.Equal(t, 3, st.Metrics.AgentInvocations)
}

func TestStore_BlockAndReset(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	st, err := store.MarkBlocked("project-1", "ideation", "guard", "concurrent invocation detected")
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, st.Status)
	assert.Equal(t, "ideation", st.CurrentStage)
	assert.False(t, st.Recovery.CanResume)

	// Reset requires blocked or dead_lettered
	st, err = store.ResetStage("project-1", "operator")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st.Status)
	assert.Zero(t, st.InvocationCountInStage)
	assert.True(t, st.Recovery.CanResume)

	_, err = store.ResetStage("project-1", "operator")
	assert.Error(t, err, "reset of a healthy project should fail")
}

func TestStore_Checkpoints(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	id, err := store.RecordCheckpoint("project-1", "ideation", []string{"artifacts/plan.yml"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st, err := store.Load("project-1")
	require.NoError(t, err)
	require.Len(t, st.Checkpoints, 1)
	assert.Equal(t, id, st.Recovery.LastSuccessfulCheckpoint)

	_, err = store.RecordCheckpoint("project-1", "bogus", nil)
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestStore_Transitions(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)
	_, err = store.RecordInvocation("project-1", "ideation")
	require.NoError(t, err)
	_, err = store.CommitTransition("project-1", "ideation", TransitionRecord{
		FromStage: "ideation", ToStage: "specification",
		Actor: "executor", Outcome: OutcomeSuccess,
	})
	require.NoError(t, err)

	all, err := store.Transitions("project-1", AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	advanced, err := store.Transitions("project-1", AuditFilter{Type: EventStageAdvanced})
	require.NoError(t, err)
	require.Len(t, advanced, 1)
	assert.Equal(t, "specification", advanced[0].Stage)

	limited, err := store.Transitions("project-1", AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, EventStageAdvanced, limited[0].Type)
}

func TestStore_AtomicWriteLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)

	entries, err := os.ReadDir(store.ProjectDir("project-1"))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp", "temp file left behind")
	}
	assert.FileExists(t, filepath.Join(store.ProjectDir("project-1"), StateFile))
}

func TestStore_ListProjects(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Initialize("project-1")
	require.NoError(t, err)
	_, err = store.Initialize("project-2")
	require.NoError(t, err)

	// Corrupt one record
	require.NoError(t, os.WriteFile(store.statePath("project-2"), []byte("{"), 0644))

	ids, loadErrs, err := store.ListProjects()
	require.NoError(t, err)
	assert.Equal(t, []string{"project-1"}, ids)
	require.Len(t, loadErrs, 1)
	assert.True(t, errors.Is(loadErrs[0], ErrCorruptState))
}
