package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagekeeper/stagekeeper/config"
	"github.com/stagekeeper/stagekeeper/executor"
	"github.com/stagekeeper/stagekeeper/guard"
	"github.com/stagekeeper/stagekeeper/state"
)

type fakeExecutor struct {
	fn       func(call int, req executor.Request) (*executor.Result, error)
	calls    int
	requests []executor.Request
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	f.calls++
	f.requests = append(f.requests, req)
	if f.fn != nil {
		return f.fn(f.calls, req)
	}
	return &executor.Result{ArtifactRef: req.OutputPath, Output: "ok"}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Pipeline.Stages = []string{"draft", "review", "publish"}
	cfg.Guard.MaxInvocationsPerStage = 3
	cfg.Retry.BackoffBase = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond
	cfg.Storage.Root = filepath.Join(dir, "projects")
	cfg.Storage.AllowedRoot = dir
	cfg.Storage.AnalyticsDir = filepath.Join(dir, "analytics")
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, fake *fakeExecutor) *Orchestrator {
	t.Helper()
	orch, err := New(cfg, WithExecutorResolver(func(name string) executor.Executor {
		return fake
	}))
	require.NoError(t, err)
	return orch
}

func runRequest(projectID string) Request {
	return Request{
		ProjectID:       projectID,
		TaskName:        "draft-spec",
		TaskDescription: "Draft the initial specification.",
	}
}

func TestRunClassifiesProjectIDs(t *testing.T) {
	cfg := testConfig(t)
	orch := newTestOrchestrator(t, cfg, &fakeExecutor{})

	valid := []string{"a", "billing-engine", "x9", "a1-b2-c3"}
	for _, id := range valid {
		outcome := orch.Run(context.Background(), runRequest(id))
		if outcome.Kind == KindInvalidInput {
			t.Errorf("id %q rejected: %v", id, outcome.Err)
		}
	}

	invalid := []string{"", "-leading", "trailing-", "UPPER", "has space", "a/b", "..", "a..b\\c",
		"this-identifier-is-way-too-long-to-pass-the-fifty-character-limit-check"}
	for _, id := range invalid {
		outcome := orch.Run(context.Background(), runRequest(id))
		assert.Equal(t, KindInvalidInput, outcome.Kind, "id %q should be rejected", id)
	}

	// Rejection happens before any state is touched.
	entries, err := os.ReadDir(cfg.Storage.Root)
	if err == nil {
		assert.Len(t, entries, len(valid))
	}
}

func TestRunAdvancesStageOnSuccess(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{}
	orch := newTestOrchestrator(t, cfg, fake)

	outcome := orch.Run(context.Background(), runRequest("billing-engine"))
	require.Equal(t, KindStageAdvanced, outcome.Kind, "unexpected outcome: %s", outcome.Message)
	assert.Equal(t, 1, fake.calls)
	assert.Equal(t, "draft", outcome.Stage)
	assert.NotEmpty(t, outcome.ArtifactRef)
	require.NotNil(t, outcome.Score)

	st, err := orch.Store().Load("billing-engine")
	require.NoError(t, err)
	assert.Equal(t, "review", st.CurrentStage)
	assert.Equal(t, state.StatusPending, st.Status)
	require.Len(t, st.History, 1)
	assert.Equal(t, "draft", st.History[0].FromStage)
	assert.Equal(t, outcome.ArtifactRef, st.History[0].ArtifactRef)
	assert.Equal(t, 0, st.InvocationCountInStage)
	require.Len(t, st.Checkpoints, 1)
	assert.Equal(t, "draft", st.Checkpoints[0].Stage)

	// Usage was tracked.
	matches, err := filepath.Glob(filepath.Join(cfg.Storage.AnalyticsDir, "usage-*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestRunQuarantinesPermanentFailure(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{fn: func(call int, req executor.Request) (*executor.Result, error) {
		return nil, executor.NewPermanentError(errors.New("task is unworkable"))
	}}
	orch := newTestOrchestrator(t, cfg, fake)

	outcome := orch.Run(context.Background(), runRequest("billing-engine"))
	require.Equal(t, KindQuarantined, outcome.Kind)
	assert.Equal(t, 1, fake.calls, "permanent failures must not retry")

	entries, err := orch.Vault().List("billing-engine", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "draft", entries[0].Stage)
	assert.Equal(t, 0, entries[0].RetryCount)
	assert.Contains(t, entries[0].ErrorSummary, "task is unworkable")

	st, err := orch.Store().Load("billing-engine")
	require.NoError(t, err)
	assert.Equal(t, state.StatusDeadLettered, st.Status)
	assert.Equal(t, "draft", st.CurrentStage)
}

func TestRunExhaustsRetryBudgetThenQuarantines(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{fn: func(call int, req executor.Request) (*executor.Result, error) {
		return nil, executor.NewTransientError(errors.New("flaky downstream"))
	}}
	orch := newTestOrchestrator(t, cfg, fake)

	outcome := orch.Run(context.Background(), runRequest("billing-engine"))
	require.Equal(t, KindQuarantined, outcome.Kind)
	assert.Equal(t, cfg.Retry.MaxAttempts, fake.calls)
	assert.Equal(t, cfg.Retry.MaxAttempts, outcome.Attempts)

	entries, err := orch.Vault().List("billing-engine", true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cfg.Retry.MaxAttempts-1, entries[0].RetryCount)

	st, err := orch.Store().Load("billing-engine")
	require.NoError(t, err)
	assert.Equal(t, cfg.Retry.MaxAttempts-1, st.Metrics.Retries)
}

func TestRunTransientRetriesConsumeInvocationBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retry.MaxAttempts = 5
	fake := &fakeExecutor{fn: func(call int, req executor.Request) (*executor.Result, error) {
		return nil, executor.NewTransientError(errors.New("flaky downstream"))
	}}
	orch := newTestOrchestrator(t, cfg, fake)

	// With a stage budget of three, three transient failures exhaust the
	// budget and the breaker trips before a fourth executor call, even
	// though the retry budget would allow five attempts.
	outcome := orch.Run(context.Background(), runRequest("billing-engine"))
	require.Equal(t, KindBlocked, outcome.Kind, outcome.Message)
	assert.Equal(t, cfg.Guard.MaxInvocationsPerStage, fake.calls)
	assert.Equal(t, cfg.Guard.MaxInvocationsPerStage, outcome.Attempts)

	st, err := orch.Store().Load("billing-engine")
	require.NoError(t, err)
	assert.Equal(t, state.StatusBlocked, st.Status)
	assert.Equal(t, "draft", st.CurrentStage)
	assert.Equal(t, cfg.Guard.MaxInvocationsPerStage, st.InvocationCountInStage)

	// The flaky stage was blocked for an operator, not quarantined.
	entries, err := orch.Vault().ListAll(false)
	require.NoError(t, err)
	assert.Empty(t, entries)

	feed, err := os.ReadFile(filepath.Join(orch.Store().ProjectDir("billing-engine"), guard.FeedFile))
	require.NoError(t, err)
	assert.Contains(t, string(feed), "Circuit breaker triggered")
}

func TestRunTripsGuardOnExhaustedBudget(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{}
	orch := newTestOrchestrator(t, cfg, fake)

	// Earlier invocations consumed the stage budget without committing a
	// forward transition (crashed mid-run).
	_, err := orch.Store().Initialize("billing-engine")
	require.NoError(t, err)
	for i := 0; i < cfg.Guard.MaxInvocationsPerStage; i++ {
		_, err = orch.Store().RecordInvocation("billing-engine", "draft")
		require.NoError(t, err)
	}

	outcome := orch.Run(context.Background(), runRequest("billing-engine"))
	require.Equal(t, KindBlocked, outcome.Kind)
	assert.Equal(t, 0, fake.calls, "tripped guard must not invoke the executor")

	st, err := orch.Store().Load("billing-engine")
	require.NoError(t, err)
	assert.Equal(t, state.StatusBlocked, st.Status)

	// The escalation note landed in the feed for a human to read.
	feed, err := os.ReadFile(filepath.Join(orch.Store().ProjectDir("billing-engine"), guard.FeedFile))
	require.NoError(t, err)
	assert.Contains(t, string(feed), "Circuit breaker triggered")
}

func TestRunTripsGuardOnConcurrentMarker(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{}
	orch := newTestOrchestrator(t, cfg, fake)

	_, err := orch.Store().Initialize("billing-engine")
	require.NoError(t, err)

	// Another invocation wrote its marker but its state write never landed.
	channel := guard.NewFeedChannel(cfg.Storage.Root, state.ValidateProjectID)
	require.NoError(t, channel.WriteMarker(guard.Marker{
		ProjectID: "billing-engine",
		Stage:     "draft",
		Sequence:  1,
	}, "invocation 1"))

	outcome := orch.Run(context.Background(), runRequest("billing-engine"))
	require.Equal(t, KindBlocked, outcome.Kind)
	assert.Equal(t, 0, fake.calls)
}

func TestRunBlockedProjectStaysBlockedUntilReset(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{}
	orch := newTestOrchestrator(t, cfg, fake)

	_, err := orch.Store().Initialize("billing-engine")
	require.NoError(t, err)
	_, err = orch.Store().MarkBlocked("billing-engine", "draft", "guard", "budget exhausted")
	require.NoError(t, err)

	outcome := orch.Run(context.Background(), runRequest("billing-engine"))
	assert.Equal(t, KindBlocked, outcome.Kind)
	assert.Equal(t, 0, fake.calls)

	_, err = orch.Store().ResetStage("billing-engine", "operator")
	require.NoError(t, err)

	outcome = orch.Run(context.Background(), runRequest("billing-engine"))
	assert.Equal(t, KindStageAdvanced, outcome.Kind, "reset should resume automation: %s", outcome.Message)
	assert.Equal(t, 1, fake.calls)
}

func TestRunStaleStageAssertion(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{}
	orch := newTestOrchestrator(t, cfg, fake)

	req := runRequest("billing-engine")
	req.Stage = "review"
	outcome := orch.Run(context.Background(), req)
	assert.Equal(t, KindStaleState, outcome.Kind)
	assert.Equal(t, 0, fake.calls)
	assert.ErrorIs(t, outcome.Err, state.ErrStaleState)
}

func TestRunContextFiles(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{}
	orch := newTestOrchestrator(t, cfg, fake)

	docs := filepath.Join(cfg.Storage.AllowedRoot, "docs")
	require.NoError(t, os.MkdirAll(docs, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "brief.md"), []byte("the brief"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "notes.md"), []byte("the notes"), 0644))

	req := runRequest("billing-engine")
	req.ContextPatterns = []string{
		filepath.Join(docs, "**", "*.md"),
		filepath.Join(docs, "missing.md"),
	}
	outcome := orch.Run(context.Background(), req)
	require.Equal(t, KindStageAdvanced, outcome.Kind, outcome.Message)

	require.Len(t, fake.requests, 1)
	assert.Len(t, fake.requests[0].Context, 2)
	require.Len(t, outcome.Warnings, 1)
	assert.Contains(t, outcome.Warnings[0], "missing.md")
}

func TestRunRejectsEscapingPaths(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{}
	orch := newTestOrchestrator(t, cfg, fake)

	req := runRequest("billing-engine")
	req.ContextPatterns = []string{filepath.Join("..", "outside.txt")}
	outcome := orch.Run(context.Background(), req)
	assert.Equal(t, KindInvalidInput, outcome.Kind)
	assert.Equal(t, 0, fake.calls)

	req = runRequest("billing-engine")
	req.OutputPath = filepath.Join("..", "artifact.md")
	outcome = orch.Run(context.Background(), req)
	assert.Equal(t, KindInvalidInput, outcome.Kind)
	assert.Equal(t, 0, fake.calls)
}

func TestRunUnknownProfile(t *testing.T) {
	cfg := testConfig(t)
	orch := newTestOrchestrator(t, cfg, &fakeExecutor{})

	req := runRequest("billing-engine")
	req.Profile = "no-such-profile"
	outcome := orch.Run(context.Background(), req)
	assert.Equal(t, KindInvalidInput, outcome.Kind)
}

func TestRunCorruptStateFailsClosed(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{}
	orch := newTestOrchestrator(t, cfg, fake)

	_, err := orch.Store().Initialize("billing-engine")
	require.NoError(t, err)
	statePath := filepath.Join(orch.Store().ProjectDir("billing-engine"), "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0644))

	outcome := orch.Run(context.Background(), runRequest("billing-engine"))
	assert.Equal(t, KindCorruptState, outcome.Kind)
	assert.Equal(t, 0, fake.calls)
	assert.Equal(t, 2, outcome.Kind.ExitCode())
}

func TestRunPipelineCompletesProject(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{}
	orch := newTestOrchestrator(t, cfg, fake)

	outcomes := orch.RunPipeline(context.Background(), runRequest("billing-engine"))
	require.Len(t, outcomes, 2)
	assert.Equal(t, KindStageAdvanced, outcomes[0].Kind)
	assert.Equal(t, KindProjectComplete, outcomes[1].Kind)

	st, err := orch.Store().Load("billing-engine")
	require.NoError(t, err)
	assert.Equal(t, state.StatusComplete, st.Status)
	assert.Equal(t, "publish", st.CurrentStage)

	// A completed project is a no-op for further triggers.
	outcome := orch.Run(context.Background(), runRequest("billing-engine"))
	assert.Equal(t, KindProjectComplete, outcome.Kind)
	assert.Equal(t, 2, fake.calls)
}

func TestRunPipelineStopsOnQuarantine(t *testing.T) {
	cfg := testConfig(t)
	fake := &fakeExecutor{fn: func(call int, req executor.Request) (*executor.Result, error) {
		if call == 1 {
			return &executor.Result{ArtifactRef: req.OutputPath}, nil
		}
		return nil, executor.NewPermanentError(errors.New("review rejected"))
	}}
	orch := newTestOrchestrator(t, cfg, fake)

	outcomes := orch.RunPipeline(context.Background(), runRequest("billing-engine"))
	require.Len(t, outcomes, 2)
	assert.Equal(t, KindStageAdvanced, outcomes[0].Kind)
	assert.Equal(t, KindQuarantined, outcomes[1].Kind)

	st, err := orch.Store().Load("billing-engine")
	require.NoError(t, err)
	assert.Equal(t, state.StatusDeadLettered, st.Status)
	assert.Equal(t, "review", st.CurrentStage)
}

func TestKindExitCodes(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindStageAdvanced, 0},
		{KindProjectComplete, 0},
		{KindBlocked, 0},
		{KindQuarantined, 0},
		{KindStaleState, 0},
		{KindInvalidInput, 1},
		{KindCorruptState, 2},
		{KindInternalError, 2},
	}
	for _, tt := range tests {
		if got := tt.kind.ExitCode(); got != tt.want {
			t.Errorf("ExitCode(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
