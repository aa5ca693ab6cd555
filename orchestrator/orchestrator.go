// Package orchestrator is the per-trigger entry point. Each run is a fresh,
// memoryless process: it loads the durable project record, asks the guard
// whether automation may proceed, routes the task through the complexity
// analyzer, invokes the executor, and commits the result back to the state
// store or the dead letter vault.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/stagekeeper/stagekeeper/analytics"
	"github.com/stagekeeper/stagekeeper/complexity"
	"github.com/stagekeeper/stagekeeper/config"
	"github.com/stagekeeper/stagekeeper/deadletter"
	"github.com/stagekeeper/stagekeeper/executor"
	"github.com/stagekeeper/stagekeeper/guard"
	"github.com/stagekeeper/stagekeeper/state"
)

// Request describes one unit of stage work to run.
type Request struct {
	ProjectID string

	// Stage, when set, asserts which stage the caller believes is current.
	// A mismatch means the trigger is stale and nothing runs.
	Stage string

	TaskName        string
	TaskDescription string

	// ContextPatterns are file paths or doublestar globs resolved under the
	// allowed root. Matches are read and passed to the executor; patterns
	// that match nothing become warnings.
	ContextPatterns []string

	// OutputPath overrides the default artifact location
	// (<project>/artifacts/<stage>.md).
	OutputPath string

	// Profile names the processing profile; empty means the configured
	// default.
	Profile string
}

// Orchestrator wires the durable core components together.
type Orchestrator struct {
	cfg      *config.Config
	store    *state.Store
	vault    *deadletter.Vault
	guard    *guard.Guard
	analyzer *complexity.Analyzer
	tracker  *analytics.Tracker
	resolve  func(name string) executor.Executor
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithExecutorResolver overrides how provider names resolve to executors.
func WithExecutorResolver(resolve func(name string) executor.Executor) Option {
	return func(o *Orchestrator) {
		o.resolve = resolve
	}
}

// New builds an Orchestrator from configuration.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		resolve: executor.Get,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	graph, err := state.NewGraph(cfg.Pipeline.Stages)
	if err != nil {
		return nil, err
	}
	o.store = state.NewStore(cfg.Storage.Root, graph, state.WithLogger(o.logger), state.WithClock(o.now))
	o.vault = deadletter.NewVault(cfg.Storage.Root, state.ValidateProjectID,
		deadletter.WithLogger(o.logger), deadletter.WithClock(o.now))
	channel := guard.NewFeedChannel(cfg.Storage.Root, state.ValidateProjectID)
	o.guard = guard.New(cfg.Guard.MaxInvocationsPerStage, channel, o.logger)
	o.analyzer = complexity.NewAnalyzer(cfg.Complexity)
	o.tracker = analytics.New(cfg.Storage.AnalyticsDir, analytics.WithLogger(o.logger), analytics.WithClock(o.now))

	return o, nil
}

// Store exposes the state store for operator commands.
func (o *Orchestrator) Store() *state.Store {
	return o.store
}

// Vault exposes the dead letter vault for operator commands.
func (o *Orchestrator) Vault() *deadletter.Vault {
	return o.vault
}

// Analyzer exposes the complexity analyzer for operator commands.
func (o *Orchestrator) Analyzer() *complexity.Analyzer {
	return o.analyzer
}

// Tracker exposes the usage tracker for operator commands.
func (o *Orchestrator) Tracker() *analytics.Tracker {
	return o.tracker
}

func invalid(req Request, err error) Outcome {
	return Outcome{
		Kind:      KindInvalidInput,
		ProjectID: req.ProjectID,
		Stage:     req.Stage,
		Message:   err.Error(),
		Err:       err,
	}
}

// Run executes one unit of stage work end to end. All input validation
// happens before any state is touched; after that every exit path leaves the
// durable record consistent.
func (o *Orchestrator) Run(ctx context.Context, req Request) Outcome {
	if err := state.ValidateProjectID(req.ProjectID); err != nil {
		return invalid(req, err)
	}
	if strings.TrimSpace(req.TaskDescription) == "" {
		return invalid(req, fmt.Errorf("task description is required"))
	}
	if req.TaskName == "" {
		req.TaskName = req.ProjectID
	}

	profileName := req.Profile
	if profileName == "" {
		profileName = o.cfg.Executor.DefaultProfile
	}
	profile, ok := o.cfg.Executor.Profiles[profileName]
	if !ok {
		return invalid(req, fmt.Errorf("unknown profile %q", profileName))
	}
	exec := o.resolve(profile.Provider)
	if exec == nil {
		return invalid(req, fmt.Errorf("profile %q names unregistered executor %q", profileName, profile.Provider))
	}

	if req.OutputPath != "" {
		abs, err := o.containPath(req.OutputPath)
		if err != nil {
			return invalid(req, err)
		}
		req.OutputPath = abs
	}

	taskContext, warnings, err := o.collectContext(req.ContextPatterns)
	if err != nil {
		return invalid(req, err)
	}

	st, err := o.store.Load(req.ProjectID)
	if errors.Is(err, state.ErrNotFound) {
		st, err = o.store.Initialize(req.ProjectID)
	}
	if err != nil {
		return o.loadFailure(req, err)
	}

	outcome := Outcome{
		ProjectID: req.ProjectID,
		Stage:     st.CurrentStage,
		State:     st,
		Warnings:  warnings,
	}

	if req.Stage != "" && req.Stage != st.CurrentStage {
		outcome.Kind = KindStaleState
		outcome.Err = fmt.Errorf("%w: trigger expected stage %q, project is at %q", state.ErrStaleState, req.Stage, st.CurrentStage)
		outcome.Message = outcome.Err.Error()
		return outcome
	}

	switch st.Status {
	case state.StatusComplete:
		outcome.Kind = KindProjectComplete
		outcome.Message = fmt.Sprintf("project %s is already complete", req.ProjectID)
		return outcome
	case state.StatusBlocked, state.StatusDeadLettered:
		outcome.Kind = KindBlocked
		outcome.Message = fmt.Sprintf("project %s is %s at stage %s; operator reset required", req.ProjectID, st.Status, st.CurrentStage)
		return outcome
	}

	decision, err := o.guard.CheckAndIncrement(st)
	if err != nil {
		return o.internalFailure(outcome, err)
	}
	if !decision.Allow {
		return o.block(outcome, st, decision)
	}

	st, err = o.store.RecordInvocation(req.ProjectID, st.CurrentStage)
	if err != nil {
		return o.commitFailure(outcome, err)
	}
	outcome.State = st
	if err := o.guard.RecordInvocation(req.ProjectID, st.CurrentStage, decision.NextSequence,
		fmt.Sprintf("invocation %d: %s", decision.NextSequence, req.TaskName)); err != nil {
		return o.internalFailure(outcome, err)
	}

	score := o.analyzer.Score(req.TaskDescription)
	outcome.Score = &score
	o.logger.Info("Task routed",
		"project_id", req.ProjectID,
		"stage", st.CurrentStage,
		"level", score.Level,
		"dominant", score.Dominant,
		"mental_model", score.Strategy.MentalModel,
		"chain_strategy", score.Strategy.ChainStrategy,
		"requires_human_review", score.RequiresHumanReview)

	outputPath := req.OutputPath
	if outputPath == "" {
		outputPath = filepath.Join(o.store.ProjectDir(req.ProjectID), "artifacts", st.CurrentStage+".md")
	}

	execReq := executor.Request{
		ProjectID:       req.ProjectID,
		Stage:           st.CurrentStage,
		TaskName:        req.TaskName,
		TaskDescription: req.TaskDescription,
		ProfileName:     profileName,
		Profile:         profile,
		Strategy:        score.Strategy,
		Context:         taskContext,
		OutputPath:      outputPath,
	}

	// Every retry is a fresh invocation against the stage budget: the gate
	// re-checks the guard and persists the incremented count before the
	// executor runs again, so a persistently flaky stage trips the breaker
	// instead of burning the whole retry budget.
	var trip *guard.Decision
	var gateErr error
	gate := executor.WithRetryGate(func(attempt int) error {
		cur, err := o.store.Load(req.ProjectID)
		if err != nil {
			gateErr = err
			return err
		}
		retryDecision, err := o.guard.CheckAndIncrement(cur)
		if err != nil {
			gateErr = err
			return err
		}
		if !retryDecision.Allow {
			trip = &retryDecision
			st = cur
			return fmt.Errorf("invocation budget exhausted before retry %d: %s", attempt, retryDecision.Detail)
		}
		cur, err = o.store.RecordInvocation(req.ProjectID, cur.CurrentStage)
		if err != nil {
			gateErr = err
			return err
		}
		st = cur
		if err := o.guard.RecordInvocation(req.ProjectID, cur.CurrentStage, retryDecision.NextSequence,
			fmt.Sprintf("invocation %d (retry): %s", retryDecision.NextSequence, req.TaskName)); err != nil {
			gateErr = err
			return err
		}
		return nil
	})

	started := o.now()
	result, attempts, execErr := executor.Invoke(ctx, exec, execReq, o.cfg.Retry, o.cfg.Executor.Timeout, o.logger, gate)
	duration := o.now().Sub(started)
	outcome.Attempts = attempts
	outcome.State = st

	o.trackUsage(req, st.CurrentStage, profileName, profile, attempts, duration, execErr)
	for i := 1; i < attempts; i++ {
		if _, err := o.store.RecordRetry(req.ProjectID); err != nil {
			o.logger.Warn("Failed to record retry metric", "project_id", req.ProjectID, "error", err)
			break
		}
	}

	if execErr != nil {
		switch {
		case trip != nil:
			return o.block(outcome, st, *trip)
		case gateErr != nil:
			return o.commitFailure(outcome, gateErr)
		case ctx.Err() != nil && !executor.IsPermanent(execErr):
			return o.internalFailure(outcome, execErr)
		default:
			return o.quarantine(outcome, req, st, profileName, attempts, execErr)
		}
	}

	return o.advance(outcome, req, st, profileName, result, duration)
}

func (o *Orchestrator) loadFailure(req Request, err error) Outcome {
	outcome := Outcome{ProjectID: req.ProjectID, Stage: req.Stage, Err: err, Message: err.Error()}
	if errors.Is(err, state.ErrCorruptState) {
		outcome.Kind = KindCorruptState
	} else {
		outcome.Kind = KindInternalError
	}
	return outcome
}

func (o *Orchestrator) internalFailure(outcome Outcome, err error) Outcome {
	outcome.Kind = KindInternalError
	outcome.Err = err
	outcome.Message = err.Error()
	return outcome
}

// commitFailure classifies an error from a stale-checked store write.
func (o *Orchestrator) commitFailure(outcome Outcome, err error) Outcome {
	if errors.Is(err, state.ErrStaleState) {
		outcome.Kind = KindStaleState
	} else if errors.Is(err, state.ErrCorruptState) {
		outcome.Kind = KindCorruptState
	} else {
		outcome.Kind = KindInternalError
	}
	outcome.Err = err
	outcome.Message = err.Error()
	return outcome
}

func (o *Orchestrator) block(outcome Outcome, st *state.ProjectState, decision guard.Decision) Outcome {
	blocked, err := o.store.MarkBlocked(st.ProjectID, st.CurrentStage, "guard", decision.Detail)
	if err != nil {
		return o.commitFailure(outcome, err)
	}
	outcome.State = blocked

	note := guard.EscalationNote(st.ProjectID, decision)
	if err := o.guard.RecordInvocation(st.ProjectID, st.CurrentStage, st.InvocationCountInStage, note); err != nil {
		o.logger.Warn("Failed to post escalation note", "project_id", st.ProjectID, "error", err)
	}

	outcome.Kind = KindBlocked
	outcome.Message = fmt.Sprintf("circuit breaker tripped (%s): %s", decision.Reason, decision.Detail)
	return outcome
}

func (o *Orchestrator) quarantine(outcome Outcome, req Request, st *state.ProjectState, profileName string, attempts int, execErr error) Outcome {
	entryID, err := o.vault.Quarantine(deadletter.Entry{
		ProjectID: req.ProjectID,
		Stage:     st.CurrentStage,
		Payload: deadletter.Payload{
			TaskName:        req.TaskName,
			TaskDescription: req.TaskDescription,
			ContextFiles:    req.ContextPatterns,
			OutputPath:      req.OutputPath,
			Profile:         profileName,
		},
		ErrorSummary:  execErr.Error(),
		FirstFailedAt: o.now(),
		RetryCount:    attempts - 1,
	})
	if err != nil {
		return o.internalFailure(outcome, err)
	}

	marked, err := o.store.MarkDeadLettered(req.ProjectID, st.CurrentStage, "orchestrator",
		fmt.Sprintf("quarantined as %s: %s", entryID, execErr))
	if err != nil {
		return o.commitFailure(outcome, err)
	}
	outcome.State = marked

	outcome.Kind = KindQuarantined
	outcome.Err = execErr
	outcome.Message = fmt.Sprintf("work quarantined as %s after %d attempts: %s", entryID, attempts, execErr)
	return outcome
}

func (o *Orchestrator) advance(outcome Outcome, req Request, st *state.ProjectState, profileName string, result *executor.Result, duration time.Duration) Outcome {
	outcome.ArtifactRef = result.ArtifactRef

	next, ok := o.store.Graph().Next(st.CurrentStage)
	if !ok {
		// Terminal stage work with no stage to advance into. The record
		// stays where it is; the artifact is the outcome.
		outcome.Kind = KindStageAdvanced
		outcome.Message = fmt.Sprintf("terminal stage %s produced %s", st.CurrentStage, result.ArtifactRef)
		return outcome
	}

	committed, err := o.store.CommitTransition(req.ProjectID, st.CurrentStage, state.TransitionRecord{
		FromStage:   st.CurrentStage,
		ToStage:     next,
		Actor:       "executor:" + profileName,
		Outcome:     state.OutcomeSuccess,
		ArtifactRef: result.ArtifactRef,
	})
	if err != nil {
		return o.commitFailure(outcome, err)
	}
	outcome.State = committed

	if _, err := o.store.RecordCheckpoint(req.ProjectID, st.CurrentStage, []string{result.ArtifactRef}); err != nil {
		o.logger.Warn("Failed to record checkpoint", "project_id", req.ProjectID, "error", err)
	}
	if err := o.store.RecordStageDuration(req.ProjectID, st.CurrentStage, duration); err != nil {
		o.logger.Warn("Failed to record stage duration", "project_id", req.ProjectID, "error", err)
	}

	if committed.Status == state.StatusComplete {
		outcome.Kind = KindProjectComplete
		outcome.Message = fmt.Sprintf("project %s complete at stage %s", req.ProjectID, committed.CurrentStage)
	} else {
		outcome.Kind = KindStageAdvanced
		outcome.Message = fmt.Sprintf("stage %s done, advanced to %s", st.CurrentStage, next)
	}
	return outcome
}

func (o *Orchestrator) trackUsage(req Request, stage, profileName string, profile config.Profile, attempts int, duration time.Duration, execErr error) {
	entry := analytics.UsageEntry{
		ProjectID:       req.ProjectID,
		Stage:           stage,
		Profile:         profileName,
		Model:           profile.Model,
		Attempts:        attempts,
		DurationSeconds: duration.Seconds(),
		Success:         execErr == nil,
	}
	if execErr != nil {
		entry.ErrorMessage = execErr.Error()
	}
	o.tracker.Track(entry)
}

// containPath resolves path and rejects it when it escapes the allowed root.
func (o *Orchestrator) containPath(path string) (string, error) {
	root := o.cfg.Storage.AllowedRoot
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = cwd
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(absRoot, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes allowed root %q", path, root)
	}
	return abs, nil
}

// collectContext expands the context patterns and reads the matched files.
// A path escaping the allowed root is an input error; a pattern matching
// nothing is only a warning.
func (o *Orchestrator) collectContext(patterns []string) (map[string]string, []string, error) {
	if len(patterns) == 0 {
		return nil, nil, nil
	}

	files := make(map[string]string)
	var warnings []string
	for _, pattern := range patterns {
		abs, err := o.containPath(pattern)
		if err != nil {
			return nil, nil, err
		}

		matches := []string{abs}
		if strings.ContainsAny(pattern, "*?[{") {
			matches, err = doublestar.FilepathGlob(abs)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid context pattern %q: %w", pattern, err)
			}
		}

		found := false
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			data, err := os.ReadFile(match)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("context file %s unreadable: %v", match, err))
				continue
			}
			files[match] = string(data)
			found = true
		}
		if !found {
			warnings = append(warnings, fmt.Sprintf("context pattern %q matched no readable files", pattern))
		}
	}
	for _, w := range warnings {
		o.logger.Warn("Context collection warning", "warning", w)
	}
	return files, warnings, nil
}
