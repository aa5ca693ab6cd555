package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

func init() {
	Register(&LocalExecutor{})
}

// LocalExecutor writes the task briefing and context to the output path as a
// markdown report. It stands in for a real agent integration so the pipeline
// can run end to end without one, and is the reference implementation of the
// boundary contract.
type LocalExecutor struct{}

// Name implements Executor.
func (e *LocalExecutor) Name() string {
	return "local"
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransientError(err)
	}
	if req.OutputPath == "" {
		return nil, NewPermanentError(fmt.Errorf("output path is required"))
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return nil, NewTransientError(fmt.Errorf("failed to create output directory: %w", err))
	}

	metadata := map[string]any{
		"task_name":      req.TaskName,
		"profile":        req.ProfileName,
		"model":          req.Profile.Model,
		"mental_model":   req.Strategy.MentalModel,
		"chain_strategy": req.Strategy.ChainStrategy,
		"project_id":     req.ProjectID,
		"stage":          req.Stage,
		"generated_at":   time.Now().UTC().Format(time.RFC3339),
	}
	metaJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("failed to marshal task metadata: %w", err))
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Task: %s\n\n", req.TaskName))
	sb.WriteString(fmt.Sprintf("**Description:** %s\n\n", req.TaskDescription))
	sb.WriteString(fmt.Sprintf("**Profile:** %s (%s)\n", req.ProfileName, req.Profile.Model))
	sb.WriteString(fmt.Sprintf("**Strategy:** %s / %s\n\n", req.Strategy.MentalModel, req.Strategy.ChainStrategy))

	if len(req.Context) > 0 {
		sb.WriteString("## Context\n\n")
		paths := make([]string, 0, len(req.Context))
		for path := range req.Context {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			sb.WriteString(fmt.Sprintf("- %s (%d bytes)\n", path, len(req.Context[path])))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Metadata\n\n```json\n")
	sb.Write(metaJSON)
	sb.WriteString("\n```\n")

	if err := os.WriteFile(req.OutputPath, []byte(sb.String()), 0644); err != nil {
		return nil, NewTransientError(fmt.Errorf("failed to write artifact: %w", err))
	}

	return &Result{
		ArtifactRef: req.OutputPath,
		Output:      fmt.Sprintf("wrote %s", req.OutputPath),
	}, nil
}
