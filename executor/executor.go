// Package executor defines the boundary to the out-of-process agent that
// performs the actual stage work. The core treats it as an opaque function:
// task description and strategy in, artifact or classified failure out.
package executor

import (
	"context"
	"sync"

	"github.com/stagekeeper/stagekeeper/complexity"
	"github.com/stagekeeper/stagekeeper/config"
)

// Request carries everything an executor needs for one attempt.
type Request struct {
	// ProjectID and Stage identify the unit of work. May be empty for
	// standalone task runs.
	ProjectID string
	Stage     string

	// TaskName is a short label; TaskDescription is the full instruction.
	TaskName        string
	TaskDescription string

	// Profile is the processing profile the task runs under.
	ProfileName string
	Profile     config.Profile

	// Strategy is the routing hint from the complexity analyzer.
	Strategy complexity.Strategy

	// Context maps resolved file paths to their contents. Files that could
	// not be read were already dropped with a warning upstream.
	Context map[string]string

	// OutputPath is where the artifact should be written.
	OutputPath string
}

// Result is a successful executor outcome.
type Result struct {
	// ArtifactRef points at the produced artifact.
	ArtifactRef string

	// Output is a short human-readable summary of what was done.
	Output string
}

// Executor performs one unit of stage work. Implementations classify their
// failures with NewTransientError / NewPermanentError; unclassified errors
// are treated as transient so the retry budget decides.
type Executor interface {
	// Name returns the executor identifier (e.g. "local").
	Name() string

	// Execute runs the task. It must respect ctx cancellation; the caller
	// applies the per-attempt timeout.
	Execute(ctx context.Context, req Request) (*Result, error)
}

// executorRegistry holds registered executors.
var (
	executorRegistry = make(map[string]Executor)
	executorMu       sync.RWMutex
)

// Register adds an executor to the registry.
func Register(e Executor) {
	executorMu.Lock()
	defer executorMu.Unlock()
	executorRegistry[e.Name()] = e
}

// Get retrieves an executor by name, or nil when unknown.
func Get(name string) Executor {
	executorMu.RLock()
	defer executorMu.RUnlock()
	return executorRegistry[name]
}

// List returns all registered executor names.
func List() []string {
	executorMu.RLock()
	defer executorMu.RUnlock()

	names := make([]string, 0, len(executorRegistry))
	for name := range executorRegistry {
		names = append(names, name)
	}
	return names
}
