// Package commands provides the stagekeeper CLI surface: the per-trigger run
// entry point and the operator commands around the durable project records.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stagekeeper/stagekeeper/config"
	"github.com/stagekeeper/stagekeeper/orchestrator"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "stagekeeper"
)

// ExitError carries a process exit code through cobra's error return.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

type rootFlags struct {
	configPath string
	logLevel   string
}

// Root builds the stagekeeper command tree.
func Root() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Durable orchestration core for staged agent pipelines",
		Long: `Stagekeeper persists authoritative progress for multi-stage agent
pipelines driven by external triggers. Each trigger is a fresh process:
stagekeeper loads the project record, enforces the per-stage invocation
budget, routes the task by complexity, invokes the agent executor, and
commits the outcome back to disk (or quarantines it).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging(flags.logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCommand(flags),
		newPipelineCommand(flags),
		newInitCommand(flags),
		newStatusCommand(flags),
		newTransitionsCommand(flags),
		newDeadLettersCommand(flags),
		newResetCommand(flags),
		newAnalyzeCommand(flags),
		newWatchCommand(flags),
		newVersionCommand(),
	)

	return cmd
}

func configureLogging(logLevel string) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	loader := config.NewLoader(slog.Default())
	cfg, err := loader.Load(flags.configPath)
	if err != nil {
		return nil, &ExitError{Code: 1, Message: fmt.Sprintf("load config: %v", err)}
	}
	return cfg, nil
}

func buildOrchestrator(flags *rootFlags) (*orchestrator.Orchestrator, *config.Config, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	orch, err := orchestrator.New(cfg, orchestrator.WithLogger(slog.Default()))
	if err != nil {
		return nil, nil, &ExitError{Code: 2, Message: err.Error()}
	}
	return orch, cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}
