package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stagekeeper/stagekeeper/orchestrator"
)

func newRunCommand(flags *rootFlags) *cobra.Command {
	var req orchestrator.Request

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one unit of stage work for a project",
		Long: `Run executes the current stage of a project once: guard check,
complexity routing, executor invocation, and durable commit. Designed to be
invoked by an external trigger; every handled pipeline outcome (including
blocked and quarantined) exits 0.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(flags)
			if err != nil {
				return err
			}

			outcome := orch.Run(cmd.Context(), req)
			printOutcome(outcome)
			if code := outcome.Kind.ExitCode(); code != 0 {
				return &ExitError{Code: code, Message: outcome.Message}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ProjectID, "project", "", "Project identifier (required)")
	cmd.Flags().StringVar(&req.Stage, "stage", "", "Assert which stage is current; mismatch aborts the run")
	cmd.Flags().StringVar(&req.TaskName, "task", "", "Short task label")
	cmd.Flags().StringVar(&req.TaskDescription, "desc", "", "Full task description (required)")
	cmd.Flags().StringArrayVar(&req.ContextPatterns, "context", nil, "Context file path or glob (repeatable)")
	cmd.Flags().StringVar(&req.OutputPath, "output", "", "Artifact output path (default: project artifacts dir)")
	cmd.Flags().StringVar(&req.Profile, "profile", "", "Processing profile (default from config)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("desc")

	return cmd
}

func printOutcome(outcome orchestrator.Outcome) {
	fmt.Printf("[%s] %s\n", outcome.Kind, outcome.Message)
	if outcome.Score != nil {
		fmt.Printf("  complexity: %s (total %.2f, dominant %s)\n",
			outcome.Score.Level, outcome.Score.Total, outcome.Score.Dominant)
		fmt.Printf("  strategy:   %s / %s\n",
			outcome.Score.Strategy.MentalModel, outcome.Score.Strategy.ChainStrategy)
		if outcome.Score.RequiresHumanReview {
			fmt.Println("  NOTE: high-risk task, human review required")
		}
	}
	if outcome.ArtifactRef != "" {
		fmt.Printf("  artifact:   %s\n", outcome.ArtifactRef)
	}
	if outcome.Attempts > 1 {
		fmt.Printf("  attempts:   %d\n", outcome.Attempts)
	}
	for _, w := range outcome.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}
