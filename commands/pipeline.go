package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagekeeper/stagekeeper/orchestrator"
)

func newPipelineCommand(flags *rootFlags) *cobra.Command {
	var req orchestrator.Request

	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run all remaining stages of a project sequentially",
		Long: `Pipeline drives a project through its remaining stages one run at a
time, stopping when the project completes or a stage stops advancing
(blocked, quarantined, conflict).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(flags)
			if err != nil {
				return err
			}

			outcomes := orch.RunPipeline(cmd.Context(), req)
			for i, outcome := range outcomes {
				fmt.Printf("--- run %d ---\n", i+1)
				printOutcome(outcome)
			}
			if len(outcomes) == 0 {
				return nil
			}

			last := outcomes[len(outcomes)-1]
			if code := last.Kind.ExitCode(); code != 0 {
				return &ExitError{Code: code, Message: last.Message}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ProjectID, "project", "", "Project identifier (required)")
	cmd.Flags().StringVar(&req.TaskName, "task", "", "Short task label")
	cmd.Flags().StringVar(&req.TaskDescription, "desc", "", "Full task description (required)")
	cmd.Flags().StringArrayVar(&req.ContextPatterns, "context", nil, "Context file path or glob (repeatable)")
	cmd.Flags().StringVar(&req.Profile, "profile", "", "Processing profile (default from config)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("desc")

	return cmd
}
