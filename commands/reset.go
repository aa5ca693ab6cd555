package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCommand(flags *rootFlags) *cobra.Command {
	var (
		projectID string
		actor     string
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear a tripped circuit breaker and resume automation",
		Long: `Reset moves a blocked or dead-lettered project back to pending at its
current stage with a fresh invocation budget. This is the only way to
resume automation after the guard trips; the reset is recorded in the
audit log with the operator's name.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(flags)
			if err != nil {
				return err
			}

			st, err := orch.Store().ResetStage(projectID, actor)
			if err != nil {
				return &ExitError{Code: 1, Message: err.Error()}
			}
			fmt.Printf("Project %s reset to %s at stage %s\n", st.ProjectID, st.Status, st.CurrentStage)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project identifier (required)")
	cmd.Flags().StringVar(&actor, "actor", "operator", "Who is performing the reset")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
