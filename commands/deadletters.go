package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagekeeper/stagekeeper/deadletter"
	"github.com/stagekeeper/stagekeeper/orchestrator"
)

func listEntries(orch *orchestrator.Orchestrator, projectID string, unrecoveredOnly bool) ([]deadletter.Entry, error) {
	if projectID == "" {
		return orch.Vault().ListAll(unrecoveredOnly)
	}
	return orch.Vault().List(projectID, unrecoveredOnly)
}

func newDeadLettersCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and requeue quarantined work",
	}
	cmd.AddCommand(newDeadLettersListCommand(flags), newDeadLettersRequeueCommand(flags))
	return cmd
}

func newDeadLettersListCommand(flags *rootFlags) *cobra.Command {
	var (
		projectID   string
		unrecovered bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantined entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(flags)
			if err != nil {
				return err
			}

			entries, err := listEntries(orch, projectID, unrecovered)
			if err != nil {
				return &ExitError{Code: 1, Message: err.Error()}
			}
			if len(entries) == 0 {
				fmt.Println("No dead letters.")
				return nil
			}

			for _, entry := range entries {
				status := "unrecovered"
				if entry.Requeued {
					status = fmt.Sprintf("requeued %s", entry.RequeuedAt.Format("2006-01-02 15:04"))
				}
				fmt.Printf("%s  project=%s stage=%s retries=%d  %s\n",
					entry.ID, entry.ProjectID, entry.Stage, entry.RetryCount, status)
				fmt.Printf("    quarantined %s: %s\n",
					entry.QuarantinedAt.Format("2006-01-02 15:04"), entry.ErrorSummary)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project identifier (all projects when omitted)")
	cmd.Flags().BoolVar(&unrecovered, "unrecovered", false, "Show only entries not yet requeued")
	return cmd
}

func newDeadLettersRequeueCommand(flags *rootFlags) *cobra.Command {
	var (
		projectID string
		entryID   string
	)

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Mark a dead letter as requeued",
		Long: `Requeue flips the requeued flag on a quarantined entry and resets the
project stage so automation can try again. The entry itself is never
deleted; the quarantine is a permanent audit trail.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(flags)
			if err != nil {
				return err
			}

			entry, err := orch.Vault().MarkRequeued(projectID, entryID)
			if err != nil {
				return &ExitError{Code: 1, Message: err.Error()}
			}
			fmt.Printf("Requeued %s (project %s, stage %s)\n", entry.ID, entry.ProjectID, entry.Stage)

			st, err := orch.Store().ResetStage(projectID, "operator:requeue")
			if err != nil {
				fmt.Printf("Stage not reset: %v\n", err)
				return nil
			}
			fmt.Printf("Project %s reset to %s at stage %s\n", st.ProjectID, st.Status, st.CurrentStage)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project identifier (required)")
	cmd.Flags().StringVar(&entryID, "id", "", "Dead letter entry id (required)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
