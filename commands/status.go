package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stagekeeper/stagekeeper/orchestrator"
	"github.com/stagekeeper/stagekeeper/state"
)

func newInitCommand(flags *rootFlags) *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new project at the first pipeline stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(flags)
			if err != nil {
				return err
			}

			st, err := orch.Store().Initialize(projectID)
			if err != nil {
				return &ExitError{Code: 1, Message: err.Error()}
			}
			fmt.Printf("Initialized project %s at stage %s\n", st.ProjectID, st.CurrentStage)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project identifier (required)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newStatusCommand(flags *rootFlags) *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "Status shows one project in detail, or a summary line per project when no --project is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(flags)
			if err != nil {
				return err
			}

			if projectID != "" {
				return showProject(orch, projectID)
			}
			return listProjects(orch)
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project identifier")
	return cmd
}

func showProject(orch *orchestrator.Orchestrator, projectID string) error {
	st, err := orch.Store().Load(projectID)
	if err != nil {
		return &ExitError{Code: 1, Message: err.Error()}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s\n\n", st.ProjectID))
	sb.WriteString(fmt.Sprintf("**Stage**: %s\n", st.CurrentStage))
	sb.WriteString(fmt.Sprintf("**Status**: %s\n", st.Status))
	sb.WriteString(fmt.Sprintf("**Invocations this stage**: %d\n", st.InvocationCountInStage))
	sb.WriteString(fmt.Sprintf("**Created**: %s\n", st.CreatedAt.Format("2006-01-02 15:04")))
	sb.WriteString(fmt.Sprintf("**Updated**: %s\n\n", st.UpdatedAt.Format("2006-01-02 15:04")))

	sb.WriteString("### Pipeline\n\n")
	currentIdx := orch.Store().Graph().Index(st.CurrentStage)
	for i, stage := range orch.Store().Graph().Stages() {
		mark := " "
		switch {
		case st.Status == state.StatusComplete, i < currentIdx:
			mark = "x"
		case i == currentIdx:
			mark = ">"
		}
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", mark, stage))
	}

	sb.WriteString("\n### Metrics\n\n")
	sb.WriteString("| Invocations | Retries | Artifacts | Dead letters |\n")
	sb.WriteString("|-------------|---------|-----------|--------------|\n")
	sb.WriteString(fmt.Sprintf("| %d | %d | %d | %d |\n",
		st.Metrics.AgentInvocations, st.Metrics.Retries,
		st.Metrics.ArtifactsGenerated, st.Metrics.DeadLetters))

	if len(st.History) > 0 {
		last := st.History[len(st.History)-1]
		sb.WriteString(fmt.Sprintf("\nLast transition: %s -> %s (%s) at %s\n",
			last.FromStage, last.ToStage, last.Outcome, last.Timestamp.Format("2006-01-02 15:04")))
	}

	fmt.Print(sb.String())
	return nil
}

func listProjects(orch *orchestrator.Orchestrator) error {
	ids, loadErrs, err := orch.Store().ListProjects()
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	for _, loadErr := range loadErrs {
		fmt.Printf("! %v\n", loadErr)
	}
	if len(ids) == 0 && len(loadErrs) == 0 {
		fmt.Println("No projects.")
		return nil
	}
	for _, id := range ids {
		st, err := orch.Store().Load(id)
		if err != nil {
			fmt.Printf("! %s: %v\n", id, err)
			continue
		}
		fmt.Printf("%-30s %-16s %-14s invocations=%d\n",
			st.ProjectID, st.CurrentStage, st.Status, st.InvocationCountInStage)
	}
	return nil
}
