package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stagekeeper/stagekeeper/state"
)

func newTransitionsCommand(flags *rootFlags) *cobra.Command {
	var (
		projectID string
		stage     string
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "Show the audit log for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(flags)
			if err != nil {
				return err
			}

			events, err := orch.Store().Transitions(projectID, state.AuditFilter{
				Type:  state.EventType(eventType),
				Stage: stage,
				Limit: limit,
			})
			if err != nil {
				return &ExitError{Code: 1, Message: err.Error()}
			}
			if len(events) == 0 {
				fmt.Println("No events.")
				return nil
			}

			for _, event := range events {
				line := fmt.Sprintf("%s  %-22s  stage=%s actor=%s",
					event.Timestamp.Format("2006-01-02 15:04:05"), event.Type, event.Stage, event.Actor)
				if len(event.Detail) > 0 {
					keys := make([]string, 0, len(event.Detail))
					for k := range event.Detail {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					parts := make([]string, 0, len(keys))
					for _, k := range keys {
						parts = append(parts, fmt.Sprintf("%s=%s", k, event.Detail[k]))
					}
					line += "  " + strings.Join(parts, " ")
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project identifier (required)")
	cmd.Flags().StringVar(&stage, "stage", "", "Filter by stage")
	cmd.Flags().StringVar(&eventType, "type", "", "Filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 0, "Show only the most recent N events")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}
