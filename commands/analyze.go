package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/stagekeeper/stagekeeper/complexity"
	"github.com/stagekeeper/stagekeeper/config"
)

func newAnalyzeCommand(flags *rootFlags) *cobra.Command {
	var desc string

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Score a task description without running anything",
		Long: `Analyze runs the complexity analyzer on a task description and prints
the dimension scores, level, and the strategy the orchestrator would
route the task with. Useful for tuning keyword configs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			score := complexity.NewAnalyzer(cfg.Complexity).Score(desc)
			printScore(cfg, score)
			return nil
		},
	}

	cmd.Flags().StringVar(&desc, "desc", "", "Task description (required)")
	_ = cmd.MarkFlagRequired("desc")
	return cmd
}

func printScore(cfg *config.Config, score complexity.Score) {
	names := make([]string, 0, len(score.Dimensions))
	for name := range score.Dimensions {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Dimensions:")
	for _, name := range names {
		marker := ""
		if name == score.Dominant {
			marker = "  (dominant)"
		}
		fmt.Printf("  %-16s %.2f%s\n", name, score.Dimensions[name], marker)
	}
	fmt.Printf("Total:    %.2f\n", score.Total)
	fmt.Printf("Level:    %s\n", score.Level)
	fmt.Printf("Strategy: %s / %s\n", score.Strategy.MentalModel, score.Strategy.ChainStrategy)
	if score.RequiresHumanReview {
		fmt.Printf("Human review required: risk %.2f exceeds threshold %.2f\n",
			score.Dimensions["risk"], cfg.Complexity.HighRiskThreshold)
	}
}
