package cli

import (
	"github.com/spf13/cobra"

	"price-alert-engine/internal/app"
)

var (
	replayCSV     string
	replayRules   []string
	replayWorkers int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay historical quotes through the evaluator without sending",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Replay(cmd.Context(), app.ReplayOptions{
			CSVPath: replayCSV,
			RuleIDs: replayRules,
			Workers: replayWorkers,
		})
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayCSV, "csv", "", "CSV file of symbol,timestamp,value rows")
	replayCmd.Flags().StringSliceVar(&replayRules, "rule", nil, "Limit replay to these rule IDs (repeatable)")
	replayCmd.Flags().IntVar(&replayWorkers, "workers", 2, "Number of concurrent workers")
}
