package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/amharness/internal/history"
	"github.com/Dicklesworthstone/amharness/internal/output"
)

var (
	flagHistoryLimit int
	flagHistorySuite string
)

func init() {
	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", 20, "maximum number of runs to show")
	historyCmd.Flags().StringVar(&flagHistorySuite, "suite", "", "only show runs of this suite")

	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent run outcomes from the history store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		path := cfg.History.DatabasePath
		if path == "" {
			path = history.DefaultPath()
		}
		db, err := history.Open(path)
		if err != nil {
			return err
		}
		defer db.Close()

		var runs []*history.Run
		if flagHistorySuite != "" {
			runs, err = db.RunsForSuite(flagHistorySuite, flagHistoryLimit)
		} else {
			runs, err = db.RecentRuns(flagHistoryLimit)
		}
		if err != nil {
			return err
		}

		if output.IsJSON() {
			// NDJSON, one run per line, so long histories stream and
			// line-oriented tools (grep, jq -c) work without buffering.
			for _, run := range runs {
				if err := output.OutputNDJSON(run); err != nil {
					return err
				}
			}
			return nil
		}

		rows := make([][]string, 0, len(runs))
		for _, run := range runs {
			status := "pass"
			if run.ExitCode != 0 {
				status = "fail"
			}
			rows = append(rows, []string{
				strconv.FormatInt(run.ID, 10),
				run.Suite,
				run.CreatedAt.Format("2006-01-02 15:04:05"),
				fmt.Sprintf("%d/%d/%d/%d", run.Total, run.Pass, run.Fail, run.Skip),
				status,
			})
		}
		output.OutputTable([]string{"ID", "SUITE", "WHEN", "T/P/F/S", "STATUS"}, rows)
		return nil
	},
}
