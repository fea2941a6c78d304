package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/amharness/internal/output"
	"github.com/Dicklesworthstone/amharness/internal/suite"
)

var flagListNames bool

func init() {
	listCmd.Flags().BoolVar(&flagListNames, "names", false, "print bare suite names only, one per line")

	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered E2E suites",
	RunE: func(cmd *cobra.Command, _ []string) error {
		registry, err := suite.NewRegistry(projectRoot())
		if err != nil {
			return err
		}
		suites := registry.Suites()

		if flagListNames {
			names := make([]string, 0, len(suites))
			for _, s := range suites {
				names = append(names, s.Name)
			}
			if output.IsJSON() {
				return output.OutputJSON(names)
			}
			output.OutputList(names)
			return nil
		}

		if output.IsJSON() {
			return output.OutputJSON(suites)
		}

		rows := make([][]string, 0, len(suites))
		for _, s := range suites {
			rows = append(rows, []string{
				s.Name,
				string(s.DurationClass),
				strings.Join(s.Tags, ","),
				s.Description,
			})
		}
		output.OutputTable([]string{"NAME", "DURATION", "TAGS", "DESCRIPTION"}, rows)
		return nil
	},
}
