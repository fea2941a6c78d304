package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/amharness/internal/bundle"
	"github.com/Dicklesworthstone/amharness/internal/output"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <artifact-dir>",
	Short: "Validate an artifact bundle against its manifest",
	Long: `Re-check a finalized artifact directory: schema identity, required
fields, referential closure, per-file byte counts, trace well-formedness,
and JSON parseability. Exits non-zero on the first violation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]
		err := bundle.Validate(dir)

		if output.IsJSON() {
			if err != nil {
				if jsonErr := output.OutputJSONError(err, 1); jsonErr != nil {
					return jsonErr
				}
				return err
			}
			return output.OutputJSON(map[string]any{"dir": dir, "valid": true})
		}

		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "bundle at %s is valid\n", dir)
		return nil
	},
}
