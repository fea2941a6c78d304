package output

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
)

// OutputTable prints a tab-aligned table to stderr. An empty row set still
// prints the header line plus a placeholder so the shape of the output does
// not change with its content.
func OutputTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	if len(rows) == 0 {
		fmt.Fprintln(w, "(none)")
	}
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

// OutputList prints bare items one per line to stdout, for shell
// consumption (`amharness list --names | xargs ...`).
func OutputList(items []string) {
	for _, item := range items {
		fmt.Fprintln(os.Stdout, item)
	}
}
