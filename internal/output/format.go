// Package output routes command results: machine JSON on stdout, human
// text (tables, summaries) on stderr. The split keeps `amharness run --json`
// pipeable while progress stays visible on the terminal.
package output

import "sync/atomic"

// jsonMode is set once from the --json flag before any command runs, but
// stays atomic so background goroutines may consult it.
var jsonMode atomic.Bool

// SetOutputMode selects JSON (true) or human text (false) output.
func SetOutputMode(json bool) {
	jsonMode.Store(json)
}

// IsJSON reports whether machine JSON output is selected.
func IsJSON() bool {
	return jsonMode.Load()
}
