package suite

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerPassingSuite(t *testing.T) {
	root := t.TempDir()
	writeSuiteScript(t, root, "test_ok.sh", `#!/usr/bin/env bash
echo "PASS basic check"
echo "Total: 3  Pass: 3  Fail: 0  Skip: 0"
exit 0
`)
	r, err := NewRunner(root, Config{Timeout: 30 * time.Second})
	require.NoError(t, err)

	report := r.Run([]string{"ok"})
	require.Len(t, report.Results, 1)
	res := report.Results[0]

	assert.True(t, res.Passed)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 3, res.AssertionsPassed)
	assert.Equal(t, 0, res.AssertionsFailed)
	assert.Contains(t, res.Stdout, "PASS basic check")
	assert.True(t, report.Success())
	assert.Equal(t, 0, report.ExitCode())
}

func TestRunnerFailingSuiteAndArtifacts(t *testing.T) {
	root := t.TempDir()
	artifactDir := filepath.Join(t.TempDir(), "artifacts")
	writeSuiteScript(t, root, "test_bad.sh", `#!/usr/bin/env bash
echo "Total: 2  Pass: 1  Fail: 1  Skip: 0"
exit 1
`)
	r, err := NewRunner(root, Config{ArtifactDir: artifactDir, Timeout: 30 * time.Second})
	require.NoError(t, err)

	report := r.Run([]string{"bad"})
	require.Len(t, report.Results, 1)
	assert.False(t, report.Success())
	assert.Equal(t, 1, report.ExitCode())
	assert.Equal(t, 1, report.Results[0].ExitCode)
	assert.Equal(t, 1, report.Results[0].AssertionsFailed)

	for _, rel := range []string{"steps/step_001.json", "failures/fail_001.json", "report.json"} {
		_, statErr := os.Stat(filepath.Join(artifactDir, filepath.FromSlash(rel)))
		assert.NoError(t, statErr, "rel=%s", rel)
	}

	raw, readErr := os.ReadFile(filepath.Join(artifactDir, "report.json"))
	require.NoError(t, readErr)
	var persisted Report
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, 1, persisted.Failed)
}

func TestRunnerTimeoutReports124(t *testing.T) {
	root := t.TempDir()
	writeSuiteScript(t, root, "test_slowpoke.sh", "#!/usr/bin/env bash\nsleep 30\n")

	r, err := NewRunner(root, Config{Timeout: 500 * time.Millisecond})
	require.NoError(t, err)

	report := r.Run([]string{"slowpoke"})
	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.False(t, res.Passed)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Contains(t, res.Stderr, "Suite timed out after 500ms")
}

func TestRunnerRetriesAnnotateStderr(t *testing.T) {
	root := t.TempDir()
	writeSuiteScript(t, root, "test_flaky.sh", "#!/usr/bin/env bash\nexit 1\n")

	r, err := NewRunner(root, Config{Retries: 1, Timeout: 30 * time.Second})
	require.NoError(t, err)

	report := r.Run([]string{"flaky"})
	require.Len(t, report.Results, 1)
	assert.Contains(t, report.Results[0].Stderr, "Attempts used: 2 (max_retries=1)")
}

func TestRunnerRetrySucceedsOnSecondAttempt(t *testing.T) {
	root := t.TempDir()
	stamp := filepath.Join(t.TempDir(), "attempted")
	writeSuiteScript(t, root, "test_second.sh", `#!/usr/bin/env bash
if [ -f "`+stamp+`" ]; then exit 0; fi
touch "`+stamp+`"
exit 1
`)
	r, err := NewRunner(root, Config{Retries: 2, Timeout: 30 * time.Second})
	require.NoError(t, err)

	report := r.Run([]string{"second"})
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results[0].Passed)
	assert.Contains(t, report.Results[0].Stderr, "Attempts used: 2")
}

func TestRunnerEnvironment(t *testing.T) {
	root := t.TempDir()
	writeSuiteScript(t, root, "test_env.sh", `#!/usr/bin/env bash
echo "root=${E2E_PROJECT_ROOT}"
echo "keep=${AM_E2E_KEEP_TMP:-unset}"
echo "custom=${CUSTOM_FLAG:-unset}"
`)
	r, err := NewRunner(root, Config{
		KeepTmp: true,
		Env:     map[string]string{"CUSTOM_FLAG": "on"},
		Timeout: 30 * time.Second,
	})
	require.NoError(t, err)

	report := r.Run([]string{"env"})
	require.Len(t, report.Results, 1)
	out := report.Results[0].Stdout
	assert.Contains(t, out, "root="+root)
	assert.Contains(t, out, "keep=1")
	assert.Contains(t, out, "custom=on")
}

func TestRunnerExtraArgs(t *testing.T) {
	root := t.TempDir()
	writeSuiteScript(t, root, "test_args.sh", "#!/usr/bin/env bash\necho \"args: $*\"\n")

	r, err := NewRunner(root, Config{ExtraArgs: `--verbose "two words"`, Timeout: 30 * time.Second})
	require.NoError(t, err)

	report := r.Run([]string{"args"})
	require.Len(t, report.Results, 1)
	assert.Contains(t, report.Results[0].Stdout, "args: --verbose two words")
}

func TestNewRunnerRejectsUnbalancedExtraArgs(t *testing.T) {
	_, err := NewRunner(t.TempDir(), Config{ExtraArgs: `--flag "unterminated`})
	assert.Error(t, err)
}

func TestRunnerUnknownSuiteIsSkipped(t *testing.T) {
	r, err := NewRunner(t.TempDir(), Config{})
	require.NoError(t, err)
	report := r.Run([]string{"ghost"})
	assert.Equal(t, 0, report.Total)
	assert.True(t, report.Success())
}

func TestRunFilteredHonorsPatterns(t *testing.T) {
	root := t.TempDir()
	writeSuiteScript(t, root, "test_db_one.sh", "#!/usr/bin/env bash\nexit 0\n")
	writeSuiteScript(t, root, "test_cli.sh", "#!/usr/bin/env bash\nexit 0\n")

	r, err := NewRunner(root, Config{Timeout: 30 * time.Second})
	require.NoError(t, err)

	report := r.RunFiltered([]string{"db_*"}, nil)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "db_one", report.Results[0].Name)
}

func TestFormatSummary(t *testing.T) {
	report := &Report{
		Total: 2, Passed: 1, Failed: 1, DurationMS: 1234,
		Results: []Result{
			{Name: "good", Passed: true},
			{Name: "bad", Passed: false, ExitCode: 1},
		},
	}
	out := report.FormatSummary()
	assert.Contains(t, out, strings.Repeat("=", 60))
	assert.Contains(t, out, "E2E Run: FAIL  |  2 suites  |  1234ms")
	assert.Contains(t, out, "Failed suites:")
	assert.Contains(t, out, "- bad (exit 1)")
	assert.NotContains(t, out, "- good")

	passing := &Report{Total: 1, Passed: 1}
	assert.Contains(t, passing.FormatSummary(), "E2E Run: PASS")
	assert.NotContains(t, passing.FormatSummary(), "Failed suites:")
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "short", truncateOutput([]byte("short"), 100))

	long := strings.Repeat("x", 150)
	got := truncateOutput([]byte(long), 100)
	assert.Contains(t, got, "... [output truncated at 100 bytes]")
	assert.Contains(t, got, strings.Repeat("x", 100))
}

func TestParseAssertions(t *testing.T) {
	cases := []struct {
		output  string
		passed  int
		failed  int
		skipped int
	}{
		{"Total: 5  Pass: 4  Fail: 1  Skip: 0", 4, 1, 0},
		{"pass: 2 fail: 0 skip: 3", 2, 0, 3},
		{"\x1b[32mPass:\x1b[0m 7 \x1b[31mFail:\x1b[0m 2", 7, 2, 0},
		{"no counters here", 0, 0, 0},
		{"Pass: not-a-number Fail: 1", 0, 1, 0},
		{"line one\nPass: 1 Fail: 0\nPass: 5 Fail: 2", 5, 2, 0},
	}
	for _, tc := range cases {
		p, f, s := parseAssertions(tc.output)
		assert.Equal(t, tc.passed, p, "output=%q", tc.output)
		assert.Equal(t, tc.failed, f, "output=%q", tc.output)
		assert.Equal(t, tc.skipped, s, "output=%q", tc.output)
	}
}
