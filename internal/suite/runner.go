package suite

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/Dicklesworthstone/amharness/internal/artifact"
	"github.com/Dicklesworthstone/amharness/internal/logx"
)

// Defaults for suite execution.
const (
	DefaultMaxOutputBytes = 256 * 1024
	DefaultTimeout        = 10 * time.Minute
	// TimeoutExitCode mirrors the conventional exit status of timed-out
	// commands.
	TimeoutExitCode = 124
)

// Config controls how suites are executed.
type Config struct {
	ProjectRoot string
	// ArtifactDir, when set, receives report.json plus per-suite step and
	// failure artifacts.
	ArtifactDir    string
	MaxOutputBytes int
	Timeout        time.Duration
	Retries        int
	Env            map[string]string
	KeepTmp        bool
	// ExtraArgs is a shell-quoted string appended to each suite invocation.
	ExtraArgs string
}

// Result is the outcome of running one suite.
type Result struct {
	Name              string `json:"name"`
	Passed            bool   `json:"passed"`
	ExitCode          int    `json:"exit_code"`
	DurationMS        int64  `json:"duration_ms"`
	Stdout            string `json:"stdout"`
	Stderr            string `json:"stderr"`
	AssertionsPassed  int    `json:"assertions_passed"`
	AssertionsFailed  int    `json:"assertions_failed"`
	AssertionsSkipped int    `json:"assertions_skipped"`
	StartedAt         string `json:"started_at"`
	EndedAt           string `json:"ended_at"`
}

// Report summarizes one run of suites.
type Report struct {
	Total      int      `json:"total"`
	Passed     int      `json:"passed"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	DurationMS int64    `json:"duration_ms"`
	StartedAt  string   `json:"started_at"`
	EndedAt    string   `json:"ended_at"`
	Results    []Result `json:"results"`
}

// Success reports whether every suite passed.
func (r *Report) Success() bool { return r.Failed == 0 }

// ExitCode maps the report to a process exit status.
func (r *Report) ExitCode() int {
	if r.Success() {
		return 0
	}
	return 1
}

// FormatSummary renders the human run summary.
func (r *Report) FormatSummary() string {
	status := "PASS"
	if !r.Success() {
		status = "FAIL"
	}
	rule := strings.Repeat("=", 60)
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", rule)
	fmt.Fprintf(&b, "  E2E Run: %s  |  %d suites  |  %dms\n", status, r.Total, r.DurationMS)
	fmt.Fprintf(&b, "  Passed: %d  |  Failed: %d  |  Skipped: %d\n", r.Passed, r.Failed, r.Skipped)
	fmt.Fprintf(&b, "%s\n", rule)
	if r.Failed > 0 {
		b.WriteString("\nFailed suites:\n")
		for _, res := range r.Results {
			if !res.Passed {
				fmt.Fprintf(&b, "  - %s (exit %d)\n", res.Name, res.ExitCode)
			}
		}
	}
	return b.String()
}

// Runner executes registered suites sequentially.
type Runner struct {
	registry  *Registry
	config    Config
	extraArgs []string
	log       *log.Logger
}

// NewRunner builds a runner over the project root's registry.
func NewRunner(projectRoot string, config Config) (*Runner, error) {
	registry, err := NewRegistry(projectRoot)
	if err != nil {
		return nil, err
	}
	config.ProjectRoot = projectRoot
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	var extraArgs []string
	if config.ExtraArgs != "" {
		extraArgs, err = shellwords.Parse(config.ExtraArgs)
		if err != nil {
			return nil, fmt.Errorf("parse extra args: %w", err)
		}
	}
	return &Runner{
		registry:  registry,
		config:    config,
		extraArgs: extraArgs,
		log:       logx.WithPrefix("runner"),
	}, nil
}

// Registry exposes the discovered suites.
func (r *Runner) Registry() *Registry { return r.registry }

// Run executes the named suites (all registered suites when names is empty)
// and writes the report artifacts when an artifact dir is configured.
func (r *Runner) Run(names []string) *Report {
	var suites []*Suite
	if len(names) == 0 {
		suites = r.registry.Suites()
	} else {
		for _, name := range names {
			if s := r.registry.Get(name); s != nil {
				suites = append(suites, s)
			} else {
				r.log.Warn("unknown suite requested", "name", name)
			}
		}
	}
	return r.runAll(suites)
}

// RunFiltered executes suites matching the include/exclude patterns.
func (r *Runner) RunFiltered(include, exclude []string) *Report {
	return r.runAll(r.registry.Filter(include, exclude))
}

func (r *Runner) runAll(suites []*Suite) *Report {
	started := time.Now()
	report := &Report{
		Total:     len(suites),
		StartedAt: started.UTC().Format(time.RFC3339),
	}

	for i, s := range suites {
		r.log.Info("running suite", "name", s.Name, "class", string(s.DurationClass))
		result := r.runSuite(s)
		if result.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Results = append(report.Results, result)
		r.writeSuiteArtifacts(i+1, result)
	}

	report.DurationMS = time.Since(started).Milliseconds()
	report.EndedAt = time.Now().UTC().Format(time.RFC3339)
	r.writeReport(report)
	return report
}

// runSuite executes one suite with retries. A timed-out attempt reports exit
// code 124 and is retried like any other failure.
func (r *Runner) runSuite(s *Suite) Result {
	startedAt := time.Now()
	maxAttempts := r.config.Retries + 1

	result := Result{
		Name:      s.Name,
		ExitCode:  -1,
		StartedAt: startedAt.UTC().Format(time.RFC3339),
	}

	attemptsUsed := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptsUsed = attempt
		stdout, stderr, exitCode, timedOut, err := r.runOnce(s)
		if err != nil {
			result.Stderr = fmt.Sprintf("Failed to execute suite: %v", err)
			break
		}

		result.Stdout = truncateOutput(stdout, r.config.MaxOutputBytes)
		result.Stderr = truncateOutput(stderr, r.config.MaxOutputBytes)
		result.ExitCode = exitCode
		result.Passed = !timedOut && exitCode == 0
		if timedOut {
			if result.Stderr != "" {
				result.Stderr += "\n"
			}
			result.Stderr += fmt.Sprintf("Suite timed out after %dms", r.config.Timeout.Milliseconds())
		}
		if result.Passed {
			break
		}
	}

	result.DurationMS = time.Since(startedAt).Milliseconds()
	result.EndedAt = time.Now().UTC().Format(time.RFC3339)
	result.AssertionsPassed, result.AssertionsFailed, result.AssertionsSkipped =
		parseAssertions(result.Stdout)

	if attemptsUsed > 1 {
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += fmt.Sprintf("Attempts used: %d (max_retries=%d)", attemptsUsed, r.config.Retries)
	}
	return result
}

func (r *Runner) runOnce(s *Suite) (stdout, stderr []byte, exitCode int, timedOut bool, err error) {
	args := append([]string{s.ScriptPath}, r.extraArgs...)
	cmd := exec.Command("bash", args...)
	cmd.Dir = r.config.ProjectRoot

	env := os.Environ()
	env = append(env, "E2E_PROJECT_ROOT="+r.config.ProjectRoot)
	if r.config.KeepTmp {
		env = append(env, "AM_E2E_KEEP_TMP=1")
	}
	for k, v := range r.config.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return nil, nil, -1, false, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(r.config.Timeout):
		timedOut = true
		_ = cmd.Process.Kill()
		waitErr = <-done
	}

	exitCode = 0
	if timedOut {
		exitCode = TimeoutExitCode
	} else if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return nil, nil, -1, false, waitErr
		}
	}
	return outBuf.Bytes(), errBuf.Bytes(), exitCode, timedOut, nil
}

// writeSuiteArtifacts records the per-suite step artifact and, for failures,
// the failure artifact. Best-effort.
func (r *Runner) writeSuiteArtifacts(n int, result Result) {
	if r.config.ArtifactDir == "" {
		return
	}
	stepPath := filepath.Join(r.config.ArtifactDir, "steps", fmt.Sprintf("step_%03d.json", n))
	if err := artifact.WriteJSON(stepPath, result); err != nil {
		r.log.Warn("step artifact write failed", "suite", result.Name, "err", err)
	}
	if !result.Passed {
		failPath := filepath.Join(r.config.ArtifactDir, "failures", fmt.Sprintf("fail_%03d.json", n))
		if err := artifact.WriteJSON(failPath, result); err != nil {
			r.log.Warn("failure artifact write failed", "suite", result.Name, "err", err)
		}
	}
}

func (r *Runner) writeReport(report *Report) {
	if r.config.ArtifactDir == "" {
		return
	}
	path := filepath.Join(r.config.ArtifactDir, "report.json")
	if err := artifact.WriteJSON(path, report); err != nil {
		r.log.Warn("report write failed", "path", path, "err", err)
	}
}

// truncateOutput caps captured output, marking the cut.
func truncateOutput(raw []byte, maxBytes int) string {
	s := string(raw)
	if len(s) <= maxBytes {
		return s
	}
	return fmt.Sprintf("%s\n... [output truncated at %d bytes]", s[:maxBytes], maxBytes)
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// parseAssertions extracts "Pass: N  Fail: N  Skip: N" counts from suite
// output, tolerating ANSI styling and case differences.
func parseAssertions(output string) (passed, failed, skipped int) {
	for _, line := range strings.Split(output, "\n") {
		clean := ansiPattern.ReplaceAllString(line, "")
		lower := strings.ToLower(clean)
		if !strings.Contains(lower, "pass:") && !strings.Contains(lower, "fail:") {
			continue
		}
		words := strings.Fields(clean)
		for i, word := range words {
			if i+1 >= len(words) {
				break
			}
			n, err := strconv.Atoi(words[i+1])
			if err != nil {
				continue
			}
			switch strings.ToLower(word) {
			case "pass:":
				passed = n
			case "fail:":
				failed = n
			case "skip:":
				skipped = n
			}
		}
	}
	return passed, failed, skipped
}
