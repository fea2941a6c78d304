// Package artifact defines the typed on-disk artifact schemas produced by a
// harness run (summary, meta, metrics, repro, fixtures, the forensic
// indices) and the bundle manifest builder that content-addresses the whole
// artifact tree.
//
// Schemas:
//
//	summary.json            summary.v1
//	meta.json               meta.v1
//	metrics.json            metrics.v1
//	repro.json              repro.v1
//	fixtures.json           fixtures.v1
//	logs/index.json         logs-index.v1
//	screenshots/index.json  screenshots-index.v1
//	trace/events.jsonl      trace-events.v1
//	bundle.json             mcp-agent-mail-artifacts 1.0
package artifact

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/Dicklesworthstone/amharness/internal/clock"
	"github.com/Dicklesworthstone/amharness/internal/trace"
)

// Summary is the summary.v1 artifact.
type Summary struct {
	SchemaVersion int    `json:"schema_version"`
	Suite         string `json:"suite"`
	Timestamp     string `json:"timestamp"`
	StartedAt     string `json:"started_at"`
	EndedAt       string `json:"ended_at"`
	Total         int    `json:"total"`
	Pass          int    `json:"pass"`
	Fail          int    `json:"fail"`
	Skip          int    `json:"skip"`
}

// NewSummary builds a summary from the run context and final counts.
func NewSummary(ctx *clock.RunContext, counts trace.Counts) Summary {
	return Summary{
		SchemaVersion: 1,
		Suite:         ctx.Suite,
		Timestamp:     ctx.Timestamp,
		StartedAt:     ctx.StartedAt,
		EndedAt:       ctx.EndedAt,
		Total:         counts.Total,
		Pass:          counts.Pass,
		Fail:          counts.Fail,
		Skip:          counts.Skip,
	}
}

// GitInfo is best-effort git metadata for the working tree.
type GitInfo struct {
	Commit string `json:"commit"`
	Branch string `json:"branch"`
	Dirty  bool   `json:"dirty"`
}

// CaptureGit collects commit/branch/dirty from the given directory. Every
// failure degrades to the zero value; a bundle from outside a repo is valid.
func CaptureGit(dir string) GitInfo {
	run := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	}
	return GitInfo{
		Commit: run("rev-parse", "HEAD"),
		Branch: run("rev-parse", "--abbrev-ref", "HEAD"),
		Dirty:  run("status", "--porcelain") != "",
	}
}

// DeterminismInfo records the replay inputs inside meta.json.
type DeterminismInfo struct {
	ClockMode      string `json:"clock_mode"`
	Seed           string `json:"seed"`
	RunStartEpochS int64  `json:"run_start_epoch_s"`
}

// Meta is the meta.v1 artifact.
type Meta struct {
	SchemaVersion int             `json:"schema_version"`
	Suite         string          `json:"suite"`
	Timestamp     string          `json:"timestamp"`
	StartedAt     string          `json:"started_at"`
	EndedAt       string          `json:"ended_at"`
	Host          string          `json:"host"`
	GoVersion     string          `json:"runtime"`
	Git           GitInfo         `json:"git"`
	Determinism   DeterminismInfo `json:"determinism"`
}

// NewMeta builds meta.json content from the run context.
func NewMeta(ctx *clock.RunContext, git GitInfo, host, goVersion string) Meta {
	return Meta{
		SchemaVersion: 1,
		Suite:         ctx.Suite,
		Timestamp:     ctx.Timestamp,
		StartedAt:     ctx.StartedAt,
		EndedAt:       ctx.EndedAt,
		Host:          host,
		GoVersion:     goVersion,
		Git:           git,
		Determinism: DeterminismInfo{
			ClockMode:      string(ctx.Mode),
			Seed:           ctx.SeedText,
			RunStartEpochS: ctx.StartEpochS,
		},
	}
}

// TimingInfo is the timing block of metrics.json.
type TimingInfo struct {
	StartEpochS int64 `json:"start_epoch_s"`
	EndEpochS   int64 `json:"end_epoch_s"`
	DurationS   int64 `json:"duration_s"`
}

// Metrics is the metrics.v1 artifact. Its counts must equal the manifest's.
type Metrics struct {
	SchemaVersion int          `json:"schema_version"`
	Suite         string       `json:"suite"`
	Timestamp     string       `json:"timestamp"`
	Timing        TimingInfo   `json:"timing"`
	Counts        trace.Counts `json:"counts"`
}

// NewMetrics builds metrics.json content. Negative durations clamp to zero.
func NewMetrics(ctx *clock.RunContext, counts trace.Counts) Metrics {
	duration := ctx.EndEpochS - ctx.StartEpochS
	if duration < 0 {
		duration = 0
	}
	return Metrics{
		SchemaVersion: 1,
		Suite:         ctx.Suite,
		Timestamp:     ctx.Timestamp,
		Timing: TimingInfo{
			StartEpochS: ctx.StartEpochS,
			EndEpochS:   ctx.EndEpochS,
			DurationS:   duration,
		},
		Counts: counts,
	}
}

// Repro is the repro.v1 artifact: a machine- and human-readable "rerun this
// exact suite/seed/clock-mode" recipe.
type Repro struct {
	SchemaVersion  int    `json:"schema_version"`
	Suite          string `json:"suite"`
	Timestamp      string `json:"timestamp"`
	ClockMode      string `json:"clock_mode"`
	Seed           string `json:"seed"`
	RunStartedAt   string `json:"run_started_at"`
	RunStartEpochS int64  `json:"run_start_epoch_s"`
	Command        string `json:"command"`
}

// NewRepro builds the repro recipe for a run rooted at projectRoot.
func NewRepro(ctx *clock.RunContext, projectRoot string) Repro {
	command := fmt.Sprintf(
		"cd %s && AM_E2E_KEEP_TMP=1 E2E_CLOCK_MODE=%s E2E_SEED=%s E2E_RUN_STARTED_AT='%s' E2E_RUN_START_EPOCH_S=%d amharness run %s",
		projectRoot, ctx.Mode, ctx.SeedText, ctx.StartedAt, ctx.StartEpochS, ctx.Suite,
	)
	return Repro{
		SchemaVersion:  1,
		Suite:          ctx.Suite,
		Timestamp:      ctx.Timestamp,
		ClockMode:      string(ctx.Mode),
		Seed:           ctx.SeedText,
		RunStartedAt:   ctx.StartedAt,
		RunStartEpochS: ctx.StartEpochS,
		Command:        command,
	}
}

// WriteTxt writes the one-line human repro command.
func (r Repro) WriteTxt(path string) error {
	return os.WriteFile(path, []byte(r.Command+"\n"), 0o644)
}

// WriteEnv writes a sourceable environment file pinning the replay inputs.
func (r Repro) WriteEnv(path string) error {
	content := fmt.Sprintf(
		"export E2E_CLOCK_MODE='%s'\nexport E2E_SEED='%s'\nexport E2E_RUN_STARTED_AT='%s'\nexport E2E_RUN_START_EPOCH_S='%d'\nexport E2E_SUITE='%s'\n",
		r.ClockMode, r.Seed, r.RunStartedAt, r.RunStartEpochS, r.Suite,
	)
	return os.WriteFile(path, []byte(content), 0o644)
}

// Fixtures is the fixtures.v1 artifact: the deduplicated, sorted list of
// synthetic fixture IDs minted during the run.
type Fixtures struct {
	SchemaVersion int      `json:"schema_version"`
	Suite         string   `json:"suite"`
	Timestamp     string   `json:"timestamp"`
	FixtureIDs    []string `json:"fixture_ids"`
}

// NewFixtures builds fixtures.json content from the raw ID list.
func NewFixtures(ctx *clock.RunContext, ids []string) Fixtures {
	return Fixtures{
		SchemaVersion: 1,
		Suite:         ctx.Suite,
		Timestamp:     ctx.Timestamp,
		FixtureIDs:    dedupeSorted(ids),
	}
}

func dedupeSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WriteJSON writes v pretty-printed to path, creating parent directories.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
