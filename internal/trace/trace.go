// Package trace appends schema-versioned JSON Lines trace events to a
// per-run log file. Events correlate suite/case/step/assertion boundaries
// with live counters, and in deterministic mode carry a logical-second
// timestamp so two runs with the same seed produce byte-identical files.
package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Dicklesworthstone/amharness/internal/clock"
	"github.com/Dicklesworthstone/amharness/internal/logx"
)

// Event kinds emitted by the harness. Tool-specific kinds (rpc_call_ok,
// server_started, ...) are free-form strings on top of these.
const (
	KindSuiteStart = "suite_start"
	KindSuiteEnd   = "suite_end"
	KindCaseStart  = "case_start"
	KindAssertPass = "assert_pass"
	KindAssertFail = "assert_fail"
	KindAssertSkip = "assert_skip"
	KindStepStart  = "step_start"
	KindStepEnd    = "step_end"
)

// Counts is a snapshot of the run's pass/fail/skip counters at event time.
type Counts struct {
	Total int `json:"total"`
	Pass  int `json:"pass"`
	Fail  int `json:"fail"`
	Skip  int `json:"skip"`
}

// Event is one JSON object per line in trace/events.jsonl.
type Event struct {
	SchemaVersion int    `json:"schema_version"`
	Suite         string `json:"suite"`
	RunTimestamp  string `json:"run_timestamp"`
	TS            string `json:"ts"`
	Kind          string `json:"kind"`
	Case          string `json:"case"`
	Message       string `json:"message"`
	Counters      Counts `json:"counters"`
	// Schema v2 fields.
	AssertionID string  `json:"assertion_id,omitempty"`
	Step        string  `json:"step,omitempty"`
	ElapsedMS   float64 `json:"elapsed_ms,omitempty"`
}

// Recorder writes events for one run. A Recorder with no open file is a
// silent no-op so harness components can be used standalone before Init.
type Recorder struct {
	mu  sync.Mutex
	ctx *clock.RunContext
	f   *os.File
	seq int64
	now func() time.Time
}

// NewRecorder creates a recorder bound to a run context but not yet backed
// by a file.
func NewRecorder(ctx *clock.RunContext) *Recorder {
	return &Recorder{ctx: ctx, now: time.Now}
}

// Open creates (truncating) the trace file, creating parent directories.
func (r *Recorder) Open(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}
	r.f = f
	return nil
}

// Close flushes and closes the trace file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Seq returns the number of logical seconds consumed so far (one per event).
func (r *Recorder) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Emit appends one event. Suite, run timestamp and ts are filled from the
// run context; in deterministic mode the logical clock advances exactly one
// second per event emitted. Emit never fails the caller: a broken write is
// logged and swallowed, and an unopened recorder ignores the call.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return
	}

	ev.Suite = r.ctx.Suite
	ev.RunTimestamp = r.ctx.Timestamp
	ev.TS = r.ctx.EventTime(r.seq, r.now())
	r.seq++
	if ev.SchemaVersion == 0 {
		ev.SchemaVersion = 1
	}

	line, err := json.Marshal(ev)
	if err != nil {
		logx.Warn("trace event marshal failed", "kind", ev.Kind, "err", err)
		return
	}
	if _, err := r.f.Write(append(line, '\n')); err != nil {
		logx.Warn("trace event write failed", "kind", ev.Kind, "err", err)
	}
}
