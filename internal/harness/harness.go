// Package harness is the driver-facing core of the E2E harness: one Harness
// object owns the run context, the pass/fail/skip counters, the unified case
// state machine feeding both the trace recorder and the server-log markers,
// the artifact tree, and the end-of-run finalizer.
package harness

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/amharness/internal/clock"
	"github.com/Dicklesworthstone/amharness/internal/logx"
	"github.com/Dicklesworthstone/amharness/internal/rpc"
	"github.com/Dicklesworthstone/amharness/internal/server"
	"github.com/Dicklesworthstone/amharness/internal/trace"
)

// Options configures a new Harness.
type Options struct {
	Suite       string
	ProjectRoot string
	// ArtifactBase defaults to <ProjectRoot>/tests/artifacts.
	ArtifactBase string
	Clock        clock.Options
	// Out receives human console lines; defaults to stderr.
	Out io.Writer
	// Now is a test hook for elapsed-time measurement.
	Now func() time.Time
}

// Harness drives one suite execution. It is single-threaded by design: one
// active RunContext per process, one writer to the trace file and counters.
type Harness struct {
	ctx *clock.RunContext
	rec *trace.Recorder
	rng *clock.SeededRNG
	con *console

	counts      trace.Counts
	activeCase  string
	caseStarted time.Time
	assertSeq   int
	activeStep  string
	stepStarted time.Time

	root             string
	projectRoot      string
	srv              *server.Server
	ownsServer       bool
	fixtures         []string
	finalized        bool
	validationFailed bool
	now              func() time.Time
}

// New resolves the run context from options and environment and returns a
// harness ready for InitArtifacts.
func New(opts Options) *Harness {
	opts.Clock.Suite = opts.Suite
	ctx := clock.Resolve(opts.Clock)

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	base := opts.ArtifactBase
	if base == "" {
		base = filepath.Join(opts.ProjectRoot, "tests", "artifacts")
	}
	// Same suite, same wall second: disambiguate the bucket rather than
	// overwrite a prior bundle.
	if _, err := os.Stat(filepath.Join(base, opts.Suite, ctx.Timestamp)); err == nil {
		ctx.Timestamp += "_" + uuid.NewString()[:8]
	}

	return &Harness{
		ctx:         ctx,
		rec:         trace.NewRecorder(ctx),
		rng:         clock.NewSeededRNG(ctx.Seed),
		con:         newConsole(out),
		projectRoot: opts.ProjectRoot,
		root:        filepath.Join(base, opts.Suite, ctx.Timestamp),
		now:         now,
	}
}

// Context returns the run's clock context.
func (h *Harness) Context() *clock.RunContext { return h.ctx }

// Root returns the run's artifact directory.
func (h *Harness) Root() string { return h.root }

// Counts returns a snapshot of the run counters.
func (h *Harness) Counts() trace.Counts { return h.counts }

// SeededID mints a deterministic synthetic identifier and records it as a
// fixture for fixtures.json.
func (h *Harness) SeededID(prefix string) string {
	id := h.rng.NextID(prefix)
	h.fixtures = append(h.fixtures, id)
	return id
}

// RecordFixture adds an externally minted fixture ID to fixtures.json.
func (h *Harness) RecordFixture(id string) {
	h.fixtures = append(h.fixtures, id)
}

// AttachServer binds an already-started subject server so that Fail can
// print its per-case log segment and Summary stops it.
func (h *Harness) AttachServer(s *server.Server) {
	h.srv = s
}

// StartServer launches the subject with logs and diagnostics rooted in the
// artifact tree and binds it to the harness.
func (h *Harness) StartServer(opts server.StartOptions) (*server.Server, error) {
	if opts.LogDir == "" {
		opts.LogDir = h.root + "/logs"
	}
	if opts.DiagnosticsDir == "" {
		opts.DiagnosticsDir = h.root + "/diagnostics"
	}
	if opts.Trace == nil {
		opts.Trace = func(kind, message string) {
			h.emit(trace.Event{Kind: kind, Message: message})
		}
	}
	s, err := server.Start(opts)
	if err != nil {
		return nil, err
	}
	h.srv = s
	h.ownsServer = true
	return s, nil
}

// NewRPCClient returns a capture client writing under the artifact root,
// wired into this run's trace log.
func (h *Harness) NewRPCClient(opts ...rpc.Option) *rpc.Client {
	opts = append(opts, rpc.WithTrace(func(kind, caseName, message string) {
		if caseName == "" {
			caseName = h.activeCase
		}
		h.emit(trace.Event{Kind: kind, Case: caseName, Message: message})
	}))
	return rpc.New(h.root, opts...)
}

// CaseStart opens a named case. Re-entering the currently active case is a
// no-op; a different open case is implicitly closed first. Opening a case
// increments the total counter and resets the assertion sequence.
func (h *Harness) CaseStart(name string) {
	if name == "" || name == h.activeCase {
		return
	}
	if h.activeCase != "" {
		h.endCase()
	}
	h.activeCase = name
	h.caseStarted = h.now()
	h.assertSeq = 0
	h.activeStep = ""
	h.counts.Total++

	h.con.caseStart(name)
	h.emit(trace.Event{Kind: trace.KindCaseStart, Case: name})
	h.srv.MarkCaseStart(name)
}

// endCase emits the case boundary without touching counters.
func (h *Harness) endCase() {
	name := h.activeCase
	h.srv.MarkCaseEnd(name)
	h.emit(trace.Event{Kind: "case_end", Case: name})
	h.activeCase = ""
	h.activeStep = ""
}

// Pass records a passing assertion.
func (h *Harness) Pass(msg string) {
	id, elapsed := h.nextAssertion()
	h.counts.Pass++
	h.con.pass(id, msg)
	h.emit(trace.Event{
		SchemaVersion: 2,
		Kind:          trace.KindAssertPass,
		Message:       msg,
		AssertionID:   id,
		ElapsedMS:     elapsed,
	})
}

// Fail records a failing assertion and, when a subject server is attached,
// prints the tail of that case's server-log segment for immediate diagnosis.
func (h *Harness) Fail(msg string) {
	id, elapsed := h.nextAssertion()
	h.counts.Fail++
	h.con.fail(id, msg)
	h.emit(trace.Event{
		SchemaVersion: 2,
		Kind:          trace.KindAssertFail,
		Message:       msg,
		AssertionID:   id,
		ElapsedMS:     elapsed,
	})

	if h.srv != nil && h.activeCase != "" {
		tail := h.srv.CaseLogTail(h.activeCase, 20)
		if len(tail) > 0 {
			h.con.line("  server log for case %q:", h.activeCase)
			for _, line := range tail {
				h.con.line("    | %s", line)
			}
		}
	}
}

// Skip records a skipped assertion.
func (h *Harness) Skip(msg string) {
	id, elapsed := h.nextAssertion()
	h.counts.Skip++
	h.con.skip(id, msg)
	h.emit(trace.Event{
		SchemaVersion: 2,
		Kind:          trace.KindAssertSkip,
		Message:       msg,
		AssertionID:   id,
		ElapsedMS:     elapsed,
	})
}

func (h *Harness) nextAssertion() (id string, elapsed float64) {
	if h.activeCase == "" {
		return "", 0
	}
	h.assertSeq++
	id = fmt.Sprintf("%s.a%d", h.activeCase, h.assertSeq)
	return id, h.elapsedMS(h.caseStarted)
}

// elapsedMS is zero in deterministic mode so replayed runs stay
// byte-identical; the logical clock carries the timing signal there.
func (h *Harness) elapsedMS(since time.Time) float64 {
	if h.ctx.Deterministic() {
		return 0
	}
	return float64(h.now().Sub(since).Milliseconds())
}

// StepStart opens a finer-grained timer inside the current case.
func (h *Harness) StepStart(name string) {
	h.activeStep = name
	h.stepStarted = h.now()
	h.emit(trace.Event{SchemaVersion: 2, Kind: trace.KindStepStart, Step: name})
}

// StepEnd closes the active step, recording elapsed milliseconds.
func (h *Harness) StepEnd(name string) {
	if h.activeStep != name {
		return
	}
	elapsed := h.elapsedMS(h.stepStarted)
	h.emit(trace.Event{SchemaVersion: 2, Kind: trace.KindStepEnd, Step: name, ElapsedMS: elapsed})
	h.activeStep = ""
}

// Trace appends a free-form event to the trace log with current counters.
func (h *Harness) Trace(kind, message string) {
	h.emit(trace.Event{Kind: kind, Message: message})
}

func (h *Harness) emit(ev trace.Event) {
	if ev.Case == "" {
		ev.Case = h.activeCase
	}
	ev.Counters = h.counts
	h.rec.Emit(ev)
}

// Fatal records a harness-level failure (environment or tooling problem),
// attempts a best-effort summary, and returns the exit code for the caller
// to terminate with.
func (h *Harness) Fatal(msg string) int {
	logx.Error("fatal harness error", "msg", msg)
	h.Fail("fatal: " + msg)
	return h.Summary()
}
