package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/Dicklesworthstone/amharness/internal/artifact"
	"github.com/Dicklesworthstone/amharness/internal/bundle"
	"github.com/Dicklesworthstone/amharness/internal/logx"
	"github.com/Dicklesworthstone/amharness/internal/trace"
)

// Summary finalizes the run: closes the open case, stops the server, prints
// the console summary, seals the trace log, writes every summary and
// forensic artifact, builds the bundle manifest, and validates it. The
// ordering is load-bearing: the manifest is built only after every other
// writer has finished, and validation only after the manifest write.
//
// Returns the process exit code: 0 only when no assertion failed and the
// manifest validated.
func (h *Harness) Summary() int {
	if h.finalized {
		return h.exitCode()
	}
	h.finalized = true

	if h.activeCase != "" {
		h.endCase()
	}
	if h.srv != nil && h.ownsServer {
		h.srv.Stop()
	}

	h.con.line("")
	h.con.line("suite %s: total=%d pass=%d fail=%d skip=%d",
		h.ctx.Suite, h.counts.Total, h.counts.Pass, h.counts.Fail, h.counts.Skip)

	// The suite_end event consumes one logical second; the end epoch is the
	// sequence value after it is emitted.
	h.ctx.Finish(h.rec.Seq()+1, h.now())
	h.emit(trace.Event{Kind: trace.KindSuiteEnd, Message: h.ctx.String()})
	if err := h.rec.Close(); err != nil {
		logx.Warn("trace close failed", "err", err)
	}

	if _, err := os.Stat(h.root); err != nil {
		logx.Warn("artifact dir gone at finalize, skipping bundle", "root", h.root)
		return h.exitCode()
	}

	h.writeSummaryArtifacts()

	git := artifact.CaptureGit(h.projectRoot)
	b, err := artifact.BuildBundle(h.root, h.ctx, h.counts, git)
	if err != nil {
		logx.Error("bundle manifest build failed", "err", err)
		h.validationFailed = true
		return h.exitCode()
	}
	if err := artifact.WriteJSON(filepath.Join(h.root, "bundle.json"), b); err != nil {
		logx.Error("bundle manifest write failed", "err", err)
		h.validationFailed = true
		return h.exitCode()
	}

	if err := bundle.Validate(h.root); err != nil {
		logx.Error("bundle validation failed", "err", err)
		h.con.line("bundle validation failed: %v", err)
		h.validationFailed = true
	}

	code := h.exitCode()
	if code != 0 {
		repro := artifact.NewRepro(h.ctx, h.projectRoot)
		fmt.Fprintf(os.Stderr, "repro: %s\n", repro.Command)
	}
	return code
}

func (h *Harness) exitCode() int {
	if h.counts.Fail > 0 || h.validationFailed {
		return 1
	}
	return 0
}

// Failed reports whether the finalized run ended with a non-zero status.
func (h *Harness) Failed() bool {
	return h.exitCode() != 0
}

// writeSummaryArtifacts fans out the summary, metadata, metrics,
// diagnostics, transcript, repro, and index files. Each write is
// best-effort: a missing convenience artifact must not mask test results,
// though the validator will catch a missing required one.
func (h *Harness) writeSummaryArtifacts() {
	git := artifact.CaptureGit(h.projectRoot)
	host, _ := os.Hostname()

	warnIf := func(name string, err error) {
		if err != nil {
			logx.Warn("summary artifact write failed", "name", name, "err", err)
		}
	}

	warnIf("summary.json", artifact.WriteJSON(
		filepath.Join(h.root, "summary.json"), artifact.NewSummary(h.ctx, h.counts)))
	warnIf("meta.json", artifact.WriteJSON(
		filepath.Join(h.root, "meta.json"), artifact.NewMeta(h.ctx, git, host, runtime.Version())))
	warnIf("metrics.json", artifact.WriteJSON(
		filepath.Join(h.root, "metrics.json"), artifact.NewMetrics(h.ctx, h.counts)))
	warnIf("fixtures.json", artifact.WriteJSON(
		filepath.Join(h.root, "fixtures.json"), artifact.NewFixtures(h.ctx, h.fixtures)))

	warnIf("diagnostics/env_redacted.txt", os.WriteFile(
		filepath.Join(h.root, "diagnostics", "env_redacted.txt"), []byte(redactedEnv()), 0o644))
	warnIf("transcript/summary.txt", os.WriteFile(
		filepath.Join(h.root, "transcript", "summary.txt"), []byte(h.transcript()), 0o644))

	repro := artifact.NewRepro(h.ctx, h.projectRoot)
	warnIf("repro.txt", repro.WriteTxt(filepath.Join(h.root, "repro.txt")))
	warnIf("repro.env", repro.WriteEnv(filepath.Join(h.root, "repro.env")))
	warnIf("repro.json", artifact.WriteJSON(filepath.Join(h.root, "repro.json"), repro))

	// The tree listing goes last among the text artifacts so it covers them;
	// it cannot cover the indices or itself, which is fine: the manifest does.
	warnIf("diagnostics/tree.txt", os.WriteFile(
		filepath.Join(h.root, "diagnostics", "tree.txt"), []byte(treeListing(h.root)), 0o644))

	warnIf("logs/index.json", artifact.WriteLogsIndex(h.root, h.ctx))
	warnIf("screenshots/index.json", artifact.WriteScreenshotsIndex(h.root, h.ctx))
}

func (h *Harness) transcript() string {
	var b strings.Builder
	fmt.Fprintf(&b, "suite: %s\nrun: %s\nstarted: %s\nended: %s\n",
		h.ctx.Suite, h.ctx.Timestamp, h.ctx.StartedAt, h.ctx.EndedAt)
	fmt.Fprintf(&b, "total: %d\npass: %d\nfail: %d\nskip: %d\n",
		h.counts.Total, h.counts.Pass, h.counts.Fail, h.counts.Skip)
	status := "PASS"
	if h.counts.Fail > 0 {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "status: %s\n", status)
	return b.String()
}
