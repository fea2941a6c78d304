package harness

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Dicklesworthstone/amharness/internal/artifact"
	"github.com/Dicklesworthstone/amharness/internal/logx"
	"github.com/Dicklesworthstone/amharness/internal/trace"
)

var artifactSubdirs = []string{"diagnostics", "trace", "transcript", "logs", "screenshots"}

// InitArtifacts creates the run's fixed artifact subtree, opens the trace
// log, and emits the suite_start event. Must be called exactly once before
// cases begin.
func (h *Harness) InitArtifacts() error {
	for _, sub := range artifactSubdirs {
		if err := os.MkdirAll(filepath.Join(h.root, sub), 0o755); err != nil {
			return fmt.Errorf("create artifact subtree: %w", err)
		}
	}
	if err := h.rec.Open(filepath.Join(h.root, "trace", "events.jsonl")); err != nil {
		return err
	}
	h.emit(trace.Event{Kind: trace.KindSuiteStart, Message: h.ctx.String()})
	logx.Debug("artifact tree initialized", "root", h.root)
	return nil
}

// SaveArtifact writes content under the artifact root. The logical name must
// stay inside the tree; traversal attempts are rejected before any write.
func (h *Harness) SaveArtifact(name string, content []byte) error {
	if !artifact.SafeRelPath(name) {
		return fmt.Errorf("artifact name %q escapes the artifact root", name)
	}
	path := filepath.Join(h.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	return nil
}

// CopyArtifact copies an external file into the artifact tree. Best-effort:
// a source that vanished mid-run is logged and ignored, but an unsafe
// destination name is still an error.
func (h *Harness) CopyArtifact(src, destName string) error {
	if !artifact.SafeRelPath(destName) {
		return fmt.Errorf("artifact name %q escapes the artifact root", destName)
	}
	in, err := os.Open(src)
	if err != nil {
		logx.Warn("copy artifact source unavailable", "src", src, "err", err)
		return nil
	}
	defer in.Close()

	path := filepath.Join(h.root, filepath.FromSlash(destName))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logx.Warn("copy artifact dir", "dest", destName, "err", err)
		return nil
	}
	out, err := os.Create(path)
	if err != nil {
		logx.Warn("copy artifact create", "dest", destName, "err", err)
		return nil
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		logx.Warn("copy artifact", "dest", destName, "err", err)
	}
	return nil
}

// redactedEnv renders the process environment with secret-bearing values
// masked, sorted for stable output.
func redactedEnv() string {
	sensitive := []string{"TOKEN", "SECRET", "PASSWORD", "KEY", "CREDENTIAL"}
	env := os.Environ()
	sort.Strings(env)

	var b strings.Builder
	for _, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		upper := strings.ToUpper(name)
		for _, marker := range sensitive {
			if strings.Contains(upper, marker) {
				value = "<redacted>"
				break
			}
		}
		fmt.Fprintf(&b, "%s=%s\n", name, value)
	}
	return b.String()
}

// treeListing renders a sorted relative listing of the artifact tree, one
// path per line with its size.
func treeListing(root string) string {
	var b strings.Builder
	type entry struct {
		rel  string
		size int64
	}
	var entries []entry
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // best-effort listing
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		entries = append(entries, entry{rel: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	for _, e := range entries {
		fmt.Fprintf(&b, "%8d  %s\n", e.size, e.rel)
	}
	return b.String()
}
