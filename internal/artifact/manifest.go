package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Dicklesworthstone/amharness/internal/clock"
	"github.com/Dicklesworthstone/amharness/internal/logx"
	"github.com/Dicklesworthstone/amharness/internal/trace"
)

// SchemaName identifies the bundle manifest format.
const SchemaName = "mcp-agent-mail-artifacts"

// Manifest schema version. Major changes are breaking; minor increments are
// additive-only.
const (
	SchemaMajor = 1
	SchemaMinor = 0
)

// MissingDigest marks a file that vanished between directory listing and
// hashing. Recorded instead of aborting the manifest write; the validator
// accepts it only while the file is still absent.
const MissingDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// BundleSchema is the schema block of bundle.json.
type BundleSchema struct {
	Name  string `json:"name"`
	Major int    `json:"major"`
	Minor int    `json:"minor"`
}

// FileEntry describes one file under the artifact root.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
	Kind   string `json:"kind"`
	Schema string `json:"schema,omitempty"`
}

// Ref points a well-known logical artifact at its relative path.
type Ref struct {
	Path   string `json:"path"`
	Schema string `json:"schema,omitempty"`
}

// Refs is the fixed map of well-known logical artifacts.
type Refs struct {
	Metadata    Ref            `json:"metadata"`
	Metrics     Ref            `json:"metrics"`
	Summary     Ref            `json:"summary"`
	Diagnostics map[string]Ref `json:"diagnostics"`
	Trace       map[string]Ref `json:"trace"`
	Transcript  map[string]Ref `json:"transcript"`
	Logs        map[string]Ref `json:"logs"`
	Screenshots map[string]Ref `json:"screenshots"`
	Fixtures    Ref            `json:"fixtures"`
	Replay      map[string]Ref `json:"replay"`
}

// WellKnownRefs returns the canonical artifact references every bundle
// carries.
func WellKnownRefs() Refs {
	return Refs{
		Metadata: Ref{Path: "meta.json", Schema: "meta.v1"},
		Metrics:  Ref{Path: "metrics.json", Schema: "metrics.v1"},
		Summary:  Ref{Path: "summary.json", Schema: "summary.v1"},
		Diagnostics: map[string]Ref{
			"env_redacted": {Path: "diagnostics/env_redacted.txt"},
			"tree":         {Path: "diagnostics/tree.txt"},
		},
		Trace: map[string]Ref{
			"events": {Path: "trace/events.jsonl", Schema: "trace-events.v1"},
		},
		Transcript: map[string]Ref{
			"summary": {Path: "transcript/summary.txt"},
		},
		Logs: map[string]Ref{
			"index": {Path: "logs/index.json", Schema: "logs-index.v1"},
		},
		Screenshots: map[string]Ref{
			"index": {Path: "screenshots/index.json", Schema: "screenshots-index.v1"},
		},
		Fixtures: Ref{Path: "fixtures.json", Schema: "fixtures.v1"},
		Replay: map[string]Ref{
			"command":     {Path: "repro.txt"},
			"environment": {Path: "repro.env"},
			"metadata":    {Path: "repro.json", Schema: "repro.v1"},
		},
	}
}

// Bundle is bundle.json: the run's single source of truth.
type Bundle struct {
	Schema      BundleSchema `json:"schema"`
	Suite       string       `json:"suite"`
	Timestamp   string       `json:"timestamp"`
	GeneratedAt string       `json:"generated_at"`
	StartedAt   string       `json:"started_at"`
	EndedAt     string       `json:"ended_at"`
	Counts      trace.Counts `json:"counts"`
	Git         GitInfo      `json:"git"`
	Artifacts   Refs         `json:"artifacts"`
	Files       []FileEntry  `json:"files"`
}

// BuildBundle walks every file under dir except bundle.json itself, in
// sorted path order, hashing and classifying each, and assembles the full
// manifest. Files that vanish mid-walk are recorded with MissingDigest
// rather than aborting.
func BuildBundle(dir string, ctx *clock.RunContext, counts trace.Counts, git GitInfo) (Bundle, error) {
	var files []FileEntry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory that vanished mid-run is a soft loss, not a
			// manifest failure.
			logx.Warn("manifest walk error", "path", p, "err", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", p, err)
		}
		rel = filepath.ToSlash(rel)
		if rel == "bundle.json" {
			return nil
		}
		files = append(files, hashEntry(dir, rel))
		return nil
	})
	if err != nil {
		return Bundle{}, fmt.Errorf("walk artifact dir: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return Bundle{
		Schema:      BundleSchema{Name: SchemaName, Major: SchemaMajor, Minor: SchemaMinor},
		Suite:       ctx.Suite,
		Timestamp:   ctx.Timestamp,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		StartedAt:   ctx.StartedAt,
		EndedAt:     ctx.EndedAt,
		Counts:      counts,
		Git:         git,
		Artifacts:   WellKnownRefs(),
		Files:       files,
	}, nil
}

func hashEntry(dir, rel string) FileEntry {
	kind, schema := Classify(rel)
	entry := FileEntry{Path: rel, Kind: string(kind), Schema: schema}

	full := filepath.Join(dir, filepath.FromSlash(rel))
	f, err := os.Open(full)
	if err != nil {
		logx.Warn("artifact vanished before hashing", "path", rel, "err", err)
		entry.SHA256 = MissingDigest
		return entry
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		logx.Warn("artifact hash failed", "path", rel, "err", err)
		entry.SHA256 = MissingDigest
		return entry
	}
	entry.Bytes = n
	entry.SHA256 = hex.EncodeToString(h.Sum(nil))
	return entry
}

// HashFile returns the SHA-256 digest and size of one file.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SafeRelPath reports whether rel is a traversal-safe path relative to an
// artifact root: non-empty, not absolute, no empty or "." or ".." segments.
func SafeRelPath(rel string) bool {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
