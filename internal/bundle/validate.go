// Package bundle validates an artifact bundle against its manifest. It
// independently re-walks the recorded state and fails loudly, with a
// specific reason, on the first violation found. A run is not allowed to
// report success until its bundle validates.
package bundle

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/Dicklesworthstone/amharness/internal/artifact"
)

// ValidationError describes a single manifest contract violation.
type ValidationError struct {
	Check  string
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("bundle validation failed [%s] %s: %s", e.Check, e.Path, e.Reason)
	}
	return fmt.Sprintf("bundle validation failed [%s]: %s", e.Check, e.Reason)
}

func violation(check, path, format string, args ...any) error {
	return &ValidationError{Check: check, Path: path, Reason: fmt.Sprintf(format, args...)}
}

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Validate loads <dir>/bundle.json and enforces the full manifest contract:
// schema identity, required fields, referential closure of the well-known
// artifact map, per-file path safety and byte-count agreement, deep schema
// checks on the known JSON artifacts, index cross-references, trace
// well-formedness, and JSON parseability of every other .json/.jsonl file.
func Validate(dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, "bundle.json"))
	if err != nil {
		return violation("load", "bundle.json", "cannot read manifest: %v", err)
	}

	var top map[string]any
	if err := json.Unmarshal(raw, &top); err != nil {
		return violation("load", "bundle.json", "manifest is not valid JSON: %v", err)
	}
	var b artifact.Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return violation("load", "bundle.json", "manifest does not match bundle structure: %v", err)
	}

	if err := checkSchema(top); err != nil {
		return err
	}
	if err := checkRequiredFields(top); err != nil {
		return err
	}

	fileIndex := make(map[string]artifact.FileEntry, len(b.Files))
	for _, f := range b.Files {
		if _, dup := fileIndex[f.Path]; dup {
			return violation("files", f.Path, "duplicate path in files list")
		}
		fileIndex[f.Path] = f
	}

	if err := checkWellKnownRefs(b, fileIndex); err != nil {
		return err
	}
	if err := checkFiles(dir, b.Files); err != nil {
		return err
	}
	if err := checkKnownJSON(dir, b); err != nil {
		return err
	}
	if err := checkIndexes(dir, b, fileIndex); err != nil {
		return err
	}
	if err := checkTrace(dir, b); err != nil {
		return err
	}
	return checkRemainingJSON(dir, b.Files)
}

func checkSchema(top map[string]any) error {
	schema, ok := top["schema"].(map[string]any)
	if !ok {
		return violation("schema", "", "missing schema object")
	}
	if name, _ := schema["name"].(string); name != artifact.SchemaName {
		return violation("schema", "", "schema.name %q, want %q", name, artifact.SchemaName)
	}
	major, ok := asInt(schema["major"])
	if !ok || major != artifact.SchemaMajor {
		return violation("schema", "", "schema.major %v, want %d", schema["major"], artifact.SchemaMajor)
	}
	minor, ok := asInt(schema["minor"])
	if !ok || minor < 0 {
		return violation("schema", "", "schema.minor %v, want >= 0", schema["minor"])
	}
	return nil
}

func checkRequiredFields(top map[string]any) error {
	for _, key := range []string{"suite", "timestamp", "generated_at", "started_at", "ended_at"} {
		v, ok := top[key].(string)
		if !ok || v == "" {
			return violation("fields", "", "missing or non-string %q", key)
		}
	}

	counts, ok := top["counts"].(map[string]any)
	if !ok {
		return violation("fields", "", "missing counts object")
	}
	for _, key := range []string{"total", "pass", "fail", "skip"} {
		n, ok := asInt(counts[key])
		if !ok {
			return violation("fields", "", "counts.%s is not an integer", key)
		}
		if n < 0 {
			return violation("fields", "", "counts.%s is negative", key)
		}
	}

	git, ok := top["git"].(map[string]any)
	if !ok {
		return violation("fields", "", "missing git object")
	}
	for _, key := range []string{"commit", "branch"} {
		if _, ok := git[key].(string); !ok {
			return violation("fields", "", "git.%s is not a string", key)
		}
	}
	if _, ok := git["dirty"].(bool); !ok {
		return violation("fields", "", "git.dirty is not a boolean")
	}
	return nil
}

func checkWellKnownRefs(b artifact.Bundle, files map[string]artifact.FileEntry) error {
	refs := map[string]artifact.Ref{
		"metadata":                 b.Artifacts.Metadata,
		"metrics":                  b.Artifacts.Metrics,
		"summary":                  b.Artifacts.Summary,
		"diagnostics.env_redacted": b.Artifacts.Diagnostics["env_redacted"],
		"diagnostics.tree":         b.Artifacts.Diagnostics["tree"],
		"trace.events":             b.Artifacts.Trace["events"],
		"transcript.summary":       b.Artifacts.Transcript["summary"],
		"logs.index":               b.Artifacts.Logs["index"],
		"screenshots.index":        b.Artifacts.Screenshots["index"],
		"fixtures":                 b.Artifacts.Fixtures,
		"replay.command":           b.Artifacts.Replay["command"],
		"replay.environment":       b.Artifacts.Replay["environment"],
		"replay.metadata":          b.Artifacts.Replay["metadata"],
	}
	for name, ref := range refs {
		if ref.Path == "" {
			return violation("artifacts", name, "missing well-known artifact reference")
		}
		if _, ok := files[ref.Path]; !ok {
			return violation("artifacts", name, "references %q which is absent from files", ref.Path)
		}
	}
	return nil
}

func checkFiles(dir string, files []artifact.FileEntry) error {
	for _, f := range files {
		if !artifact.SafeRelPath(f.Path) {
			return violation("files", f.Path, "path is absolute or contains traversal segments")
		}
		if !hexDigest.MatchString(f.SHA256) {
			return violation("files", f.Path, "sha256 %q is not 64 lowercase hex digits", f.SHA256)
		}
		if f.Bytes < 0 {
			return violation("files", f.Path, "negative byte count %d", f.Bytes)
		}
		if !artifact.ValidKind(f.Kind) {
			return violation("files", f.Path, "kind %q is outside the closed enum", f.Kind)
		}

		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			// A recorded absence is acceptable only while the file is still
			// absent.
			if os.IsNotExist(err) && f.SHA256 == artifact.MissingDigest && f.Bytes == 0 {
				continue
			}
			return violation("files", f.Path, "referenced file missing on disk: %v", err)
		}
		// Size only here; content hashes are re-verified by callers that
		// need tamper evidence beyond staleness.
		if info.Size() != f.Bytes {
			return violation("files", f.Path, "byte count mismatch: manifest %d, on disk %d", f.Bytes, info.Size())
		}
	}
	return nil
}

func checkKnownJSON(dir string, b artifact.Bundle) error {
	var summary artifact.Summary
	if err := loadJSON(dir, "summary.json", &summary); err != nil {
		return err
	}
	if summary.SchemaVersion != 1 {
		return violation("summary", "summary.json", "schema_version %d, want 1", summary.SchemaVersion)
	}
	if summary.Suite != b.Suite || summary.Timestamp != b.Timestamp {
		return violation("summary", "summary.json", "suite/timestamp disagree with manifest")
	}

	var meta artifact.Meta
	if err := loadJSON(dir, "meta.json", &meta); err != nil {
		return err
	}
	if meta.Suite != b.Suite || meta.Timestamp != b.Timestamp {
		return violation("meta", "meta.json", "suite/timestamp disagree with manifest")
	}
	if meta.Determinism.ClockMode == "" {
		return violation("meta", "meta.json", "missing determinism.clock_mode")
	}

	var metrics artifact.Metrics
	if err := loadJSON(dir, "metrics.json", &metrics); err != nil {
		return err
	}
	if metrics.Suite != b.Suite || metrics.Timestamp != b.Timestamp {
		return violation("metrics", "metrics.json", "suite/timestamp disagree with manifest")
	}
	if metrics.Counts != b.Counts {
		return violation("metrics", "metrics.json",
			"counts %+v disagree with manifest counts %+v", metrics.Counts, b.Counts)
	}

	var fixtures artifact.Fixtures
	if err := loadJSON(dir, "fixtures.json", &fixtures); err != nil {
		return err
	}
	if fixtures.Suite != b.Suite || fixtures.Timestamp != b.Timestamp {
		return violation("fixtures", "fixtures.json", "suite/timestamp disagree with manifest")
	}

	var repro artifact.Repro
	if err := loadJSON(dir, "repro.json", &repro); err != nil {
		return err
	}
	if repro.Suite != b.Suite || repro.Timestamp != b.Timestamp {
		return violation("repro", "repro.json", "suite/timestamp disagree with manifest")
	}
	if repro.Command == "" {
		return violation("repro", "repro.json", "missing command")
	}
	return nil
}

func checkIndexes(dir string, b artifact.Bundle, files map[string]artifact.FileEntry) error {
	for _, rel := range []string{"logs/index.json", "screenshots/index.json"} {
		var idx artifact.Index
		if err := loadJSON(dir, rel, &idx); err != nil {
			return err
		}
		for _, entry := range idx.Files {
			recorded, ok := files[entry.Path]
			if !ok {
				return violation("index", rel, "entry %q is absent from files", entry.Path)
			}
			if recorded.Bytes != entry.Bytes {
				return violation("index", rel,
					"entry %q byte count %d disagrees with manifest %d", entry.Path, entry.Bytes, recorded.Bytes)
			}
			if recorded.SHA256 != entry.SHA256 {
				return violation("index", rel, "entry %q sha256 disagrees with manifest", entry.Path)
			}
		}
	}
	return nil
}

func checkTrace(dir string, b artifact.Bundle) error {
	const rel = "trace/events.jsonl"
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return violation("trace", rel, "cannot open trace log: %v", err)
	}
	defer f.Close()

	var suiteStarts, suiteEnds, lineNo int
	prev := map[string]int{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return violation("trace", rel, "line %d is not valid JSON: %v", lineNo, err)
		}

		sv, ok := asInt(ev["schema_version"])
		if !ok || (sv != 1 && sv != 2) {
			return violation("trace", rel, "line %d schema_version %v, want 1 or 2", lineNo, ev["schema_version"])
		}
		if s, _ := ev["suite"].(string); s != b.Suite {
			return violation("trace", rel, "line %d suite %q disagrees with manifest %q", lineNo, ev["suite"], b.Suite)
		}
		if ts, _ := ev["run_timestamp"].(string); ts != b.Timestamp {
			return violation("trace", rel, "line %d run_timestamp disagrees with manifest", lineNo)
		}
		for _, key := range []string{"ts", "case", "message"} {
			if _, ok := ev[key].(string); !ok {
				return violation("trace", rel, "line %d field %q is not a string", lineNo, key)
			}
		}
		kind, ok := ev["kind"].(string)
		if !ok || kind == "" {
			return violation("trace", rel, "line %d missing kind", lineNo)
		}
		counters, ok := ev["counters"].(map[string]any)
		if !ok {
			return violation("trace", rel, "line %d counters is not an object", lineNo)
		}
		for _, key := range []string{"total", "pass", "fail", "skip"} {
			n, ok := asInt(counters[key])
			if !ok {
				return violation("trace", rel, "line %d counters.%s is not an integer", lineNo, key)
			}
			if n < prev[key] {
				return violation("trace", rel, "line %d counters.%s decreased (%d -> %d)", lineNo, key, prev[key], n)
			}
			prev[key] = n
		}
		if v, present := ev["assertion_id"]; present {
			if _, ok := v.(string); !ok {
				return violation("trace", rel, "line %d assertion_id is not a string", lineNo)
			}
		}
		if v, present := ev["step"]; present {
			if _, ok := v.(string); !ok {
				return violation("trace", rel, "line %d step is not a string", lineNo)
			}
		}
		if v, present := ev["elapsed_ms"]; present {
			if _, ok := v.(float64); !ok {
				return violation("trace", rel, "line %d elapsed_ms is not a number", lineNo)
			}
		}

		switch kind {
		case "suite_start":
			suiteStarts++
		case "suite_end":
			suiteEnds++
		}
	}
	if err := scanner.Err(); err != nil {
		return violation("trace", rel, "read failed: %v", err)
	}
	if suiteStarts != 1 {
		return violation("trace", rel, "%d suite_start events, want exactly 1", suiteStarts)
	}
	if suiteEnds < 1 {
		return violation("trace", rel, "no suite_end event")
	}
	return nil
}

// checkRemainingJSON parses every other .json/.jsonl file under the tree.
// Empty or whitespace-only files are an intentional "no payload" case.
func checkRemainingJSON(dir string, files []artifact.FileEntry) error {
	deepChecked := map[string]bool{
		"summary.json": true, "meta.json": true, "metrics.json": true,
		"fixtures.json": true, "repro.json": true,
		"logs/index.json": true, "screenshots/index.json": true,
		"trace/events.jsonl": true,
	}
	for _, f := range files {
		if deepChecked[f.Path] {
			continue
		}
		isJSONL := strings.HasSuffix(f.Path, ".jsonl")
		if !isJSONL && !strings.HasSuffix(f.Path, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			if os.IsNotExist(err) && f.SHA256 == artifact.MissingDigest {
				continue
			}
			return violation("json", f.Path, "cannot read: %v", err)
		}
		if strings.TrimSpace(string(raw)) == "" {
			continue
		}
		if isJSONL {
			for i, line := range strings.Split(string(raw), "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				var v any
				if err := json.Unmarshal([]byte(line), &v); err != nil {
					return violation("json", f.Path, "line %d is not valid JSON: %v", i+1, err)
				}
			}
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return violation("json", f.Path, "not valid JSON: %v", err)
		}
	}
	return nil
}

func loadJSON(dir, rel string, v any) error {
	raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return violation("load", rel, "cannot read: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return violation("load", rel, "not valid JSON: %v", err)
	}
	return nil
}

// asInt accepts the numeric shapes a JSON decoder can produce for an
// integer-valued field.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
