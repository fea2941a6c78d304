package artifact

import (
	"path"
	"strings"
)

// Kind classifies an artifact file. The set is closed: the validator rejects
// anything outside it.
type Kind string

const (
	KindMetadata    Kind = "metadata"
	KindMetrics     Kind = "metrics"
	KindDiagnostics Kind = "diagnostics"
	KindTrace       Kind = "trace"
	KindTranscript  Kind = "transcript"
	KindLog         Kind = "log"
	KindScreenshot  Kind = "screenshot"
	KindFixture     Kind = "fixture"
	KindReplay      Kind = "replay"
	KindOpaque      Kind = "opaque"
)

// ValidKind reports whether k is in the closed enum.
func ValidKind(k string) bool {
	switch Kind(k) {
	case KindMetadata, KindMetrics, KindDiagnostics, KindTrace, KindTranscript,
		KindLog, KindScreenshot, KindFixture, KindReplay, KindOpaque:
		return true
	}
	return false
}

var exactKinds = map[string]struct {
	kind   Kind
	schema string
}{
	"summary.json":           {KindMetrics, "summary.v1"},
	"meta.json":              {KindMetadata, "meta.v1"},
	"metrics.json":           {KindMetrics, "metrics.v1"},
	"fixtures.json":          {KindFixture, "fixtures.v1"},
	"repro.json":             {KindReplay, "repro.v1"},
	"repro.txt":              {KindReplay, ""},
	"repro.env":              {KindReplay, ""},
	"trace/events.jsonl":     {KindTrace, "trace-events.v1"},
	"logs/index.json":        {KindLog, "logs-index.v1"},
	"screenshots/index.json": {KindScreenshot, "screenshots-index.v1"},
}

var imageExts = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {},
}

// Classify maps a root-relative artifact path to its kind and schema tag.
// Exact matches first, then prefix and suffix rules, then opaque.
func Classify(rel string) (Kind, string) {
	if c, ok := exactKinds[rel]; ok {
		return c.kind, c.schema
	}
	switch {
	case strings.HasPrefix(rel, "diagnostics/"):
		return KindDiagnostics, ""
	case strings.HasPrefix(rel, "transcript/"):
		return KindTranscript, ""
	case strings.HasPrefix(rel, "trace/"):
		return KindTrace, ""
	case strings.HasPrefix(rel, "fixtures/"):
		return KindFixture, ""
	case strings.HasPrefix(rel, "failures/fail_") && strings.HasSuffix(rel, ".json"):
		return KindDiagnostics, ""
	case strings.HasPrefix(rel, "steps/step_") && strings.HasSuffix(rel, ".json"):
		return KindReplay, ""
	case strings.HasPrefix(rel, "screenshots/"):
		return KindScreenshot, ""
	case strings.HasSuffix(rel, ".log"):
		return KindLog, ""
	case strings.HasPrefix(rel, "logs/"):
		return KindLog, ""
	}
	if _, ok := imageExts[strings.ToLower(path.Ext(rel))]; ok {
		return KindScreenshot, ""
	}
	return KindOpaque, ""
}
