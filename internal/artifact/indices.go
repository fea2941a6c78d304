package artifact

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Dicklesworthstone/amharness/internal/clock"
)

// IndexEntry is one file reference inside logs/index.json or
// screenshots/index.json. Paths are relative to the artifact root.
type IndexEntry struct {
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// Index is the shared shape of the logs and screenshots index artifacts.
type Index struct {
	SchemaVersion int          `json:"schema_version"`
	Schema        string       `json:"schema"`
	Suite         string       `json:"suite"`
	Timestamp     string       `json:"timestamp"`
	Files         []IndexEntry `json:"files"`
}

// BuildIndex walks subdir under the artifact root and indexes files whose
// names match the given suffix filter (empty = all), excluding the index
// file itself. Entries are sorted by path.
func BuildIndex(root, subdir, schema, selfName string, ctx *clock.RunContext, suffixes ...string) Index {
	idx := Index{
		SchemaVersion: 1,
		Schema:        schema,
		Suite:         ctx.Suite,
		Timestamp:     ctx.Timestamp,
		Files:         []IndexEntry{},
	}

	base := filepath.Join(root, subdir)
	_ = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // best-effort index
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == subdir+"/"+selfName {
			return nil
		}
		if len(suffixes) > 0 && !hasAnySuffix(rel, suffixes) {
			return nil
		}
		digest, size, hashErr := HashFile(p)
		if hashErr != nil {
			return nil
		}
		idx.Files = append(idx.Files, IndexEntry{Path: rel, Bytes: size, SHA256: digest})
		return nil
	})

	sort.Slice(idx.Files, func(i, j int) bool { return idx.Files[i].Path < idx.Files[j].Path })
	return idx
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(strings.ToLower(s), suf) {
			return true
		}
	}
	return false
}

// WriteLogsIndex writes logs/index.json covering *.log and *.json files
// under logs/.
func WriteLogsIndex(root string, ctx *clock.RunContext) error {
	idx := BuildIndex(root, "logs", "logs-index.v1", "index.json", ctx, ".log", ".json")
	return WriteJSON(filepath.Join(root, "logs", "index.json"), idx)
}

// WriteScreenshotsIndex writes screenshots/index.json covering image files
// under screenshots/.
func WriteScreenshotsIndex(root string, ctx *clock.RunContext) error {
	idx := BuildIndex(root, "screenshots", "screenshots-index.v1", "index.json", ctx,
		".png", ".jpg", ".jpeg", ".gif", ".svg")
	return WriteJSON(filepath.Join(root, "screenshots", "index.json"), idx)
}
