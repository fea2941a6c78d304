// Package suite discovers and executes the shell test suites under
// tests/e2e/, aggregating their results into a run report.
package suite

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/Dicklesworthstone/amharness/internal/logx"
)

// DurationClass buckets suites by expected runtime.
type DurationClass string

const (
	DurationFast   DurationClass = "fast"   // < 10s
	DurationNormal DurationClass = "normal" // 10-60s
	DurationSlow   DurationClass = "slow"   // > 60s
)

// Suite is one registered E2E test suite.
type Suite struct {
	Name          string        `json:"name"`
	ScriptPath    string        `json:"script_path"`
	Description   string        `json:"description,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	DurationClass DurationClass `json:"duration_class"`
}

// Registry holds the discovered suites for one project root.
type Registry struct {
	projectRoot string
	suites      map[string]*Suite
}

// metadataOverride is one entry of the optional tests/e2e/suites.yaml file,
// merged over header-comment discovery.
type metadataOverride struct {
	Description   string   `yaml:"description"`
	Tags          []string `yaml:"tags"`
	DurationClass string   `yaml:"duration_class"`
}

// NewRegistry discovers suites from <projectRoot>/tests/e2e/test_*.sh. A
// missing directory yields an empty registry, not an error.
func NewRegistry(projectRoot string) (*Registry, error) {
	r := &Registry{projectRoot: projectRoot, suites: map[string]*Suite{}}

	e2eDir := filepath.Join(projectRoot, "tests", "e2e")
	entries, err := os.ReadDir(e2eDir)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read suite dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "test_") || !strings.HasSuffix(name, ".sh") {
			continue
		}
		suiteName := strings.TrimSuffix(strings.TrimPrefix(name, "test_"), ".sh")
		path := filepath.Join(e2eDir, name)
		description, tags := extractMetadata(path)
		r.suites[suiteName] = &Suite{
			Name:          suiteName,
			ScriptPath:    path,
			Description:   description,
			Tags:          tags,
			DurationClass: classifyDuration(suiteName, tags),
		}
	}

	r.applyOverrides(filepath.Join(e2eDir, "suites.yaml"))
	return r, nil
}

// extractMetadata pulls the description (first non-shebang header comment)
// and the "# @tags:" line from the script's first 20 lines.
func extractMetadata(path string) (string, []string) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil
	}
	defer f.Close()

	var description string
	var tags []string
	scanner := bufio.NewScanner(f)
	for i := 0; i < 20 && scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, "# @tags:"); ok {
			for _, tag := range strings.Split(rest, ",") {
				tag = strings.ToLower(strings.TrimSpace(tag))
				if tag != "" {
					tags = append(tags, tag)
				}
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "# "); ok && description == "" {
			if !strings.HasPrefix(rest, "!") && !strings.Contains(rest, "harness") {
				description = rest
			}
		}
	}
	return description, tags
}

var slowSuites = []string{
	"concurrent", "crash_restart", "fault_injection",
	"large_inputs", "db_corruption", "db_migration",
}

var fastSuites = []string{"cli", "archive", "console"}

func classifyDuration(name string, tags []string) DurationClass {
	for _, t := range tags {
		switch t {
		case "slow":
			return DurationSlow
		case "fast":
			return DurationFast
		}
	}
	for _, s := range slowSuites {
		if strings.Contains(name, s) {
			return DurationSlow
		}
	}
	for _, s := range fastSuites {
		if strings.Contains(name, s) {
			return DurationFast
		}
	}
	return DurationNormal
}

// applyOverrides merges optional suites.yaml metadata over the discovered
// values. The file is a convenience; every failure is soft.
func (r *Registry) applyOverrides(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var overrides map[string]metadataOverride
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		logx.Warn("suites.yaml unreadable, ignoring", "path", path, "err", err)
		return
	}
	for name, o := range overrides {
		s, ok := r.suites[name]
		if !ok {
			continue
		}
		if o.Description != "" {
			s.Description = o.Description
		}
		if len(o.Tags) > 0 {
			s.Tags = o.Tags
		}
		switch DurationClass(o.DurationClass) {
		case DurationFast, DurationNormal, DurationSlow:
			s.DurationClass = DurationClass(o.DurationClass)
		}
	}
}

// Names returns all suite names in deterministic order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.suites))
	for name := range r.suites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Suites returns all suites sorted by name.
func (r *Registry) Suites() []*Suite {
	out := make([]*Suite, 0, len(r.suites))
	for _, name := range r.Names() {
		out = append(out, r.suites[name])
	}
	return out
}

// Get returns the named suite or nil.
func (r *Registry) Get(name string) *Suite {
	return r.suites[name]
}

// Len returns the number of registered suites.
func (r *Registry) Len() int { return len(r.suites) }

// Filter selects suites matching at least one include pattern (all when
// include is empty) and no exclude pattern.
func (r *Registry) Filter(include, exclude []string) []*Suite {
	var out []*Suite
	for _, s := range r.Suites() {
		if len(include) > 0 && !matchesAny(s.Name, include) {
			continue
		}
		if matchesAny(s.Name, exclude) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if matchesPattern(name, p) {
			return true
		}
	}
	return false
}

// matchesPattern supports a single-* wildcard; otherwise exact or substring
// match.
func matchesPattern(name, pattern string) bool {
	if strings.Contains(pattern, "*") {
		parts := strings.Split(pattern, "*")
		if len(parts) == 2 {
			return strings.HasPrefix(name, parts[0]) && strings.HasSuffix(name, parts[1])
		}
	}
	return name == pattern || strings.Contains(name, pattern)
}
