package suite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSuiteScript(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, "tests", "e2e")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func TestRegistryDiscoversSuiteScripts(t *testing.T) {
	root := t.TempDir()
	writeSuiteScript(t, root, "test_cli.sh", "#!/usr/bin/env bash\nexit 0\n")
	writeSuiteScript(t, root, "test_archive.sh", "#!/usr/bin/env bash\nexit 0\n")
	writeSuiteScript(t, root, "helper.sh", "# not a suite\n")
	writeSuiteScript(t, root, "test_notes.txt", "# wrong extension\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tests", "e2e", "test_dir.sh"), 0o755))

	r, err := NewRegistry(root)
	require.NoError(t, err)

	assert.Equal(t, []string{"archive", "cli"}, r.Names())
	assert.Equal(t, 2, r.Len())
	require.NotNil(t, r.Get("cli"))
	assert.Equal(t, filepath.Join(root, "tests", "e2e", "test_cli.sh"), r.Get("cli").ScriptPath)
	assert.Nil(t, r.Get("missing"))
}

func TestRegistryMissingDirIsEmpty(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Suites())
}

func TestExtractMetadata(t *testing.T) {
	root := t.TempDir()
	path := writeSuiteScript(t, root, "test_mail.sh", `#!/usr/bin/env bash
# !shellcheck directive-looking line
# Exercises message send and receive round-trips.
# @tags: Slow, Integration , mail
set -euo pipefail
`)
	description, tags := extractMetadata(path)
	assert.Equal(t, "Exercises message send and receive round-trips.", description)
	assert.Equal(t, []string{"slow", "integration", "mail"}, tags)
}

func TestExtractMetadataSkipsToolingMentions(t *testing.T) {
	root := t.TempDir()
	path := writeSuiteScript(t, root, "test_x.sh", `#!/usr/bin/env bash
# Shared harness helpers live in lib.sh
# Validates archive pruning.
`)
	description, _ := extractMetadata(path)
	assert.Equal(t, "Validates archive pruning.", description)
}

func TestExtractMetadataOnlyScansHeader(t *testing.T) {
	root := t.TempDir()
	var body string
	for i := 0; i < 25; i++ {
		body += "true\n"
	}
	path := writeSuiteScript(t, root, "test_y.sh", "#!/usr/bin/env bash\n"+body+"# Too late to count.\n")
	description, _ := extractMetadata(path)
	assert.Empty(t, description)
}

func TestClassifyDuration(t *testing.T) {
	cases := []struct {
		name string
		tags []string
		want DurationClass
	}{
		{"cli", nil, DurationFast},
		{"archive", nil, DurationFast},
		{"console", nil, DurationFast},
		{"concurrent", nil, DurationSlow},
		{"crash_restart", nil, DurationSlow},
		{"db_migration_v2", nil, DurationSlow},
		{"messaging", nil, DurationNormal},
		{"messaging", []string{"slow"}, DurationSlow},
		{"concurrent", []string{"fast"}, DurationFast},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyDuration(tc.name, tc.tags), "name=%s tags=%v", tc.name, tc.tags)
	}
}

func TestOverridesFromYAML(t *testing.T) {
	root := t.TempDir()
	writeSuiteScript(t, root, "test_mail.sh", "#!/usr/bin/env bash\n# Old description.\n")
	writeSuiteScript(t, root, "suites.yaml", `mail:
  description: Curated description.
  tags: [mail, core]
  duration_class: slow
ghost:
  description: Refers to no script.
`)

	r, err := NewRegistry(root)
	require.NoError(t, err)

	s := r.Get("mail")
	require.NotNil(t, s)
	assert.Equal(t, "Curated description.", s.Description)
	assert.Equal(t, []string{"mail", "core"}, s.Tags)
	assert.Equal(t, DurationSlow, s.DurationClass)
	assert.Nil(t, r.Get("ghost"))
}

func TestOverridesRejectBogusDurationClass(t *testing.T) {
	root := t.TempDir()
	writeSuiteScript(t, root, "test_cli.sh", "#!/usr/bin/env bash\n")
	writeSuiteScript(t, root, "suites.yaml", "cli:\n  duration_class: warp\n")

	r, err := NewRegistry(root)
	require.NoError(t, err)
	assert.Equal(t, DurationFast, r.Get("cli").DurationClass)
}

func TestMalformedOverridesAreIgnored(t *testing.T) {
	root := t.TempDir()
	writeSuiteScript(t, root, "test_cli.sh", "#!/usr/bin/env bash\n")
	writeSuiteScript(t, root, "suites.yaml", ":\n  - broken yaml {{{\n")

	r, err := NewRegistry(root)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestMatchesPattern(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
		want    bool
	}{
		{"db_migration", "db_migration", true},
		{"db_migration", "db_*", true},
		{"db_migration", "*_migration", true},
		{"db_migration", "migration", true},
		{"db_migration", "cli", false},
		{"cli", "db_*", false},
		{"crash_restart", "crash", true},
		{"a*b", "a*b", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchesPattern(tc.name, tc.pattern), "name=%s pattern=%s", tc.name, tc.pattern)
	}
}

func TestFilter(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"test_cli.sh", "test_db_migration.sh", "test_db_corruption.sh", "test_mail.sh"} {
		writeSuiteScript(t, root, name, "#!/usr/bin/env bash\n")
	}
	r, err := NewRegistry(root)
	require.NoError(t, err)

	names := func(suites []*Suite) []string {
		var out []string
		for _, s := range suites {
			out = append(out, s.Name)
		}
		return out
	}

	assert.Equal(t, []string{"cli", "db_corruption", "db_migration", "mail"}, names(r.Filter(nil, nil)))
	assert.Equal(t, []string{"db_corruption", "db_migration"}, names(r.Filter([]string{"db_*"}, nil)))
	assert.Equal(t, []string{"cli", "mail"}, names(r.Filter(nil, []string{"db_*"})))
	assert.Equal(t, []string{"db_migration"}, names(r.Filter([]string{"db_*"}, []string{"corruption"})))
}
