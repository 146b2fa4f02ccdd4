package fmf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFMF(t *testing.T, root, dir, content string) {
	t.Helper()
	full := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(full, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(full, metaFile), []byte(content), 0o644))
}

func TestLoadPlanDiscoversTests(t *testing.T) {
	root := t.TempDir()
	writeFMF(t, root, "plans/basic", `
summary: basic plan
prepare:
  - how: install
    package:
      - some-rpm
  - how: shell
    script:
      - echo hi
environment:
  - FOO: bar
discover:
  - how: fmf
`)
	writeFMF(t, root, "tests/one", `
test: ./one.sh
tag:
  - smoke
duration: 5m
`)
	writeFMF(t, root, "tests/two", `
test: ./two.sh
tag: [destructive]
extra-priority: 10
`)

	plan, err := LoadPlan(root, "/plans/basic")
	require.NoError(t, err)
	require.Equal(t, []string{"some-rpm"}, plan.PreparePkgs)
	require.Equal(t, []string{"echo hi"}, plan.PrepareScripts)
	require.Equal(t, "bar", plan.Env["FOO"])
	require.Len(t, plan.Tests, 2)

	byName := map[string]TestDescriptor{}
	for _, td := range plan.Tests {
		byName[td.Name] = td
	}
	require.Equal(t, "5m", byName["/tests/one"].Duration)
	require.True(t, byName["/tests/one"].HasTag("smoke"))
	require.True(t, byName["/tests/two"].HasTag("destructive"))
	require.Equal(t, 10, byName["/tests/two"].ExtraPriority)
}

func TestLoadPlanExcludesDisabledManualAndStory(t *testing.T) {
	root := t.TempDir()
	writeFMF(t, root, "plans/basic", `
discover:
  - how: fmf
`)
	writeFMF(t, root, "tests/disabled", `
test: ./t.sh
enabled: false
`)
	writeFMF(t, root, "tests/manual", `
test: ./t.sh
manual: true
`)
	writeFMF(t, root, "tests/story", `
story: as a user...
`)
	writeFMF(t, root, "tests/enabled", `
test: ./t.sh
`)

	plan, err := LoadPlan(root, "/plans/basic")
	require.NoError(t, err)
	require.Len(t, plan.Tests, 1)
	require.Equal(t, "/tests/enabled", plan.Tests[0].Name)
}

func TestLoadPlanTestFilterAndExclude(t *testing.T) {
	root := t.TempDir()
	writeFMF(t, root, "plans/basic", `
discover:
  - how: fmf
    test:
      - "^/tests/keep.*"
    exclude:
      - ".*drop$"
`)
	writeFMF(t, root, "tests/keepme", `test: ./t.sh`)
	writeFMF(t, root, "tests/keepdrop", `test: ./t.sh`)
	writeFMF(t, root, "tests/other", `test: ./t.sh`)

	plan, err := LoadPlan(root, "/plans/basic")
	require.NoError(t, err)
	require.Len(t, plan.Tests, 1)
	require.Equal(t, "/tests/keepme", plan.Tests[0].Name)
}

func TestLoadPlanTagFilter(t *testing.T) {
	root := t.TempDir()
	writeFMF(t, root, "plans/basic", `
discover:
  - how: fmf
    filter:
      - "tag:smoke"
`)
	writeFMF(t, root, "tests/a", `
test: ./t.sh
tag: [smoke]
`)
	writeFMF(t, root, "tests/b", `
test: ./t.sh
tag: [other]
`)

	plan, err := LoadPlan(root, "/plans/basic")
	require.NoError(t, err)
	require.Len(t, plan.Tests, 1)
	require.Equal(t, "/tests/a", plan.Tests[0].Name)
}

func TestLoadPlanChildInheritsParentMetadata(t *testing.T) {
	root := t.TempDir()
	writeFMF(t, root, "plans/basic", `
discover:
  - how: fmf
`)
	writeFMF(t, root, "tests", `
tag: [inherited]
`)
	writeFMF(t, root, "tests/child", `
test: ./t.sh
`)

	plan, err := LoadPlan(root, "/plans/basic")
	require.NoError(t, err)
	require.Len(t, plan.Tests, 1)
	require.True(t, plan.Tests[0].HasTag("inherited"))
}

func TestLoadPlanRejectsTestAsPlan(t *testing.T) {
	root := t.TempDir()
	writeFMF(t, root, "tests/one", `test: ./t.sh`)

	_, err := LoadPlan(root, "/tests/one")
	require.Error(t, err)
}

func TestLoadPlanMissingPlan(t *testing.T) {
	root := t.TempDir()
	writeFMF(t, root, "plans/basic", `discover: []`)

	_, err := LoadPlan(root, "/plans/nonexistent")
	require.Error(t, err)
}

func TestCombinePlatformsFiltersByContext(t *testing.T) {
	root := t.TempDir()
	writeFMF(t, root, "plans/basic", `
discover:
  - how: fmf
`)
	writeFMF(t, root, "tests/rhel-only", `
test: ./t.sh
distro: rhel-9
`)
	writeFMF(t, root, "tests/generic", `test: ./t.sh`)

	plans, err := CombinePlatforms(root, "/plans/basic", []Platform{
		{Distro: "rhel-9", Arch: "x86_64"},
		{Distro: "fedora-40", Arch: "x86_64"},
	})
	require.NoError(t, err)

	rhel := plans[Platform{Distro: "rhel-9", Arch: "x86_64"}]
	require.Len(t, rhel.Tests, 2)

	fedora := plans[Platform{Distro: "fedora-40", Arch: "x86_64"}]
	require.Len(t, fedora.Tests, 1)
	require.Equal(t, "/tests/generic", fedora.Tests[0].Name)
}
