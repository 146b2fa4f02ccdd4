package aggregator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newAggregator(t *testing.T) (*Aggregator, string, string) {
	t.Helper()
	root := t.TempDir()
	target := filepath.Join(root, "results.json")
	files := filepath.Join(root, "files")
	a := New(target, files)
	require.NoError(t, a.Start())
	t.Cleanup(func() { _ = a.Stop() })
	return a, target, files
}

func writeResultsFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readLines(t *testing.T, path string) [][]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out [][]interface{}
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		var tuple []interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &tuple))
		out = append(out, tuple)
	}
	return out
}

func TestStartRefusesExistingTarget(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "results.json")
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0o644))
	a := New(target, filepath.Join(root, "files"))
	require.Error(t, a.Start())
}

func TestStartRefusesExistingFilesDir(t *testing.T) {
	root := t.TempDir()
	files := filepath.Join(root, "files")
	require.NoError(t, os.MkdirAll(files, 0o755))
	a := New(filepath.Join(root, "results.json"), files)
	require.Error(t, a.Start())
}

func TestIngestTrivialResult(t *testing.T) {
	a, target, _ := newAggregator(t)
	src := t.TempDir()
	resultsFile := writeResultsFile(t, src, "results.json", `{"status":"pass"}`+"\n")
	testFiles := filepath.Join(src, "files")
	require.NoError(t, os.MkdirAll(testFiles, 0o755))

	require.NoError(t, a.Ingest("qemu-x86_64", "/results/foo", resultsFile, testFiles))

	lines := readLines(t, target)
	require.Len(t, lines, 1)
	require.Equal(t, []interface{}{"qemu-x86_64", "pass", "/results/foo", nil, []interface{}{}, nil}, lines[0])

	_, err := os.Stat(resultsFile)
	require.True(t, os.IsNotExist(err))
}

func TestIngestSubtestWithTestoutAndFiles(t *testing.T) {
	a, target, filesRoot := newAggregator(t)
	src := t.TempDir()
	resultsFile := writeResultsFile(t, src, "results.json",
		`{"status":"fail","name":"subtest","testout":"output.txt","files":[{"name":"some_file","length":5}]}`+"\n")
	testFiles := filepath.Join(src, "files")
	require.NoError(t, os.MkdirAll(testFiles, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(testFiles, "output.txt"), []byte("hi"), 0o644))

	require.NoError(t, a.Ingest("qemu-x86_64", "/results/foo", resultsFile, testFiles))

	lines := readLines(t, target)
	require.Len(t, lines, 1)
	require.Equal(t, []interface{}{
		"qemu-x86_64", "fail", "/results/foo", "subtest",
		[]interface{}{"output.txt", "some_file"}, nil,
	}, lines[0])

	dest := filepath.Join(filesRoot, "qemu-x86_64", "results", "foo")
	content, err := os.ReadFile(filepath.Join(dest, "output.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(content))
}

func TestIngestMultipleLinesPreserveOrder(t *testing.T) {
	a, target, _ := newAggregator(t)
	src := t.TempDir()
	resultsFile := writeResultsFile(t, src, "results.json",
		`{"status":"fail","name":"subtest"}`+"\n"+`{"status":"pass"}`+"\n")
	testFiles := filepath.Join(src, "files")
	require.NoError(t, os.MkdirAll(testFiles, 0o755))

	require.NoError(t, a.Ingest("qemu-x86_64", "/results/foo", resultsFile, testFiles))

	lines := readLines(t, target)
	require.Len(t, lines, 2)
	require.Equal(t, "subtest", lines[0][3])
	require.Nil(t, lines[1][3])
}

func TestIngestRefusesExistingDestination(t *testing.T) {
	a, _, filesRoot := newAggregator(t)
	dest := filepath.Join(filesRoot, "qemu-x86_64", "results", "foo")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	src := t.TempDir()
	resultsFile := writeResultsFile(t, src, "results.json", `{"status":"pass"}`+"\n")
	testFiles := filepath.Join(src, "files")
	require.NoError(t, os.MkdirAll(testFiles, 0o755))

	err := a.Ingest("qemu-x86_64", "/results/foo", resultsFile, testFiles)
	require.Error(t, err)
}

func TestIngestIsAllOrNothingOnBadLine(t *testing.T) {
	a, target, _ := newAggregator(t)
	src := t.TempDir()
	resultsFile := writeResultsFile(t, src, "results.json",
		`{"status":"pass"}`+"\n"+`not json`+"\n")
	testFiles := filepath.Join(src, "files")
	require.NoError(t, os.MkdirAll(testFiles, 0o755))

	err := a.Ingest("qemu-x86_64", "/results/foo", resultsFile, testFiles)
	require.Error(t, err)

	data, readErr := os.ReadFile(target)
	require.NoError(t, readErr)
	require.Empty(t, data)

	// nothing was consumed: the source results file is left untouched
	_, err = os.Stat(resultsFile)
	require.NoError(t, err)
}

func TestIngestEmptyFilesDirIsNotMoved(t *testing.T) {
	a, _, filesRoot := newAggregator(t)
	src := t.TempDir()
	resultsFile := writeResultsFile(t, src, "results.json", `{"status":"pass"}`+"\n")
	testFiles := filepath.Join(src, "files")
	require.NoError(t, os.MkdirAll(testFiles, 0o755))

	require.NoError(t, a.Ingest("qemu-x86_64", "/results/foo", resultsFile, testFiles))

	dest := filepath.Join(filesRoot, "qemu-x86_64", "results", "foo")
	_, err := os.Stat(dest)
	require.True(t, os.IsNotExist(err))
}

func TestIngestNoteField(t *testing.T) {
	a, target, _ := newAggregator(t)
	src := t.TempDir()
	resultsFile := writeResultsFile(t, src, "results.json", `{"status":"pass","note":"flaky"}`+"\n")
	testFiles := filepath.Join(src, "files")
	require.NoError(t, os.MkdirAll(testFiles, 0o755))

	require.NoError(t, a.Ingest("qemu-x86_64", "/results/foo", resultsFile, testFiles))

	lines := readLines(t, target)
	require.Equal(t, "flaky", lines[0][5])
}

func TestIngestConcurrentCallsAllLand(t *testing.T) {
	a, target, _ := newAggregator(t)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			src := t.TempDir()
			resultsFile := writeResultsFile(t, src, "results.json", `{"status":"pass"}`+"\n")
			testFiles := filepath.Join(src, "files")
			if err := os.MkdirAll(testFiles, 0o755); err != nil {
				errs <- err
				return
			}
			errs <- a.Ingest("qemu-x86_64", testNameFor(i), resultsFile, testFiles)
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	lines := readLines(t, target)
	require.Len(t, lines, n)
}

func testNameFor(i int) string {
	return "/results/test" + string(rune('a'+i))
}
