package reporter

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartCreatesLayoutAndStopCleansTestout(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "results.json", "files")
	require.NoError(t, r.Start())

	require.FileExists(t, filepath.Join(dir, "results.json"))
	require.FileExists(t, filepath.Join(dir, testoutName))
	require.DirExists(t, filepath.Join(dir, "files"))

	require.NoError(t, r.Stop())
	require.NoFileExists(t, filepath.Join(dir, testoutName))
}

func TestStartFailsIfResultsFileExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "results.json"), nil, 0o644))

	r := New(dir, "results.json", "files")
	require.Error(t, r.Start())
}

func TestReportWritesLineDelimitedJSON(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "results.json", "files")
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, r.Report(map[string]interface{}{"status": "pass", "name": "/t1"}))
	require.NoError(t, r.Report(map[string]interface{}{"status": "fail", "name": "/t2"}))

	f, err := os.Open(filepath.Join(dir, "results.json"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)
	require.JSONEq(t, `{"status":"pass","name":"/t1"}`, lines[0])
	require.JSONEq(t, `{"status":"fail","name":"/t2"}`, lines[1])
}

func TestOpenFileScopedUnderResultName(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "results.json", "files")
	require.NoError(t, r.Start())
	defer r.Stop()

	f, err := r.OpenFile("out.log", "subtest1", os.O_WRONLY|os.O_CREATE)
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.FileExists(t, filepath.Join(dir, "files", "subtest1", "out.log"))
}

func TestNormalizePathStripsTraversal(t *testing.T) {
	require.Equal(t, "etc/passwd", normalizePath("../../etc/passwd"))
	require.Equal(t, "etc/passwd", normalizePath("/etc/passwd"))
	require.Equal(t, ".", normalizePath(""))
	require.Equal(t, ".", normalizePath("../.."))
}

func TestLinkTestoutHardlinksCurrentContent(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, "results.json", "files")
	require.NoError(t, r.Start())
	defer r.Stop()

	to, err := r.OpenTestout()
	require.NoError(t, err)
	_, err = to.WriteString("passing\nOK\n")
	require.NoError(t, err)
	require.NoError(t, to.Close())

	require.NoError(t, r.LinkTestout("out.txt", ""))

	content, err := os.ReadFile(filepath.Join(dir, "files", "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "passing\nOK\n", string(content))
}
