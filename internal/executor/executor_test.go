package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atex-project/atex/internal/reporter"
	"github.com/atex-project/atex/internal/transport"
)

// writeTest creates an executable shell script under dir/name, returning the
// FMF-style test path ("/name") RunTest expects.
func writeTest(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return "/" + name
}

func newExecutor(t *testing.T, remoteDir string) (*Executor, *reporter.Reporter, string) {
	t.Helper()
	outDir := t.TempDir()
	rep := reporter.New(outDir, "results.json", "files")
	require.NoError(t, rep.Start())
	t.Cleanup(func() { _ = rep.Stop() })

	conn := transport.NewLocal(nil)
	e := New(conn, rep, Config{RemoteDir: remoteDir})
	return e, rep, outDir
}

func readResults(t *testing.T, outDir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(outDir, "results.json"))
	require.NoError(t, err)
	return string(data)
}

func runNoError(t *testing.T, e *Executor, testPath string) {
	t.Helper()
	_, err := e.RunTest(context.Background(), testPath, map[string]interface{}{"duration": "1m"})
	require.NoError(t, err)
}

func TestNoResultPassFallback(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `printf 'passing the script\n'
exit 0
`)
	e, _, outDir := newExecutor(t, dir)
	runNoError(t, e, testPath)

	results := readResults(t, outDir)
	require.JSONEq(t, `{"status":"pass","testout":"output.txt"}`, results)
	output, err := os.ReadFile(filepath.Join(outDir, "files", "output.txt"))
	require.NoError(t, err)
	require.Equal(t, "passing the script\n", string(output))
}

func TestNoResultFailFallback(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `printf 'failing the script\n'
exit 1
`)
	e, _, outDir := newExecutor(t, dir)
	runNoError(t, e, testPath)

	require.JSONEq(t, `{"status":"fail","testout":"output.txt"}`, readResults(t, outDir))
}

func TestTrivialReportedResult(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `echo '{"report":{"status":"pass"}}'
exit 1
`)
	e, _, outDir := newExecutor(t, dir)
	runNoError(t, e, testPath)

	// Reported result is preferred over exit code, and no fallback testout
	// is synthesised since the test produced a non-partial record itself.
	require.JSONEq(t, `{"status":"pass"}`, readResults(t, outDir))
	_, err := os.Stat(filepath.Join(outDir, "files", "output.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestSubtestThenRootResult(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `echo '{"report":{"status":"fail","name":"subtest"}}'
echo '{"report":{"status":"pass"}}'
exit 0
`)
	e, _, outDir := newExecutor(t, dir)
	runNoError(t, e, testPath)

	results := readResults(t, outDir)
	lines := splitLines(results)
	require.Len(t, lines, 2)
	require.JSONEq(t, `{"status":"fail","name":"subtest"}`, lines[0])
	require.JSONEq(t, `{"status":"pass"}`, lines[1])
}

func TestPartialMerging(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `echo '{"report":{"attr1":"value1","partial":true}}'
echo '{"report":{"status":"pass","attr2":"value2"}}'
exit 0
`)
	e, _, outDir := newExecutor(t, dir)
	runNoError(t, e, testPath)

	require.JSONEq(t, `{"status":"pass","attr1":"value1","attr2":"value2"}`, readResults(t, outDir))
}

func TestPartialDeleting(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `echo '{"report":{"attr1":"value1","partial":true}}'
echo '{"report":{"status":"pass","attr1":null}}'
exit 0
`)
	e, _, outDir := newExecutor(t, dir)
	runNoError(t, e, testPath)

	require.JSONEq(t, `{"status":"pass"}`, readResults(t, outDir))
}

func TestFileTransfer(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `printf '{"file":{"name":"some_file","length":5}}\n'
printf '12345'
printf '{"report":{"status":"pass"}}\n'
exit 0
`)
	e, _, outDir := newExecutor(t, dir)
	runNoError(t, e, testPath)

	require.JSONEq(t, `{"status":"pass","files":[{"name":"some_file","length":5}]}`, readResults(t, outDir))
	content, err := os.ReadFile(filepath.Join(outDir, "files", "some_file"))
	require.NoError(t, err)
	require.Equal(t, "12345", string(content))
}

func TestExplicitTestout(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `printf 'first line\nsecond line\n'
echo '{"report":{"status":"pass","testout":"here.txt"}}'
exit 0
`)
	e, _, outDir := newExecutor(t, dir)
	runNoError(t, e, testPath)

	require.JSONEq(t, `{"status":"pass","testout":"here.txt"}`, readResults(t, outDir))
	content, err := os.ReadFile(filepath.Join(outDir, "files", "here.txt"))
	require.NoError(t, err)
	require.Equal(t, "first line\nsecond line\n", string(content))
	_, err = os.Stat(filepath.Join(outDir, "files", "output.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestEmptyTestoutIsBadReportJSON(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `echo '{"report":{"status":"pass","testout":""}}'
exit 0
`)
	e, _, _ := newExecutor(t, dir)
	_, err := e.RunTest(context.Background(), testPath, map[string]interface{}{"duration": "1m"})
	require.Error(t, err)
	var target *BadReportJSONError
	require.ErrorAs(t, err, &target)
	require.Equal(t, "'testout' specified, but empty", target.Error())
}

func TestShortFileDataIsBadControl(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `printf '{"file":{"name":"some_file","length":5}}\n'
printf '12'
`)
	e, _, _ := newExecutor(t, dir)
	_, err := e.RunTest(context.Background(), testPath, map[string]interface{}{"duration": "1m"})
	require.Error(t, err)
	var target *BadControlError
	require.ErrorAs(t, err, &target)
	require.Equal(t, "EOF when reading data", target.Error())
}

func TestDurationExceededAborts(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `sleep 2
echo '{"report":{"status":"pass"}}'
`)
	e, _, _ := newExecutor(t, dir)
	start := time.Now()
	_, err := e.RunTest(context.Background(), testPath, map[string]interface{}{"duration": "0"})
	require.Error(t, err)
	var target *TestAbortedError
	require.ErrorAs(t, err, &target)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestRunTestReturnsExitCode(t *testing.T) {
	dir := t.TempDir()
	testPath := writeTest(t, dir, "t.sh", `echo '{"report":{"status":"fail"}}'
exit 3
`)
	e, _, _ := newExecutor(t, dir)
	exitCode, err := e.RunTest(context.Background(), testPath, map[string]interface{}{"duration": "1m"})
	require.NoError(t, err)
	require.Equal(t, 3, exitCode)
}

func TestUploadPrepareStepFailureIsTestSetupError(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	outDir := t.TempDir()
	rep := reporter.New(outDir, "results.json", "files")
	require.NoError(t, rep.Start())
	defer rep.Stop()

	conn := transport.NewLocal(nil)
	e := New(conn, rep, Config{
		RemoteDir:   dst,
		PrepareCmds: [][]string{{"sh", "-c", "echo 'Error: No match for argument: bogus' >&2; exit 1"}},
	})
	err := e.Upload(context.Background(), src)
	require.Error(t, err)
	var target *TestSetupError
	require.ErrorAs(t, err, &target)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
