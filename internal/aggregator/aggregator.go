// Package aggregator implements the run-global results sink (§4.8): a
// thread-safe, append-only merge of per-test Reporter outputs into a single
// line-JSON output file, plus relocation of per-test uploaded-file trees
// into a shared per-platform/per-test directory structure.
package aggregator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	uuid "github.com/satori/go.uuid"
)

// resultRecord is one line of a per-test Reporter output file (§4.6/§4.7):
// status, optional subtest name, optional testout/note, optional files.
type resultRecord struct {
	Status  string `json:"status"`
	Name    string `json:"name"`
	Testout string `json:"testout"`
	Note    *string `json:"note"`
	Files   []struct {
		Name string `json:"name"`
	} `json:"files"`
}

// Aggregator collects ResultRecord lines from every test run in this atex
// invocation into target (a line-JSON file of fixed-schema arrays) and
// relocates each test's uploaded-file directory under files/<platform>/<test>.
//
// ingest is safe for concurrent use; start/stop are not meant to race with it.
type Aggregator struct {
	target string
	files  string

	mu         sync.Mutex
	targetFile *os.File
}

// New returns an Aggregator that will write target and populate files.
func New(target, files string) *Aggregator {
	return &Aggregator{target: target, files: files}
}

// Start refuses if target or files already exist, then creates both.
func (a *Aggregator) Start() error {
	if _, err := os.Stat(a.target); err == nil {
		return fmt.Errorf("aggregator: %s already exists", a.target)
	}
	f, err := os.OpenFile(a.target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("aggregator: create %s: %w", a.target, err)
	}
	a.targetFile = f

	if _, err := os.Stat(a.files); err == nil {
		return fmt.Errorf("aggregator: %s already exists", a.files)
	}
	if err := os.MkdirAll(a.files, 0o755); err != nil {
		return fmt.Errorf("aggregator: create %s: %w", a.files, err)
	}
	return nil
}

// Stop closes the target file. Idempotent.
func (a *Aggregator) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.targetFile == nil {
		return nil
	}
	err := a.targetFile.Close()
	a.targetFile = nil
	if err != nil {
		return fmt.Errorf("aggregator: close %s: %w", a.target, err)
	}
	return nil
}

// Ingest takes ownership of resultsFile and filesDir (a completed Executor
// task's Reporter output): it relocates uploaded files under
// files/<platform>/<test_name>, appends the translated AggregatedRecord
// lines to the run-global target, and unlinks resultsFile. Ingestion is
// all-or-nothing: resultsFile is parsed in full before any output is
// written, so a malformed line aborts the ingest with nothing changed.
func (a *Aggregator) Ingest(platform, testName, resultsFile, filesDir string) error {
	destDir := a.testFilesDest(platform, testName)
	if _, err := os.Stat(destDir); err == nil {
		return fmt.Errorf("aggregator: %s already exists for %s", destDir, testName)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("aggregator: stat %s: %w", destDir, err)
	}

	lines, err := parseResultsFile(resultsFile, platform, testName)
	if err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}

	a.mu.Lock()
	if a.targetFile == nil {
		a.mu.Unlock()
		return fmt.Errorf("aggregator: not started")
	}
	werr := writeAll(a.targetFile, lines)
	a.mu.Unlock()
	if werr != nil {
		return fmt.Errorf("aggregator: write %s: %w", a.target, werr)
	}

	if err := os.Remove(resultsFile); err != nil {
		return fmt.Errorf("aggregator: remove %s: %w", resultsFile, err)
	}

	empty, err := dirIsEmpty(filesDir)
	if err != nil {
		return fmt.Errorf("aggregator: stat %s: %w", filesDir, err)
	}
	if empty {
		return nil
	}
	if err := relocateDir(filesDir, destDir); err != nil {
		return fmt.Errorf("aggregator: move %s to %s: %w", filesDir, destDir, err)
	}
	return nil
}

// testFilesDest returns the destination directory for one test's uploaded
// files, namespaced by platform and a normalised (leading-slash-stripped)
// test name.
func (a *Aggregator) testFilesDest(platform, testName string) string {
	return filepath.Join(a.files, platform, strings.TrimPrefix(testName, "/"))
}

// parseResultsFile reads every line of resultsFile as a resultRecord and
// translates each into a serialised AggregatedRecord line, returning an
// error (touching no output) if any line fails to parse.
func parseResultsFile(path, platform, testName string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var rec resultRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		line, err := marshalAggregatedRecord(platform, testName, rec)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// marshalAggregatedRecord builds one line of the run-global output: a fixed
// positional array [platform, status, test_name, subtest_name, files, note].
// files is [testout] (if set) concatenated with the name of every uploaded
// file; a missing subtest name or note serialises as null.
func marshalAggregatedRecord(platform, testName string, rec resultRecord) ([]byte, error) {
	fileNames := make([]string, 0, len(rec.Files)+1)
	if rec.Testout != "" {
		fileNames = append(fileNames, rec.Testout)
	}
	for _, file := range rec.Files {
		fileNames = append(fileNames, file.Name)
	}

	var subtest interface{}
	if rec.Name != "" {
		subtest = rec.Name
	}
	var note interface{}
	if rec.Note != nil {
		note = *rec.Note
	}

	tuple := []interface{}{platform, rec.Status, testName, subtest, fileNames, note}
	line, err := json.Marshal(tuple)
	if err != nil {
		return nil, fmt.Errorf("marshal aggregated record: %w", err)
	}
	return append(line, '\n'), nil
}

func writeAll(f *os.File, lines [][]byte) error {
	for _, line := range lines {
		if _, err := f.Write(line); err != nil {
			return err
		}
	}
	return f.Sync()
}

func dirIsEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}

// relocateDir moves src to dst, taking ownership (mv, not cp) per §4.8.
// os.Rename is attempted first; if src and dst straddle different
// filesystems (common for a Provisioner-local staging dir vs. a shared
// output mount), it falls back to a recursive copy into a uniquely-named
// staging path beside dst, made visible by a final same-filesystem rename,
// followed by removing src — so a crash mid-copy never leaves a partial
// directory visible at dst.
func relocateDir(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return err
	}

	staging := dst + ".incoming-" + uuid.Must(uuid.NewV4()).String()
	if err := copyDir(src, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("copy %s to %s: %w", src, staging, err)
	}
	if err := os.Rename(staging, dst); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("rename staged copy into place: %w", err)
	}
	return os.RemoveAll(src)
}

func isCrossDevice(err error) bool {
	return strings.Contains(err.Error(), "cross-device") || strings.Contains(err.Error(), "invalid cross-device link")
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
