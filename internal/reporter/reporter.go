// Package reporter implements the per-test results sink (§4.6): a
// line-delimited JSON results file, a files directory mirroring subtest
// names, and a testout.temp hardlink target for live stdout/stderr capture.
package reporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// testoutName is the internal file hardlinked to testout-JSON-key-specified
// result entries, deleted on Stop.
const testoutName = "testout.temp"

// Reporter collects ResultRecord lines for one test, persisting them and any
// uploaded files under outputDir. Writes within one Reporter are
// single-writer and need no internal lock (§5); Report and Stop still
// share a mutex over the results file handle.
type Reporter struct {
	outputDir   string
	resultsPath string
	filesDir    string
	testoutPath string

	mu          sync.Mutex
	resultsFile *os.File
}

// New returns a Reporter that will write resultsFile and a filesDir
// subdirectory inside outputDir.
func New(outputDir, resultsFile, filesDir string) *Reporter {
	return &Reporter{
		outputDir:   outputDir,
		resultsPath: filepath.Join(outputDir, resultsFile),
		filesDir:    filepath.Join(outputDir, filesDir),
		testoutPath: filepath.Join(outputDir, testoutName),
	}
}

// Start creates outputDir (if missing), then the results file, files
// directory and testout.temp, failing if any of those three already exists.
func (r *Reporter) Start() error {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return fmt.Errorf("reporter: create output dir: %w", err)
	}
	if _, err := os.Stat(r.resultsPath); err == nil {
		return fmt.Errorf("reporter: %s already exists", r.resultsPath)
	}
	f, err := os.OpenFile(r.resultsPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("reporter: create results file: %w", err)
	}
	r.resultsFile = f

	if _, err := os.Stat(r.testoutPath); err == nil {
		return fmt.Errorf("reporter: %s already exists", r.testoutPath)
	}
	touch, err := os.OpenFile(r.testoutPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("reporter: create testout file: %w", err)
	}
	touch.Close()

	if _, err := os.Stat(r.filesDir); err == nil {
		return fmt.Errorf("reporter: %s already exists", r.filesDir)
	}
	if err := os.Mkdir(r.filesDir, 0o755); err != nil {
		return fmt.Errorf("reporter: create files dir: %w", err)
	}
	return nil
}

// Stop closes the results file and removes testout.temp. Idempotent.
func (r *Reporter) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resultsFile != nil {
		_ = r.resultsFile.Close()
		r.resultsFile = nil
	}
	if err := os.Remove(r.testoutPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reporter: remove testout file: %w", err)
	}
	return nil
}

// Report appends one JSON-encoded result line, flushing immediately so a
// crash doesn't lose previously reported records.
func (r *Reporter) Report(record map[string]interface{}) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("reporter: marshal result: %w", err)
	}
	encoded = append(encoded, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resultsFile == nil {
		return fmt.Errorf("reporter: not started")
	}
	if _, err := r.resultsFile.Write(encoded); err != nil {
		return fmt.Errorf("reporter: write result: %w", err)
	}
	return r.resultsFile.Sync()
}

// destPath returns the path under filesDir for fileName, scoped to
// resultName when given (a subtest producing its own nested files), after
// normalizing both components and creating parent directories.
func (r *Reporter) destPath(fileName, resultName string) (string, error) {
	scope := "."
	if resultName != "" {
		scope = normalizePath(resultName)
	}
	full := filepath.Join(r.filesDir, scope, normalizePath(fileName))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("reporter: mkdir for %s: %w", full, err)
	}
	return full, nil
}

// OpenFile opens fileName (creating it) for file upload data, scoped under
// resultName if the file belongs to a subtest rather than the test itself.
func (r *Reporter) OpenFile(fileName, resultName string, flag int) (*os.File, error) {
	path, err := r.destPath(fileName, resultName)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reporter: open %s: %w", path, err)
	}
	return f, nil
}

// OpenTestout opens testout.temp for append, used to mirror live test
// stdout/stderr as it streams in over the control protocol.
func (r *Reporter) OpenTestout() (*os.File, error) {
	f, err := os.OpenFile(r.testoutPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reporter: open testout: %w", err)
	}
	return f, nil
}

// LinkTestout hardlinks testout.temp's current content as fileName, scoped
// under resultName, letting every reported testout reference the same
// growing file without copying it.
func (r *Reporter) LinkTestout(fileName, resultName string) error {
	path, err := r.destPath(fileName, resultName)
	if err != nil {
		return err
	}
	if err := os.Link(r.testoutPath, path); err != nil {
		return fmt.Errorf("reporter: link testout to %s: %w", path, err)
	}
	return nil
}

// normalizePath strips leading path separators and ".." components so a
// maliciously- or buggily-reported file name can never escape filesDir.
func normalizePath(p string) string {
	p = filepath.ToSlash(p)
	parts := strings.Split(p, "/")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		clean = append(clean, part)
	}
	if len(clean) == 0 {
		return "."
	}
	return filepath.Join(clean...)
}
