package executor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/atex-project/atex/internal/lineio"
	"github.com/atex-project/atex/internal/reporter"
)

// testRun carries the mutable per-invocation state of one RunTest call:
// pending partial records keyed by subtest name (""  for the test itself),
// the live testout capture, and the Duration deadline. A single testRun
// survives across a reboot round-trip, since a rebooted test resumes the
// same logical run on a freshly spawned control stream.
type testRun struct {
	rep *reporter.Reporter
	dur *Duration

	pending     map[string]map[string]interface{}
	currentName string

	testoutFile    *os.File
	testoutCapture bool
	testoutClosed  bool

	rootEmitted  bool
	rebootQueued bool
}

func newTestRun(rep *reporter.Reporter, dur *Duration) (*testRun, error) {
	f, err := rep.OpenTestout()
	if err != nil {
		return nil, fmt.Errorf("executor: open testout: %w", err)
	}
	return &testRun{
		rep:         rep,
		dur:         dur,
		pending:     map[string]map[string]interface{}{},
		testoutFile: f,
	}, nil
}

func (tr *testRun) closeTestout() error {
	if tr.testoutClosed {
		return nil
	}
	tr.testoutClosed = true
	return tr.testoutFile.Close()
}

func (tr *testRun) recordFor(name string) map[string]interface{} {
	rec, ok := tr.pending[name]
	if !ok {
		rec = map[string]interface{}{}
		tr.pending[name] = rec
	}
	return rec
}

// pump reads and dispatches control frames from fd (already set
// non-blocking) until the source hits EOF or WouldBlock-forever due to
// process exit, returning once the underlying process has exited or a
// reboot frame was observed.
//
// exited reports whether the popen's process had already exited by the
// time pump stopped (vs. stopping because a reboot was requested).
func (tr *testRun) pump(fd int, exited func() bool, cancel <-chan struct{}) (rebooted bool, err error) {
	reader := lineio.New(fd, 1<<20, 1)
	for {
		select {
		case <-cancel:
			return false, fmt.Errorf("executor: cancelled")
		default:
		}
		if tr.dur.OutOfTime() {
			return false, &TestAbortedError{Msg: "test exceeded its duration"}
		}

		line, status, rerr := reader.Readline()
		if rerr != nil {
			return false, fmt.Errorf("executor: control read: %w", rerr)
		}
		switch status {
		case lineio.Ready:
			reboot, perr := tr.processLine(fd, line)
			if perr != nil {
				return false, perr
			}
			if reboot {
				return true, nil
			}
		case lineio.WouldBlock:
			if exited() {
				// The pipe had nothing more to read and the process has
				// exited: stop. A final unterminated chunk still held in
				// the reader's buffer is not a control frame and is
				// discarded; it is not written to testout.
				return false, nil
			}
			time.Sleep(20 * time.Millisecond)
		case lineio.EOF:
			return false, nil
		}
	}
}

// processLine dispatches one control-channel line: either a recognised
// control frame, or (if it doesn't parse as one) a plain line of the
// test's own output, captured live into testout.temp.
func (tr *testRun) processLine(fd int, line []byte) (reboot bool, err error) {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(line, &frame); err != nil {
		return false, tr.captureTestout(line)
	}

	if _, ok := frame["report"]; ok {
		return false, tr.handleReport(frame["report"])
	}
	if _, ok := frame["file"]; ok {
		return false, tr.handleFile(fd, frame["file"])
	}
	if _, ok := frame["duration"]; ok {
		return false, tr.handleDuration(frame["duration"])
	}
	if _, ok := frame["duration_save"]; ok {
		tr.dur.Save()
		return false, nil
	}
	if _, ok := frame["duration_restore"]; ok {
		tr.dur.Restore()
		return false, nil
	}
	if _, ok := frame["reboot"]; ok {
		tr.rebootQueued = true
		return true, nil
	}
	// Valid JSON but not a recognised control frame: treat as plain test
	// output, same as a non-JSON line.
	return false, tr.captureTestout(line)
}

func (tr *testRun) captureTestout(line []byte) error {
	tr.testoutCapture = true
	if _, err := tr.testoutFile.Write(append(append([]byte{}, line...), '\n')); err != nil {
		return fmt.Errorf("executor: write testout: %w", err)
	}
	return nil
}

func (tr *testRun) handleReport(raw json.RawMessage) error {
	var incoming map[string]interface{}
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return &BadReportJSONError{Msg: fmt.Sprintf("bad report JSON: %v", err)}
	}
	if to, ok := incoming["testout"]; ok {
		if s, ok := to.(string); ok && s == "" {
			return &BadReportJSONError{Msg: "'testout' specified, but empty"}
		}
	}

	name, _ := incoming["name"].(string)
	tr.currentName = name
	rec := tr.recordFor(name)
	mergeRecord(rec, incoming)

	partial, _ := incoming["partial"].(bool)
	if partial {
		return nil
	}

	delete(tr.pending, name)
	return tr.emit(name, rec)
}

func (tr *testRun) emit(name string, rec map[string]interface{}) error {
	if testout, ok := rec["testout"].(string); ok && testout != "" {
		if err := tr.rep.LinkTestout(testout, name); err != nil {
			return fmt.Errorf("executor: link testout: %w", err)
		}
	}
	if name == "" {
		tr.rootEmitted = true
	}
	return tr.rep.Report(rec)
}

func (tr *testRun) handleDuration(raw json.RawMessage) error {
	var d struct {
		Op    string `json:"op"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return &BadReportJSONError{Msg: fmt.Sprintf("bad duration frame: %v", err)}
	}
	switch d.Op {
	case "set":
		return tr.dur.Set(d.Value)
	case "add":
		return tr.dur.Increment(d.Value)
	case "sub":
		return tr.dur.Decrement(d.Value)
	default:
		return &BadReportJSONError{Msg: fmt.Sprintf("unknown duration op %q", d.Op)}
	}
}

func (tr *testRun) handleFile(fd int, raw json.RawMessage) error {
	var f struct {
		Name   string `json:"name"`
		Length int    `json:"length"`
		Append bool   `json:"append"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return &BadReportJSONError{Msg: fmt.Sprintf("bad file frame: %v", err)}
	}

	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if f.Append {
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	dest, err := tr.rep.OpenFile(f.Name, tr.currentName, flag)
	if err != nil {
		return fmt.Errorf("executor: open destination file %s: %w", f.Name, err)
	}
	defer dest.Close()

	if err := readExactInto(fd, f.Length, dest); err != nil {
		return err
	}

	appendFile(tr.recordFor(tr.currentName), f.Name, f.Length)
	return nil
}

// readExactInto copies exactly n bytes from the non-blocking fd to dst,
// reusing the same descriptor the control frame was just read from — safe
// because lineio with ReadLen=1 never reads a byte past the newline it
// returns, so the data channel's bytes are still sitting unread on fd.
func readExactInto(fd int, n int, dst io.Writer) error {
	buf := make([]byte, 32*1024)
	remaining := n
	for remaining > 0 {
		chunk := len(buf)
		if chunk > remaining {
			chunk = remaining
		}
		read, err := unix.Read(fd, buf[:chunk])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("executor: read data channel: %w", err)
		}
		if read == 0 {
			return &BadControlError{Msg: "EOF when reading data"}
		}
		if _, err := dst.Write(buf[:read]); err != nil {
			return fmt.Errorf("executor: write file data: %w", err)
		}
		remaining -= read
	}
	return nil
}
