// Package executor drives exactly one test on one Remote (§4.7): it
// uploads the test tree, runs plan prepare steps, executes the test
// wrapper, and interprets the control-frame protocol the wrapper speaks
// back over its own stdout — line-JSON control frames and, immediately
// following a "file" frame, a raw byte-exact data payload on the same
// descriptor (NonblockLineReader's ReadLen=1 guarantees no over-read past
// the frame's newline, so the two can safely share one pipe).
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/atex-project/atex/internal/reporter"
	"github.com/atex-project/atex/internal/transport"
)

// Config configures one Executor instance.
type Config struct {
	// RemoteDir is the well-known path the FMF test tree is rsynced to.
	RemoteDir string
	// PrepareCmds are plan "prepare" steps (package installs, scripts),
	// run in order via Connection.Cmd before the test itself.
	PrepareCmds [][]string
	// FallbackTestout names the file the live testout capture is bound to
	// when the test never specifies its own and a fallback result is
	// synthesised.
	FallbackTestout string
	// ReconnectBackoff is the wait between reconnect attempts after a
	// reboot frame, and the ceiling on how long reconnecting is retried.
	ReconnectBackoff time.Duration
	ReconnectTimeout time.Duration
	Logger           log.FieldLogger
}

func (c *Config) setDefaults() {
	if c.RemoteDir == "" {
		c.RemoteDir = "/var/tmp/atex-test"
	}
	if c.FallbackTestout == "" {
		c.FallbackTestout = "output.txt"
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = 2 * time.Second
	}
	if c.ReconnectTimeout == 0 {
		c.ReconnectTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = log.StandardLogger()
	}
}

// Executor drives one test on one Remote connection.
type Executor struct {
	conn transport.Connection
	rep  *reporter.Reporter
	cfg  Config
}

// New returns an Executor that will run tests over conn, reporting into rep.
func New(conn transport.Connection, rep *reporter.Reporter, cfg Config) *Executor {
	cfg.setDefaults()
	return &Executor{conn: conn, rep: rep, cfg: cfg}
}

// Upload rsyncs fmfRoot to the Remote's well-known test directory and runs
// any configured prepare steps. A prepare step whose output contains
// "No match" (a dnf/yum package-not-found signature) or that exits non-zero
// is surfaced as a TestSetupError; the test is never started.
func (e *Executor) Upload(ctx context.Context, fmfRoot string) error {
	e.cfg.Logger.WithField("remote_dir", e.cfg.RemoteDir).Debug("uploading test tree")
	if _, err := e.conn.Rsync(ctx, fmfRoot+"/", e.cfg.RemoteDir+"/"); err != nil {
		return &TestSetupError{Msg: fmt.Sprintf("rsync failed: %v", err)}
	}
	for _, argv := range e.cfg.PrepareCmds {
		e.cfg.Logger.WithField("argv", argv).Debug("running prepare step")
		res, err := e.conn.Cmd(ctx, argv)
		if err != nil {
			return &TestSetupError{Msg: fmt.Sprintf("prepare step %v: %v", argv, err)}
		}
		combined := string(res.Stdout) + string(res.Stderr)
		if strings.Contains(combined, "No match") {
			return &TestSetupError{Msg: fmt.Sprintf("prepare step %v: package not found", argv)}
		}
		if res.ExitCode != 0 {
			return &TestSetupError{Msg: fmt.Sprintf("prepare step %v exited %d", argv, res.ExitCode)}
		}
	}
	return nil
}

// RunTest executes testPath (an FMF test identifier, e.g. "/results/foo")
// on the Remote, relative to the uploaded test tree, enforcing the
// duration in fmfMeta["duration"] as the deadline.
//
// It returns the test process's own exit code alongside any error, since
// the Orchestrator's destructive() classification (§4.9) needs the exit
// code even to reason about a non-error completion (only {0,2} are
// considered safe); on an error return before the test process ever
// finished, exitCode is -1.
func (e *Executor) RunTest(ctx context.Context, testPath string, fmfMeta map[string]interface{}) (exitCode int, err error) {
	logger := e.cfg.Logger.WithField("test", testPath)
	durationStr, _ := fmfMeta["duration"].(string)
	if durationStr == "" {
		durationStr = "5m"
	}
	dur, err := NewDuration(durationStr)
	if err != nil {
		return -1, fmt.Errorf("executor: %w", err)
	}

	run, err := newTestRun(e.rep, dur)
	if err != nil {
		return -1, err
	}
	defer run.closeTestout()

	argv := e.testArgv(testPath)
	cancel := ctx.Done()

	var lastExit int
	for {
		popen, err := transport.StartPopen(e.conn, argv)
		if err != nil {
			return -1, fmt.Errorf("executor: spawn test: %w", err)
		}

		fd, err := popenFd(popen)
		if err != nil {
			return -1, err
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			return -1, fmt.Errorf("executor: set nonblocking: %w", err)
		}

		rebooted, perr := run.pump(fd, popen.Exited, cancel)
		if perr != nil {
			// Don't block this error return on the test process's own
			// exit (e.g. a deadline abort mid-sleep); let it wind down
			// in the background.
			go func() { _ = popen.Terminate() }()
			return -1, perr
		}

		if rebooted {
			logger.Info("test requested reboot, reconnecting")
			lastExit = 0
			if err := e.reconnectAfterReboot(ctx); err != nil {
				return -1, &TestAbortedError{Msg: fmt.Sprintf("reconnect after reboot failed: %v", err)}
			}
			run.rebootQueued = false
			continue
		}

		_ = popen.Terminate()
		lastExit = exitCodeOf(popen.WaitErr())
		// ssh(1) exits 255 specifically for connection-level failures,
		// distinct from the remote command's own exit code; without a
		// preceding reboot frame that means the transport dropped out
		// from under the test, not that the test finished.
		if lastExit == 255 {
			return lastExit, &TestAbortedError{Msg: "disconnect was not sent via test control"}
		}
		break
	}

	logger.WithField("exit_code", lastExit).Debug("test process finished")
	return lastExit, e.finalize(run, lastExit)
}

// finalize synthesises a fallback result if the test never reported a
// non-partial record for itself (§4.7).
func (e *Executor) finalize(run *testRun, exitCode int) error {
	if run.rootEmitted {
		return nil
	}

	status := "fail"
	if exitCode == 0 {
		status = "pass"
	}
	rec := run.recordFor("")
	if _, exists := rec["status"]; !exists {
		rec["status"] = status
	}
	if os.Getenv("ATEX_DEBUG_NO_EXITCODE") != "" {
		// Testing hook: suppress fallback result synthesis entirely.
		return nil
	}
	if run.testoutCapture {
		rec["testout"] = e.cfg.FallbackTestout
	}
	delete(run.pending, "")
	return run.emit("", rec)
}

// reconnectAfterReboot disconnects (if still connected) and reconnects with
// a fixed backoff, bounded by ReconnectTimeout.
func (e *Executor) reconnectAfterReboot(ctx context.Context) error {
	_ = e.conn.Disconnect()

	deadline := time.Now().Add(e.cfg.ReconnectTimeout)
	for {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.ReconnectBackoff)
		err := e.conn.Connect(cctx, true)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("reconnect timed out: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.ReconnectBackoff):
		}
	}
}

func (e *Executor) testArgv(testPath string) []string {
	rel := strings.TrimPrefix(testPath, "/")
	return []string{"sh", "-c", "cd " + shellQuote(e.cfg.RemoteDir) + " && exec ./" + shellQuote(rel)}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// popenFd extracts the underlying file descriptor from a Popen's Stdout.
// exec.Cmd.StdoutPipe returns an unexported wrapper type around *os.File
// (to make Close idempotent), not *os.File itself, so assert to the
// structural interface instead of the concrete type.
func popenFd(p *transport.Popen) (int, error) {
	f, ok := p.Stdout.(interface{ Fd() uintptr })
	if !ok {
		return 0, fmt.Errorf("executor: popen stdout is not a file descriptor")
	}
	return int(f.Fd()), nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
