// Package transport implements the Connection abstraction (§4.3): a
// uniform command / file-sync interface over Local, ContainerExec,
// ManagedSSH and StatelessSSH backends.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Connect(block=false) when the connection
// is not ready yet (§4.3's ManagedSSH control-channel case).
var ErrWouldBlock = errors.New("transport: would block")

var errEmptyArgv = errors.New("transport: empty argv")

// CmdResult mirrors subprocess-like output: exit code, plus stdout and
// stderr captured separately.
type CmdResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Connection is the uniform interface every transport backend satisfies.
type Connection interface {
	// Connect establishes a persistent connection. If block is false and
	// the connection cannot be confirmed immediately, ErrWouldBlock is
	// returned and the Connection remains disconnected.
	Connect(ctx context.Context, block bool) error
	// Disconnect tears the connection down. Idempotent.
	Disconnect() error
	// Cmd runs argv on the remote, returning its exit code and its
	// separately captured stdout and stderr.
	Cmd(ctx context.Context, argv []string) (*CmdResult, error)
	// Rsync drives rsync(1) with an internally constructed remote-shell
	// option so callers never need to encode transport details in argv.
	Rsync(ctx context.Context, args ...string) (*CmdResult, error)
	// Label is a short human-readable identifier for logging.
	Label() string
}

// runTerm runs cmd to completion, sending SIGTERM (then, after a grace
// period, SIGKILL) if ctx is cancelled first. Grounded on vmshed's
// cmdRunTerm/handleTermination.
func runTerm(ctx context.Context, logger log.FieldLogger, cmd *exec.Cmd) (*CmdResult, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	complete := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			logger.Warnln("TERMINATING: sending SIGTERM")
			_ = cmd.Process.Signal(unix.SIGTERM)
			select {
			case <-time.After(10 * time.Second):
				logger.Errorln("TERMINATING: sending SIGKILL")
				_ = cmd.Process.Kill()
			case <-complete:
			}
		case <-complete:
		}
		close(finished)
	}()

	err := cmd.Wait()
	close(complete)
	<-finished

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return nil, err
	}

	return &CmdResult{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// rsyncArgsWithShell prepends the -e option that lets Rsync callers pass plain
// "remote:path" arguments without knowing transport details, per §4.3.
func rsyncArgsWithShell(shell string, args []string) []string {
	out := make([]string, 0, len(args)+2)
	if shell != "" {
		out = append(out, "-e", shell)
	}
	out = append(out, args...)
	return out
}

func connFmt(kind, label string) string {
	return fmt.Sprintf("%s(%s)", kind, label)
}

// buildCmd constructs an *exec.Cmd without binding it to ctx directly:
// runTerm owns graceful termination (SIGTERM then SIGKILL) instead of the
// abrupt kill exec.CommandContext would perform.
func buildCmd(argv []string) *exec.Cmd {
	return exec.Command(argv[0], argv[1:]...)
}
