package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func nullLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestLocalCmdSuccess(t *testing.T) {
	l := NewLocal(nullLogger())
	res, err := l.Cmd(context.Background(), []string{"echo", "hello"})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, string(res.Stdout), "hello")
}

func TestLocalCmdNonZeroExit(t *testing.T) {
	l := NewLocal(nullLogger())
	res, err := l.Cmd(context.Background(), []string{"sh", "-c", "exit 7"})
	require.NoError(t, err)
	require.Equal(t, 7, res.ExitCode)
}

func TestLocalCmdEmptyArgv(t *testing.T) {
	l := NewLocal(nullLogger())
	_, err := l.Cmd(context.Background(), nil)
	require.ErrorIs(t, err, errEmptyArgv)
}

func TestRunTermSendsSigtermOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLocal(nullLogger())

	done := make(chan struct{})
	var res *CmdResult
	var err error
	go func() {
		res, err = l.Cmd(ctx, []string{"sh", "-c", "trap 'exit 99' TERM; sleep 5"})
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("command did not terminate after SIGTERM")
	}
	require.NoError(t, err)
	require.Equal(t, 99, res.ExitCode)
}

func TestManagedSSHConnectNonBlockingWouldBlock(t *testing.T) {
	m := NewManagedSSH(SSHOptions{Hostname: "203.0.113.1", User: "root", Port: "22"}, "test", "/nonexistent/control-path-never-appears", nullLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := m.Connect(ctx, false)
	require.ErrorIs(t, err, ErrWouldBlock)

	_ = m.Disconnect()
}

func TestContainerExecLabel(t *testing.T) {
	c := NewContainerExec("", "mybox", nullLogger())
	require.Equal(t, "podman(mybox)", c.Label())
}

func TestStatelessSSHLabel(t *testing.T) {
	s := NewStatelessSSH(SSHOptions{Hostname: "h", User: "u", Port: "22"}, "dom0", nullLogger())
	require.Equal(t, "ssh(dom0)", s.Label())
}
