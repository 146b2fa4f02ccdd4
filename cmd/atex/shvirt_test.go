package main

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripDashDash(t *testing.T) {
	require.Equal(t, []string{"list", "domains"}, stripDashDash([]string{"--", "list", "domains"}))
	require.Equal(t, []string{"list"}, stripDashDash([]string{"list"}))
	require.Empty(t, stripDashDash(nil))
}

// writeFakeHelper writes a shell script that reads one JSON request line
// and echoes back a fixed reply, standing in for atex-virt-helper.
func writeFakeHelper(t *testing.T, reply string) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-helper.sh")
	script := "#!/bin/sh\nread -r _\necho '" + reply + "'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestShvirtReservationsPrintsAlignedColumns(t *testing.T) {
	helperPath := writeFakeHelper(t, `{"success":true,"domains":{"vm-1":"running","vm-22":"shutoff"}}`)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	origStdout := os.Stdout
	os.Stdout = w
	runErr := shvirtReservations("sh " + helperPath)
	os.Stdout = origStdout
	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)

	require.NoError(t, runErr)
	require.Equal(t, "vm-1   running\nvm-22  shutoff\n", string(out))
}

// The os.Exit(1) in shvirtVirsh cannot be observed in-process; this checks
// the unsuccessful helper reply that decision is taken on.
func TestShvirtVirshHelperReportsFailure(t *testing.T) {
	helperPath := writeFakeHelper(t, `{"success":false,"reply":"virsh: command not found"}`)
	channel, popen, err := openHelperChannel("sh " + helperPath)
	require.NoError(t, err)
	defer popen.Terminate()

	reply, err := channel.Virsh([]string{"list"})
	require.NoError(t, err)
	require.False(t, reply.Success)
	require.Equal(t, "virsh: command not found", reply.ReplyString())
}
