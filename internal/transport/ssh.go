package transport

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// SSHOptions captures the OpenSSH client options the Provisioner computes
// for a reserved domain (§4.5 step 8): Hostname, User, Port, IdentityFile,
// plus tuning knobs for the passt/SLIRP boot race.
type SSHOptions struct {
	Hostname            string
	User                string
	Port                string
	IdentityFile        string
	ConnectionAttempts  string
	Compression         bool
	ExtraOptions        map[string]string
}

func (o SSHOptions) sshArgs() []string {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", fmt.Sprintf("Hostname=%s", o.Hostname),
		"-o", fmt.Sprintf("Port=%s", o.Port),
	}
	if o.User != "" {
		args = append(args, "-o", fmt.Sprintf("User=%s", o.User))
	}
	if o.IdentityFile != "" {
		args = append(args, "-o", fmt.Sprintf("IdentityFile=%s", o.IdentityFile))
	}
	if o.ConnectionAttempts != "" {
		args = append(args, "-o", fmt.Sprintf("ConnectionAttempts=%s", o.ConnectionAttempts))
	}
	if o.Compression {
		args = append(args, "-o", "Compression=yes")
	}
	for k, v := range o.ExtraOptions {
		args = append(args, "-o", fmt.Sprintf("%s=%s", k, v))
	}
	return args
}

// StatelessSSH opens a brand new SSH session for every Cmd call.
type StatelessSSH struct {
	opts   SSHOptions
	label  string
	logger log.FieldLogger
}

// NewStatelessSSH creates a StatelessSSH connection.
func NewStatelessSSH(opts SSHOptions, label string, logger log.FieldLogger) *StatelessSSH {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &StatelessSSH{opts: opts, label: label, logger: logger}
}

func (s *StatelessSSH) Connect(ctx context.Context, block bool) error {
	// Idempotent no-op: each Cmd() dials its own session, there is nothing
	// persistent to establish up front.
	return nil
}

func (s *StatelessSSH) Disconnect() error { return nil }
func (s *StatelessSSH) Label() string     { return connFmt("ssh", s.label) }

func (s *StatelessSSH) Cmd(ctx context.Context, argv []string) (*CmdResult, error) {
	if len(argv) == 0 {
		return nil, errEmptyArgv
	}
	full := append([]string{"ssh"}, s.opts.sshArgs()...)
	full = append(full, s.target(), "--")
	full = append(full, argv...)
	return runTerm(ctx, s.logger, buildCmd(full))
}

func (s *StatelessSSH) Rsync(ctx context.Context, args ...string) (*CmdResult, error) {
	shell := fmt.Sprintf("ssh %s", joinArgs(s.opts.sshArgs()))
	full := append([]string{"rsync"}, rsyncArgsWithShell(shell, args)...)
	return runTerm(ctx, s.logger, buildCmd(full))
}

func (s *StatelessSSH) target() string {
	return fmt.Sprintf("%s@%s", s.opts.User, s.opts.Hostname)
}

func (s *StatelessSSH) popen(argv []string) (*Popen, error) {
	if len(argv) == 0 {
		return nil, errEmptyArgv
	}
	full := append([]string{"ssh"}, s.opts.sshArgs()...)
	full = append(full, s.target(), "--")
	full = append(full, argv...)
	return launch(buildCmd(full))
}

// ManagedSSH maintains a single persistent OpenSSH ControlMaster channel;
// Cmd opens a new multiplexed session over it. Connect(block=false) fails
// with ErrWouldBlock if the control channel has not come up yet, per §4.3.
type ManagedSSH struct {
	opts        SSHOptions
	label       string
	logger      log.FieldLogger
	controlPath string

	mu        sync.Mutex
	connected bool
	master    *managedMaster
}

type managedMaster struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManagedSSH creates a ManagedSSH connection. controlPath is the
// ControlMaster socket path (typically under a per-run temp directory).
func NewManagedSSH(opts SSHOptions, label, controlPath string, logger log.FieldLogger) *ManagedSSH {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &ManagedSSH{opts: opts, label: label, logger: logger, controlPath: controlPath}
}

func (m *ManagedSSH) Label() string { return connFmt("managed-ssh", m.label) }

func (m *ManagedSSH) controlArgs() []string {
	return append(m.opts.sshArgs(),
		"-o", "ControlMaster=auto",
		"-o", fmt.Sprintf("ControlPath=%s", m.controlPath),
		"-o", "ControlPersist=yes",
	)
}

// Connect starts (or confirms) the background ControlMaster session.
func (m *ManagedSSH) Connect(ctx context.Context, block bool) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	masterCtx, cancel := context.WithCancel(context.Background())
	argv := append([]string{"ssh"}, m.controlArgs()...)
	argv = append(argv, "-N", m.target())
	cmd := buildCmd(argv)
	if err := cmd.Start(); err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	go func() {
		<-masterCtx.Done()
		_ = cmd.Process.Kill()
	}()
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := os.Stat(m.controlPath); err == nil {
			m.mu.Lock()
			m.connected = true
			m.master = &managedMaster{cancel: cancel, done: done}
			m.mu.Unlock()
			return nil
		}
		if !block {
			return ErrWouldBlock
		}
		if time.Now().After(deadline) {
			cancel()
			return fmt.Errorf("transport: control socket %s never appeared", m.controlPath)
		}
		select {
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (m *ManagedSSH) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	m.master.cancel()
	<-m.master.done
	m.connected = false
	m.master = nil
	return nil
}

func (m *ManagedSSH) Cmd(ctx context.Context, argv []string) (*CmdResult, error) {
	if len(argv) == 0 {
		return nil, errEmptyArgv
	}
	full := append([]string{"ssh"}, m.controlArgs()...)
	full = append(full, m.target(), "--")
	full = append(full, argv...)
	return runTerm(ctx, m.logger, buildCmd(full))
}

func (m *ManagedSSH) Rsync(ctx context.Context, args ...string) (*CmdResult, error) {
	shell := fmt.Sprintf("ssh %s", joinArgs(m.controlArgs()))
	full := append([]string{"rsync"}, rsyncArgsWithShell(shell, args)...)
	return runTerm(ctx, m.logger, buildCmd(full))
}

func (m *ManagedSSH) target() string {
	return fmt.Sprintf("%s@%s", m.opts.User, m.opts.Hostname)
}

func (m *ManagedSSH) popen(argv []string) (*Popen, error) {
	if len(argv) == 0 {
		return nil, errEmptyArgv
	}
	full := append([]string{"ssh"}, m.controlArgs()...)
	full = append(full, m.target(), "--")
	full = append(full, argv...)
	return launch(buildCmd(full))
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
