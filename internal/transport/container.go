package transport

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ContainerExec runs commands inside a named container via `<engine> exec`,
// grounded on original_source's connection/podman.py.
type ContainerExec struct {
	engine string // "podman" or "docker"
	name   string
	logger log.FieldLogger
}

// NewContainerExec creates a ContainerExec bound to an already-running
// container. engine defaults to "podman" when empty.
func NewContainerExec(engine, name string, logger log.FieldLogger) *ContainerExec {
	if engine == "" {
		engine = "podman"
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &ContainerExec{engine: engine, name: name, logger: logger}
}

// Connect verifies the container is running. Podman containers are always
// "connected" once started, so this is a cheap inspect call.
func (c *ContainerExec) Connect(ctx context.Context, block bool) error {
	res, err := c.runRaw(ctx, []string{c.engine, "inspect", "--format", "{{.State.Running}}", c.name})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("transport: container %s not found: %s", c.name, res.Stderr)
	}
	if strings.TrimSpace(string(res.Stdout)) != "true" {
		return fmt.Errorf("transport: container %s is not running", c.name)
	}
	return nil
}

func (c *ContainerExec) Disconnect() error { return nil }
func (c *ContainerExec) Label() string     { return connFmt(c.engine, c.name) }

func (c *ContainerExec) Cmd(ctx context.Context, argv []string) (*CmdResult, error) {
	if len(argv) == 0 {
		return nil, errEmptyArgv
	}
	full := append([]string{c.engine, "exec", "-i", c.name}, argv...)
	return c.runRaw(ctx, full)
}

func (c *ContainerExec) Rsync(ctx context.Context, args ...string) (*CmdResult, error) {
	shell := fmt.Sprintf("%s exec -i", c.engine)
	argv := append([]string{"rsync"}, rsyncArgsWithShell(shell, args)...)
	return c.runRaw(ctx, argv)
}

func (c *ContainerExec) runRaw(ctx context.Context, argv []string) (*CmdResult, error) {
	cmd := buildCmd(argv)
	return runTerm(ctx, c.logger, cmd)
}

func (c *ContainerExec) popen(argv []string) (*Popen, error) {
	if len(argv) == 0 {
		return nil, errEmptyArgv
	}
	full := append([]string{c.engine, "exec", "-i", c.name}, argv...)
	return launch(buildCmd(full))
}
