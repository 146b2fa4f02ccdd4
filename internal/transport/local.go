package transport

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Local runs commands directly on the orchestrator host.
type Local struct {
	logger log.FieldLogger
}

// NewLocal creates a Local connection. Connect/Disconnect are no-ops: there
// is nothing to establish for the local host.
func NewLocal(logger log.FieldLogger) *Local {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Local{logger: logger}
}

func (l *Local) Connect(ctx context.Context, block bool) error { return nil }
func (l *Local) Disconnect() error                              { return nil }
func (l *Local) Label() string                                  { return "local" }

func (l *Local) Cmd(ctx context.Context, argv []string) (*CmdResult, error) {
	if len(argv) == 0 {
		return nil, errEmptyArgv
	}
	cmd := buildCmd(argv)
	return runTerm(ctx, l.logger, cmd)
}

func (l *Local) Rsync(ctx context.Context, args ...string) (*CmdResult, error) {
	argv := append([]string{"rsync"}, args...)
	return l.Cmd(ctx, argv)
}

func (l *Local) popen(argv []string) (*Popen, error) {
	if len(argv) == 0 {
		return nil, errEmptyArgv
	}
	return launch(buildCmd(argv))
}
