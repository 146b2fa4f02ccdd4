package main

import (
	"context"

	"github.com/atex-project/atex/internal/orchestrator"
	"github.com/atex-project/atex/internal/provisioner"
)

// provisionerAdapter bridges *provisioner.Provisioner's concrete
// GetRemote(ctx, block) (*provisioner.Remote, error) to
// orchestrator.Provisioner's GetRemote(ctx, block) (orchestrator.Remote,
// error) — Go has no covariant-return interface satisfaction, so this
// conversion has to happen somewhere, and the wiring layer is the only
// place that needs to know both concrete types.
type provisionerAdapter struct {
	*provisioner.Provisioner
}

func (a provisionerAdapter) GetRemote(ctx context.Context, block bool) (orchestrator.Remote, error) {
	r, err := a.Provisioner.GetRemote(ctx, block)
	if r == nil {
		return nil, err
	}
	return r, err
}
