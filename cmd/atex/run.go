package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/nightlyone/lockfile"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atex-project/atex/internal/aggregator"
	"github.com/atex-project/atex/internal/config"
	"github.com/atex-project/atex/internal/fmf"
	"github.com/atex-project/atex/internal/orchestrator"
	"github.com/atex-project/atex/internal/provisioner"
	"github.com/atex-project/atex/internal/transport"
)

func runCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an FMF plan against every configured platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "atex.toml", "path to atex.toml")
	return cmd
}

// runRun wires a loaded Config into running Provisioners, resolved fmf
// Plans and an Aggregator, then drives an Orchestrator.ServeForever to
// completion, mirroring provisionAndExec/execTests' overall shape in
// vmshed/cmd/vmshed.go — but built from atex's own domain objects instead
// of vmshed's VM-pool-and-testGroup model.
func runRun(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("atex: %w", err)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("atex: create output dir: %w", err)
	}

	lock, err := lockfile.New(filepath.Join(cfg.OutputDir, "atex.lock"))
	if err != nil {
		return fmt.Errorf("atex: init lock: %w", err)
	}
	if err := lock.TryLock(); err != nil {
		return fmt.Errorf("atex: output dir %s is already in use by another atex run: %w", cfg.OutputDir, err)
	}
	defer lock.Unlock()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	provisioners := map[string]*provisioner.Provisioner{}
	var startedProvisioners []*provisioner.Provisioner
	defer func() {
		for _, p := range startedProvisioners {
			p.Stop()
		}
	}()

	for _, pool := range cfg.Pools {
		host, err := dialHost(pool.Host)
		if err != nil {
			return fmt.Errorf("atex: pool %s: %w", pool.Name, err)
		}
		reserveDelay, err := pool.ReserveDelayDuration()
		if err != nil {
			return fmt.Errorf("atex: pool %s: %w", pool.Name, err)
		}

		prov, err := provisioner.New(provisioner.Config{
			Host:         host,
			HelperArgv:   pool.HelperArgv,
			Image:        pool.Image,
			Pool:         pool.StoragePool,
			DomainFilter: pool.DomainFilter,
			DomainUser:   pool.DomainUser,
			DomainSSHKey: pool.DomainSSHKey,
			DomainHost:   pool.DomainHost,
			ReserveDelay: reserveDelay,
			ReserveName:  pool.ReserveName,
			Logger:       log.WithField("pool", pool.Name),
		})
		if err != nil {
			return fmt.Errorf("atex: pool %s: %w", pool.Name, err)
		}
		if err := prov.Start(); err != nil {
			return fmt.Errorf("atex: pool %s: start: %w", pool.Name, err)
		}
		startedProvisioners = append(startedProvisioners, prov)
		provisioners[pool.Name] = prov
	}

	resultsFile := filepath.Join(cfg.OutputDir, "results.json")
	filesDir := filepath.Join(cfg.OutputDir, "files")
	agg := aggregator.New(resultsFile, filesDir)
	if err := agg.Start(); err != nil {
		return fmt.Errorf("atex: start aggregator: %w", err)
	}
	defer agg.Stop()

	var specs []orchestrator.PlatformSpec
	for _, pl := range cfg.Platforms {
		plan, err := fmf.LoadPlan(cfg.FMFRoot, pl.Plan)
		if err != nil {
			return fmt.Errorf("atex: platform %s/%s: %w", pl.Distro, pl.Arch, err)
		}
		if _, ok := cfg.Pool(pl.Pool); !ok {
			return fmt.Errorf("atex: platform %s/%s: pool %q not found", pl.Distro, pl.Arch, pl.Pool)
		}
		prov := provisioners[pl.Pool]

		specs = append(specs, orchestrator.PlatformSpec{
			Platform:    fmf.Platform{Distro: pl.Distro, Arch: pl.Arch},
			Provisioner: provisionerAdapter{prov},
			Plan:        plan,
			FMFRoot:     cfg.FMFRoot,
			WorkDir:     filepath.Join(cfg.OutputDir, "scratch", pl.Distro+"-"+pl.Arch),
		})
	}

	for _, pl := range cfg.Platforms {
		pool, _ := cfg.Pool(pl.Pool)
		provisioners[pl.Pool].Provision(pool.Size)
	}

	o := orchestrator.New(agg, specs, orchestrator.Config{
		MaxReruns:       cfg.MaxReruns,
		RemoteDir:       cfg.RemoteDir,
		FallbackTestout: cfg.FallbackTestout,
		Logger:          log.StandardLogger(),
	})

	start := time.Now()
	if err := o.ServeForever(ctx); err != nil {
		return fmt.Errorf("atex: %w", err)
	}
	log.Infof("atex: run finished in %s", time.Since(start))

	if o.Errors.Len() > 0 {
		for _, e := range o.Errors.Errs() {
			log.WithError(e).Error("test run error")
		}
		return fmt.Errorf("atex: %d test run error(s)", o.Errors.Len())
	}
	return nil
}

func dialHost(h config.Host) (transport.Connection, error) {
	if h.Local || h.Address == "" {
		return transport.NewLocal(nil), nil
	}
	return transport.NewStatelessSSH(transport.SSHOptions{
		Hostname:     h.Address,
		User:         h.User,
		Port:         "22",
		IdentityFile: h.SSHKey,
	}, h.Address, nil), nil
}
