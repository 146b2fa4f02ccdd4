// Package config decodes the atex.toml run configuration: the hypervisor
// host connection, the domain pool an atex-virt-helper manages, the source
// image tests are cloned from, per-platform FMF plan selection, and
// scheduling knobs (SPEC_FULL §A), the way vmshed's cmd/vmshed.go decodes
// vms.toml/tests.toml.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Host names the machine atex-virt-helper is spawned on. Local means atex
// itself runs on the hypervisor; a non-empty Address means the helper is
// reached over a stateless SSH hop, mirroring provisioner.Config.Host.
type Host struct {
	Local   bool   `toml:"local"`
	Address string `toml:"address"`
	User    string `toml:"user"`
	SSHKey  string `toml:"ssh_key"`
}

// Pool names one libvirt domain pool an atex-virt-helper manages and the
// golden image Remotes are cloned from (§4.5).
type Pool struct {
	// Name identifies this pool in per-platform Platforms[].Pool references.
	Name string `toml:"name"`

	Host Host `toml:"host"`

	Image        string   `toml:"image"`
	StoragePool  string   `toml:"storage_pool"`
	DomainFilter string   `toml:"domain_filter"`
	DomainUser   string   `toml:"domain_user"`
	DomainSSHKey string   `toml:"domain_ssh_key"`
	DomainHost   string   `toml:"domain_host"`
	HelperArgv   []string `toml:"helper_argv"`

	// Size is how many Remotes this pool tries to keep reserved at once,
	// atex's equivalent of vmshed's --nvms concurrency cap.
	Size int `toml:"size"`

	// ReserveDelay is a Go duration string (e.g. "3s"), decoded by
	// ReserveDelayDuration; BurntSushi/toml has no native duration type.
	ReserveDelay string `toml:"reserve_delay"`
	ReserveName  string `toml:"reserve_name"`
}

// ReserveDelayDuration parses ReserveDelay, defaulting to 3s when unset.
func (p Pool) ReserveDelayDuration() (time.Duration, error) {
	if p.ReserveDelay == "" {
		return 3 * time.Second, nil
	}
	return time.ParseDuration(p.ReserveDelay)
}

// Platform binds one (distro, arch) pair to the Pool that provisions it and
// the FMF plan it runs, per §3's platform bucketing.
type Platform struct {
	Distro string `toml:"distro"`
	Arch   string `toml:"arch"`
	Pool   string `toml:"pool"`
	Plan   string `toml:"plan"`
}

// Config is the root of atex.toml.
type Config struct {
	// FMFRoot is the directory main.fmf nodes are read from, resolved
	// relative to the config file's own directory if given as a relative
	// path (matching vmSpecification.ProvisionFile's joinIfRel handling).
	FMFRoot string `toml:"fmf_root"`

	Pools     []Pool     `toml:"pool"`
	Platforms []Platform `toml:"platform"`

	// MaxReruns is the default rerun budget per test name (§4.9 step 4).
	MaxReruns int `toml:"max_reruns"`

	RemoteDir       string `toml:"remote_dir"`
	FallbackTestout string `toml:"fallback_testout"`

	// ReconnectBackoff/ReconnectTimeout are Go duration strings (§4.7's
	// reboot-reconnect window). Load validates them, but cmd/atex does not
	// pass them on: executors run with executor.Config's own defaults.
	ReconnectBackoff string `toml:"reconnect_backoff"`
	ReconnectTimeout string `toml:"reconnect_timeout"`

	OutputDir string `toml:"output_dir"`
}

// ReconnectBackoffDuration parses ReconnectBackoff, defaulting to 5s.
func (c *Config) ReconnectBackoffDuration() (time.Duration, error) {
	if c.ReconnectBackoff == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(c.ReconnectBackoff)
}

// ReconnectTimeoutDuration parses ReconnectTimeout, defaulting to 5m.
func (c *Config) ReconnectTimeoutDuration() (time.Duration, error) {
	if c.ReconnectTimeout == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(c.ReconnectTimeout)
}

// Load decodes path and resolves FMFRoot/OutputDir relative to the config
// file's own directory, then validates cross-references between Platforms
// and Pools.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	base := filepath.Dir(path)
	cfg.FMFRoot = joinIfRel(base, cfg.FMFRoot)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	cfg.OutputDir = joinIfRel(base, cfg.OutputDir)
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.FMFRoot == "" {
		return fmt.Errorf("config: fmf_root not given")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("config: no [[pool]] entries")
	}
	if len(c.Platforms) == 0 {
		return fmt.Errorf("config: no [[platform]] entries")
	}

	pools := make(map[string]Pool, len(c.Pools))
	for _, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("config: pool with empty name")
		}
		if _, dup := pools[p.Name]; dup {
			return fmt.Errorf("config: duplicate pool name %q", p.Name)
		}
		if p.Image == "" {
			return fmt.Errorf("config: pool %q: image not given", p.Name)
		}
		if p.DomainHost == "" {
			return fmt.Errorf("config: pool %q: domain_host not given", p.Name)
		}
		if p.DomainSSHKey == "" {
			return fmt.Errorf("config: pool %q: domain_ssh_key not given", p.Name)
		}
		if len(p.ReserveName) > 15 {
			return fmt.Errorf("config: pool %q: reserve_name %q exceeds 15 characters", p.Name, p.ReserveName)
		}
		if _, err := p.ReserveDelayDuration(); err != nil {
			return fmt.Errorf("config: pool %q: reserve_delay: %w", p.Name, err)
		}
		pools[p.Name] = p
	}

	if _, err := c.ReconnectBackoffDuration(); err != nil {
		return fmt.Errorf("config: reconnect_backoff: %w", err)
	}
	if _, err := c.ReconnectTimeoutDuration(); err != nil {
		return fmt.Errorf("config: reconnect_timeout: %w", err)
	}

	for _, pl := range c.Platforms {
		if pl.Distro == "" || pl.Arch == "" {
			return fmt.Errorf("config: platform entry missing distro/arch")
		}
		if pl.Plan == "" {
			return fmt.Errorf("config: platform %s/%s: plan not given", pl.Distro, pl.Arch)
		}
		if _, ok := pools[pl.Pool]; !ok {
			return fmt.Errorf("config: platform %s/%s: pool %q not defined", pl.Distro, pl.Arch, pl.Pool)
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.MaxReruns == 0 {
		c.MaxReruns = 1
	}
	if c.RemoteDir == "" {
		c.RemoteDir = "/var/tmp/atex-test"
	}
	if c.OutputDir == "" {
		c.OutputDir = "atex-results"
	}
	for i := range c.Pools {
		p := &c.Pools[i]
		if len(p.HelperArgv) == 0 {
			p.HelperArgv = []string{"atex-virt-helper"}
		}
		if p.StoragePool == "" {
			p.StoragePool = "default"
		}
		if p.DomainUser == "" {
			p.DomainUser = "root"
		}
		if p.Size <= 0 {
			p.Size = 1
		}
	}
}

// Pool looks up a pool by name, as every Platform entry references one.
func (c *Config) Pool(name string) (Pool, bool) {
	for _, p := range c.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return Pool{}, false
}

func joinIfRel(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
