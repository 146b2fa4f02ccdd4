// Package provisioner implements the Provisioner/Remote pool (§4.5): a
// background reserving goroutine claims libvirt domains from atex-virt-helper,
// clones an image onto them, boots them and hands out connected SSH Remotes.
package provisioner

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/atex-project/atex/internal/helper"
	"github.com/atex-project/atex/internal/transport"
)

// ErrReleased is returned by Remote.Connect after Release has run. Cmd,
// Rsync and Disconnect go straight to the wrapped Connection and do not
// check the released flag.
var ErrReleased = errors.New("provisioner: remote released, cannot connect")

// Remote is a reserved, connected machine handed out by GetRemote. It wraps
// a transport.Connection (always a ManagedSSH in shvirt's design) plus the
// release bookkeeping from §4.5 step 8.
type Remote struct {
	transport.Connection

	Host        string
	Domain      string
	SourceImage string

	mu        sync.Mutex
	released  bool
	onRelease func(*Remote)
}

// Connect refuses to proceed once the Remote has been released, matching
// SharedVirtRemote.connect's released-check under lock.
func (r *Remote) Connect(ctx context.Context, block bool) error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return ErrReleased
	}
	r.mu.Unlock()
	return r.Connection.Connect(ctx, block)
}

// Release disconnects the Remote and invokes its release hook exactly once.
func (r *Remote) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()

	_ = r.Connection.Disconnect()
	if r.onRelease != nil {
		r.onRelease(r)
	}
}

func (r *Remote) String() string {
	return fmt.Sprintf("Remote(%s, %s, %s)", r.Host, r.Domain, r.SourceImage)
}

// Config bundles what a Provisioner needs to talk to one libvirt host via
// atex-virt-helper and boot Remotes from a golden image, mirroring
// SharedVirtProvisioner's constructor arguments.
type Config struct {
	// Host is the Connection the helper process itself is spawned over
	// (Local if atex runs on the hypervisor, a ManagedSSH/StatelessSSH
	// otherwise).
	Host transport.Connection
	// HelperArgv is the atex-virt-helper command line, defaulting to
	// {"atex-virt-helper"}.
	HelperArgv []string

	Image        string
	Pool         string
	DomainFilter string
	DomainUser   string
	DomainSSHKey string
	// DomainHost is the address domains' forwarded SSH ports are reachable
	// on (the same host atex-virt-helper itself runs on).
	DomainHost string

	ReserveDelay time.Duration
	ReserveName  string

	Logger log.FieldLogger
}

func (c Config) validate() error {
	if c.DomainHost == "" {
		return errors.New("provisioner: DomainHost not given")
	}
	if c.Image == "" {
		return errors.New("provisioner: Image not given")
	}
	if c.DomainSSHKey == "" {
		return errors.New("provisioner: DomainSSHKey not given")
	}
	if len(c.ReserveName) > 15 {
		return fmt.Errorf("provisioner: ReserveName %q exceeds 15 characters", c.ReserveName)
	}
	return nil
}

// Provisioner maintains a pool of connected Remotes sized by an externally
// incremented to-reserve counter, with a single background reserving
// goroutine owning all pool side effects (§4.5).
type Provisioner struct {
	cfg    Config
	logger log.FieldLogger

	mu               sync.Mutex
	started          bool
	helperP          *transport.Popen
	channel          *helper.Channel
	toReserve        int
	remotes          []*Remote
	reservingRemotes map[*Remote]struct{}
	reservingAlive   bool

	cancel      chan struct{}
	reservingWG sync.WaitGroup

	fail error
	// cond is the wake-counter of §9's design note, implemented as a
	// condition variable over p.mu rather than a counting semaphore: a
	// successful reservation Signals one waiter, a reserving failure
	// Broadcasts so every GetRemote wakes and re-observes p.fail.
	cond *sync.Cond
}

// New validates cfg and returns an idle Provisioner; call Start to begin.
func New(cfg Config) (*Provisioner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(cfg.HelperArgv) == 0 {
		cfg.HelperArgv = []string{"atex-virt-helper"}
	}
	if cfg.Pool == "" {
		cfg.Pool = "default"
	}
	if cfg.DomainUser == "" {
		cfg.DomainUser = "root"
	}
	if cfg.ReserveDelay <= 0 {
		cfg.ReserveDelay = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	p := &Provisioner{
		cfg:              cfg,
		logger:           cfg.Logger,
		reservingRemotes: make(map[*Remote]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Start spawns the helper, pings it, optionally sets the reservation name,
// and resets the wake-counter for a fresh session (§4.5 start()). A second
// Start on an already-started Provisioner is a no-op; calling it again
// after Stop begins a genuinely fresh session.
func (p *Provisioner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	popen, err := transport.StartPopen(p.cfg.Host, p.cfg.HelperArgv)
	if err != nil {
		return fmt.Errorf("provisioner: spawn helper: %w", err)
	}
	channel := helper.New(popen, popen.Stdout)

	if _, err := channel.Ping(); err != nil {
		_ = popen.Terminate()
		return fmt.Errorf("provisioner: helper ping: %w", err)
	}
	if p.cfg.ReserveName != "" {
		reply, err := channel.SetName(p.cfg.ReserveName)
		if err != nil || !reply.Success {
			_ = popen.Terminate()
			return fmt.Errorf("provisioner: helper setname: %w", err)
		}
	}

	p.helperP = popen
	p.channel = channel
	p.cancel = make(chan struct{})
	p.fail = nil
	p.remotes = nil
	p.reservingRemotes = make(map[*Remote]struct{})
	p.toReserve = 0
	p.reservingAlive = false
	p.started = true
	return nil
}

// Stop signals the reserving goroutine to exit, joins it, releases every
// Remote and terminates the helper; idempotent. Terminating the helper is
// what actually frees every reservation on the hypervisor side, rather than
// depending on a possibly-corrupt stdio channel to deliver explicit
// cmd:release for each one.
func (p *Provisioner) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	helperP := p.helperP
	remotes := append([]*Remote(nil), p.remotes...)
	p.mu.Unlock()

	if cancel != nil {
		closeOnce(cancel)
	}
	p.reservingWG.Wait()

	for _, r := range remotes {
		r.Release()
	}

	if helperP != nil {
		_ = helperP.Terminate()
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Provision requests count additional machines, spawning the reserving
// goroutine if none is currently running.
func (p *Provisioner) Provision(count int) {
	p.mu.Lock()
	p.toReserve += count
	spawn := p.started && !p.reservingAlive && p.toReserve > 0
	if spawn {
		p.reservingAlive = true
	}
	p.mu.Unlock()

	if spawn {
		p.reservingWG.Add(1)
		go p.reserveWrapper()
	}
}

// GetRemote waits on the wake-counter (blocking or not); on wake it pops one
// Remote from reservingRemotes and returns it, or, if none is available,
// re-raises the stored reserving failure. Returns (nil, nil) if non-blocking
// and nothing is ready yet.
func (p *Provisioner) GetRemote(ctx context.Context, block bool) (*Remote, error) {
	if ctx.Done() != nil {
		// Let a cancelled/expired ctx interrupt a blocking Wait() by having
		// a companion goroutine Broadcast once it fires.
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-stop:
			}
		}()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		for r := range p.reservingRemotes {
			delete(p.reservingRemotes, r)
			return r, nil
		}
		if p.fail != nil {
			return nil, p.fail
		}
		if !block {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.cond.Wait()
	}
}

func (p *Provisioner) reserveWrapper() {
	defer p.reservingWG.Done()

	err := p.reserve()

	p.mu.Lock()
	p.reservingAlive = false
	if err != nil {
		p.fail = err
		p.reservingRemotes = make(map[*Remote]struct{})
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.WithError(err).Debug("reserve goroutine failed")
		// Decoupled from Stop(): we only record the failure and broadcast
		// here. Every later GetRemote returns p.fail; stopping the
		// Provisioner is left to its owner, avoiding the reentrant-lock
		// dependency the source relies on (§9).
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	} else {
		p.logger.Debug("reserve goroutine exited cleanly")
	}
}

// reserve is the reserving-task body (§4.5 steps 1-11). It loops while
// to_reserve > 0 and the cancel signal is unset.
func (p *Provisioner) reserve() error {
	for {
		p.mu.Lock()
		toReserve := p.toReserve
		cancel := p.cancel
		p.mu.Unlock()

		if toReserve <= 0 {
			return nil
		}

		select {
		case <-cancel:
			return nil
		default:
		}

		if p.helperP.Exited() {
			return fmt.Errorf("provisioner: helper not running: %w", p.helperP.WaitErr())
		}

		reply, err := p.channel.Reserve(p.cfg.DomainFilter)
		if err != nil {
			return fmt.Errorf("provisioner: reserve: %w", err)
		}
		if !reply.Success {
			if reply.ReplyString() == "no domain could be reserved" {
				if waitOrCancel(p.cfg.ReserveDelay, cancel) {
					return nil
				}
				continue
			}
			return fmt.Errorf("provisioner: reserve failed: %s", reply.ReplyString())
		}

		domain := reply.Domain
		p.logger.Debugf("reserved domain %s", domain)

		if _, err := p.channel.Virsh([]string{"destroy", domain}); err != nil {
			return fmt.Errorf("provisioner: virsh destroy: %w", err)
		}

		if reply, err := p.channel.VolCopy(p.cfg.Pool, p.cfg.Image, domain); err != nil || !reply.Success {
			return fmt.Errorf("provisioner: vol-copy %s to %s failed: %v %s", p.cfg.Image, domain, err, reply.ReplyString())
		}
		p.logger.Debugf("vol-copied %s to %s", p.cfg.Image, domain)

		port, err := p.dumpPortForward(domain)
		if err != nil {
			return err
		}

		if reply, err := p.channel.Virsh([]string{"start", domain}); err != nil || !reply.Success {
			return fmt.Errorf("provisioner: virsh start %s failed: %v %s", domain, err, reply.ReplyString())
		}
		p.logger.Debugf("started up %s", domain)

		remote := p.newRemote(domain, port)

		p.logger.Debugf("waiting for sshd on %s", remote)
		if !waitForSSHD(p.cfg.DomainHost, port, cancel) {
			return nil
		}

		if err := p.connectWithRetry(remote, cancel); err != nil {
			remote.Release()
			return err
		}

		p.mu.Lock()
		p.remotes = append(p.remotes, remote)
		p.reservingRemotes[remote] = struct{}{}
		p.toReserve--
		p.cond.Signal()
		p.mu.Unlock()

		if waitOrCancel(p.cfg.ReserveDelay, cancel) {
			return nil
		}
	}
}

func (p *Provisioner) dumpPortForward(domain string) (int, error) {
	reply, err := p.channel.Virsh([]string{
		"dumpxml", domain, "--xpath",
		"//devices/interface[backend/@type='passt']/portForward/range",
	})
	output := reply.ReplyString()
	if err != nil || !reply.Success {
		return 0, fmt.Errorf("provisioner: virsh dumpxml %s failed: %v %s", domain, err, output)
	}
	return parsePortForwardRange(output)
}

type portForwardRange struct {
	XMLName xml.Name `xml:"range"`
	Start   string   `xml:"start,attr"`
}

// parsePortForwardRange extracts the forwarded SSH port from the first
// <range start="..."/> element in virsh dumpxml's --xpath output, which may
// contain more than one <range> line if several ranges match.
func parsePortForwardRange(output string) (int, error) {
	firstLine := output
	if idx := indexNewline(output); idx != -1 {
		firstLine = output[:idx]
	}
	var r portForwardRange
	if err := xml.Unmarshal([]byte(firstLine), &r); err != nil {
		return 0, fmt.Errorf("provisioner: parsing portForward range: %w", err)
	}
	if r.Start == "" {
		return 0, errors.New("provisioner: portForward range has no start attribute")
	}
	var port int
	if _, err := fmt.Sscanf(r.Start, "%d", &port); err != nil {
		return 0, fmt.Errorf("provisioner: portForward start %q not numeric: %w", r.Start, err)
	}
	return port, nil
}

func indexNewline(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

func (p *Provisioner) newRemote(domain string, port int) *Remote {
	opts := transport.SSHOptions{
		Hostname:           p.cfg.DomainHost,
		User:               p.cfg.DomainUser,
		Port:               fmt.Sprintf("%d", port),
		IdentityFile:       absPath(p.cfg.DomainSSHKey),
		ConnectionAttempts: "1000",
		Compression:        true,
	}
	controlPath := filepath.Join("/tmp", fmt.Sprintf("atex-ssh-%s.sock", domain))
	conn := transport.NewManagedSSH(opts, domain, controlPath, p.logger)

	remote := &Remote{
		Connection:  conn,
		Host:        p.cfg.DomainHost,
		Domain:      domain,
		SourceImage: p.cfg.Image,
	}
	remote.onRelease = func(r *Remote) {
		p.mu.Lock()
		for i, existing := range p.remotes {
			if existing == r {
				p.remotes = append(p.remotes[:i], p.remotes[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		if reply, err := p.channel.Release(r.Domain); err != nil || !reply.Success {
			p.logger.WithError(err).Warnf("release of domain %s did not confirm success", r.Domain)
		}
	}
	return remote
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// connectWithRetry retries Remote.Connect(block=false) on both WouldBlock
// and transport-level connect failures: passt/SLIRP accepts the TCP
// connection before guest sshd is actually listening, which confuses the
// SSH client into a kex disconnect. Budget is ~5 minutes (3000 * 100ms).
func (p *Provisioner) connectWithRetry(remote *Remote, cancel <-chan struct{}) error {
	const maxRetries = 3000
	retries := 0
	for {
		if waitOrCancel(100*time.Millisecond, cancel) {
			return errors.New("provisioner: cancelled while connecting")
		}

		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		err := remote.Connect(ctx, false)
		done()

		if err == nil {
			return nil
		}
		// WouldBlock and connect failures both count against the budget.
		retries++
		if retries > maxRetries {
			return fmt.Errorf("provisioner: connect to %s exhausted retries: %w", remote.Domain, err)
		}
	}
}
