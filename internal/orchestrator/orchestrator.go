// Package orchestrator implements the outer scheduling loop (§4.9): it asks
// each platform's Provisioner for Remotes, picks the next test to run on
// each one via a pluggable policy, dispatches Executor tasks through a
// taskqueue.Queue, and feeds finished tests through the Aggregator while
// deciding whether the Remote survived (and the test needs a rerun).
//
// original_source/atex/orchestrator/adhoc.py (AdHocOrchestrator, the class
// ContestOrchestrator subclasses for serve_once/SetupInfo/FinishedInfo) is
// referenced by __init__.py and contest.py but is not present in
// original_source/ — this package's ServeOnce, SetupInfo and FinishedInfo
// are therefore designed from §4.9's textual description, in the same
// invent-and-document spirit as internal/executor's control-frame protocol.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rck/errorlog"
	log "github.com/sirupsen/logrus"

	"github.com/atex-project/atex/internal/aggregator"
	"github.com/atex-project/atex/internal/executor"
	"github.com/atex-project/atex/internal/fmf"
	"github.com/atex-project/atex/internal/reporter"
	"github.com/atex-project/atex/internal/taskqueue"
	"github.com/atex-project/atex/internal/transport"
)

// Remote is the surface ServeOnce needs from a reserved machine —
// satisfied by *provisioner.Remote, keeping this package free of a
// compile-time dependency on internal/provisioner so it can be driven by
// fakes in tests.
type Remote interface {
	transport.Connection
	Release()
	String() string
}

// Provisioner is the surface ServeOnce needs from a Remote pool.
// *provisioner.Provisioner does not satisfy it directly (its GetRemote
// returns *provisioner.Remote); cmd/atex wraps it in provisionerAdapter.
type Provisioner interface {
	Provision(count int)
	GetRemote(ctx context.Context, block bool) (Remote, error)
}

// SetupInfo marks a Remote that has never run a test, mirroring
// AdHocOrchestrator.SetupInfo as referenced by contest.py's next_test type
// dispatch (`type(previous) is AdHocOrchestrator.SetupInfo`).
type SetupInfo struct {
	Remote Remote
}

// FinishedInfo carries the outcome of the most recently completed test on
// a Remote, mirroring AdHocOrchestrator.FinishedInfo.
type FinishedInfo struct {
	Remote   Remote
	TestName string
	ExitCode int
	Err      error
}

// NextTestFunc implements next_test()'s pluggable test-selection policy
// (§4.9). previous is either a *SetupInfo or a *FinishedInfo, mirroring
// contest.py's dispatch on the previous run's class.
type NextTestFunc func(toRun []string, allTests map[string]fmf.TestDescriptor, previous interface{}) string

// DestructiveFunc implements destructive()'s pluggable policy.
type DestructiveFunc func(info FinishedInfo, test fmf.TestDescriptor) bool

// calculateGuestTag is ported from contest.py's calculate_guest_tag, itself
// copy/pasted there from the Contest suite's lib/virt.py.
func calculateGuestTag(tags []string) string {
	has := func(tag string) bool {
		for _, t := range tags {
			if t == tag {
				return true
			}
		}
		return false
	}
	if !has("snapshottable") {
		return ""
	}
	name := "default"
	if has("with-gui") {
		name += "_gui"
	}
	if has("uefi") {
		name += "_uefi"
	}
	if has("fips") {
		name += "_fips"
	}
	return name
}

// ContestNextTest is the Contest-suite-specialised next_test() policy
// (§4.9), ported from ContestOrchestrator.next_test: prefer a destructive
// test on a fresh Remote, else prefer snapshot-affinity by guest tag, else
// maximise (extra-priority, duration).
func ContestNextTest(toRun []string, allTests map[string]fmf.TestDescriptor, previous interface{}) string {
	switch p := previous.(type) {
	case *SetupInfo:
		for _, name := range toRun {
			if allTests[name].HasTag("destructive") {
				return name
			}
		}
	case *FinishedInfo:
		finishedGuestTag := calculateGuestTag(allTests[p.TestName].Tags)
		if finishedGuestTag != "" {
			for _, name := range toRun {
				if calculateGuestTag(allTests[name].Tags) == finishedGuestTag {
					return name
				}
			}
		}
	}

	best := toRun[0]
	bestPriority, bestDuration := priorityDuration(allTests[best])
	for _, name := range toRun[1:] {
		priority, duration := priorityDuration(allTests[name])
		if priority > bestPriority || (priority == bestPriority && duration > bestDuration) {
			best, bestPriority, bestDuration = name, priority, duration
		}
	}
	return best
}

func priorityDuration(t fmf.TestDescriptor) (int, time.Duration) {
	if t.Duration == "" {
		return t.ExtraPriority, 0
	}
	d, err := executor.ParseDuration(t.Duration)
	if err != nil {
		return t.ExtraPriority, 0
	}
	return t.ExtraPriority, d
}

// ContestDestructive is ported from ContestOrchestrator.destructive: an
// Executor-surfaced failure, an exit code outside {0, 2}, or a
// destructive-tagged test all mean the Remote can no longer be trusted.
func ContestDestructive(info FinishedInfo, test fmf.TestDescriptor) bool {
	if info.Err != nil {
		return true
	}
	if info.ExitCode != 0 && info.ExitCode != 2 {
		return true
	}
	return test.HasTag("destructive")
}

// Config configures an Orchestrator for one run.
type Config struct {
	NextTest    NextTestFunc
	Destructive DestructiveFunc
	// MaxReruns is the default number of times a failed/aborted test may
	// be re-queued, per original_source's ContestOrchestrator(max_reruns=1).
	MaxReruns int
	// RemoteDir and FallbackTestout are forwarded to every Executor.Config.
	RemoteDir       string
	FallbackTestout string
	Logger          log.FieldLogger
}

func (c *Config) setDefaults() {
	if c.NextTest == nil {
		c.NextTest = ContestNextTest
	}
	if c.Destructive == nil {
		c.Destructive = ContestDestructive
	}
	if c.MaxReruns == 0 {
		c.MaxReruns = 1
	}
	if c.Logger == nil {
		c.Logger = log.StandardLogger()
	}
}

// PlatformSpec is one platform's share of a run: its Provisioner, the
// resolved Plan to draw tests from, the fmf tree the tests live under, and
// a scratch directory for per-attempt Reporter output ahead of
// aggregation.
type PlatformSpec struct {
	Platform    fmf.Platform
	Provisioner Provisioner
	Plan        *fmf.Plan
	FMFRoot     string
	WorkDir     string
}

// pendingRemote is a Remote the Orchestrator currently holds but hasn't
// yet assigned a test to (or released), tagged with the "previous" value
// next_test() should see when choosing what to run on it next.
type pendingRemote struct {
	remote   Remote
	previous interface{}
}

// platformState is one PlatformSpec's live scheduling state.
type platformState struct {
	spec     PlatformSpec
	allTests map[string]fmf.TestDescriptor
	prepare  [][]string
	tasks    *taskqueue.Queue

	mu       sync.Mutex
	queue    []string
	pending  []pendingRemote
	attempts map[string]int
}

func newPlatformState(spec PlatformSpec) *platformState {
	allTests := make(map[string]fmf.TestDescriptor, len(spec.Plan.Tests))
	queue := make([]string, 0, len(spec.Plan.Tests))
	for _, td := range spec.Plan.Tests {
		allTests[td.Name] = td
		queue = append(queue, td.Name)
	}
	return &platformState{
		spec:     spec,
		allTests: allTests,
		prepare:  prepareArgv(spec.Plan),
		tasks:    taskqueue.New(),
		queue:    queue,
		attempts: map[string]int{},
	}
}

// prepareArgv translates a Plan's prepare packages/scripts into the argv
// list Executor.Config.PrepareCmds expects: one combined package-manager
// install (if any packages are named), followed by one "sh -c <script>"
// invocation per prepare script, in declaration order. No grounding source
// (testcontrol.py/executor.py) survives to confirm the real invocation —
// see DESIGN.md's internal/orchestrator Decisions for the dnf choice.
func prepareArgv(plan *fmf.Plan) [][]string {
	var argv [][]string
	if len(plan.PreparePkgs) > 0 {
		install := append([]string{"dnf", "install", "-y"}, plan.PreparePkgs...)
		argv = append(argv, install)
	}
	for _, script := range plan.PrepareScripts {
		argv = append(argv, []string{"sh", "-c", script})
	}
	return argv
}

// newReporter allocates a fresh, never-before-used output directory for
// one attempt at testName, since reporter.Reporter.Start refuses to run
// against a results file that already exists and a rerun must not collide
// with its own prior attempt.
func (ps *platformState) newReporter(testName string) (rep *reporter.Reporter, resultsFile, filesDir string) {
	ps.mu.Lock()
	ps.attempts[testName]++
	attempt := ps.attempts[testName]
	ps.mu.Unlock()

	dir := filepath.Join(ps.spec.WorkDir, sanitizeTestName(testName), fmt.Sprintf("attempt-%d", attempt))
	return reporter.New(dir, "results.json", "files"), filepath.Join(dir, "results.json"), filepath.Join(dir, "files")
}

func sanitizeTestName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			if i == 0 {
				continue
			}
			out = append(out, '_')
			continue
		}
		out = append(out, name[i])
	}
	return string(out)
}

func removeFirst(queue []string, name string) []string {
	for i, v := range queue {
		if v == name {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

// Orchestrator drives ServeOnce/ServeForever across every platform it was
// constructed with.
type Orchestrator struct {
	cfg        Config
	aggregator *aggregator.Aggregator
	platforms  []*platformState
	Errors     *errorlog.ErrorLog

	rerunMu sync.Mutex
	reruns  map[string]int
}

// New returns an Orchestrator that will schedule every spec in specs,
// ingesting finished tests into agg (already Start()ed by the caller).
func New(agg *aggregator.Aggregator, specs []PlatformSpec, cfg Config) *Orchestrator {
	cfg.setDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		aggregator: agg,
		Errors:     errorlog.NewErrorLog(),
		reruns:     map[string]int{},
	}
	for _, spec := range specs {
		o.platforms = append(o.platforms, newPlatformState(spec))
	}
	return o
}

// ServeOnce performs one unit of scheduling work across every platform and
// reports whether there is more work left to do (§4.9 step 5).
func (o *Orchestrator) ServeOnce(ctx context.Context) bool {
	more := false
	for _, ps := range o.platforms {
		if o.serveOnePlatform(ctx, ps) {
			more = true
		}
	}
	return more
}

// ServeForever calls ServeOnce in a loop with a 1-second backoff between
// calls, stopping once ServeOnce reports no more work, mirroring
// Orchestrator.serve_forever's `while self.serve_once(): time.sleep(1)`.
func (o *Orchestrator) ServeForever(ctx context.Context) error {
	for o.ServeOnce(ctx) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

func (o *Orchestrator) serveOnePlatform(ctx context.Context, ps *platformState) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	// 1. Drain every ready Remote, non-blocking.
	for {
		r, err := ps.spec.Provisioner.GetRemote(ctx, false)
		if err != nil {
			o.Errors.Append(fmt.Errorf("orchestrator: %s: provisioning: %w", ps.spec.Platform, err))
			break
		}
		if r == nil {
			break
		}
		ps.pending = append(ps.pending, pendingRemote{remote: r, previous: &SetupInfo{Remote: r}})
	}

	// 2+3. Assign a test to (or release) every Remote currently pending.
	pending := ps.pending
	ps.pending = nil
	for _, pr := range pending {
		if len(ps.queue) == 0 {
			pr.remote.Release()
			continue
		}
		testName := o.cfg.NextTest(ps.queue, ps.allTests, pr.previous)
		ps.queue = removeFirst(ps.queue, testName)
		o.dispatch(ctx, ps, testName, pr.remote)
	}

	// 4. Drain at most one completed Executor task.
	if result, ok := ps.tasks.TryGet(); ok {
		o.handleCompletion(ps, result)
	}

	return len(ps.queue) > 0 || ps.tasks.Live() > 0 || len(ps.pending) > 0
}

// dispatch spawns an Executor task for (remote, testName), tagged with
// enough bookkeeping for handleCompletion to ingest and re-provision.
func (o *Orchestrator) dispatch(ctx context.Context, ps *platformState, testName string, remote Remote) {
	rep, resultsFile, filesDir := ps.newReporter(testName)
	tags := map[string]interface{}{
		"remote":      remote,
		"resultsFile": resultsFile,
		"filesDir":    filesDir,
	}

	ps.tasks.Go(testName, false, tags, func() (interface{}, error) {
		if err := rep.Start(); err != nil {
			return nil, fmt.Errorf("orchestrator: start reporter for %s: %w", testName, err)
		}
		defer func() { _ = rep.Stop() }()

		if err := remote.Connect(ctx, true); err != nil {
			return nil, fmt.Errorf("orchestrator: connect %s: %w", remote, err)
		}

		ex := executor.New(remote, rep, executor.Config{
			RemoteDir:       o.cfg.RemoteDir,
			PrepareCmds:     ps.prepare,
			FallbackTestout: o.cfg.FallbackTestout,
			Logger:          o.cfg.Logger,
		})
		if err := ex.Upload(ctx, ps.spec.FMFRoot); err != nil {
			return nil, err
		}
		exitCode, err := ex.RunTest(ctx, testScriptPath(ps.allTests[testName]), ps.allTests[testName].Data)
		return exitCode, err
	})
}

// testScriptPath derives the path (relative to the fmf root, and so also
// relative to Executor's uploaded RemoteDir) of a TestDescriptor's wrapper
// script from its "test" metadata key and directory, since Executor.RunTest
// takes a literal path under RemoteDir rather than an fmf node name.
func testScriptPath(t fmf.TestDescriptor) string {
	script, _ := t.Data["test"].(string)
	script = strings.TrimPrefix(script, "./")
	if script == "" {
		script = strings.TrimPrefix(t.Name, "/")
	}
	return "/" + filepath.Join(t.Dir, script)
}

// handleCompletion ingests one finished Executor task's results, applies
// destructive()/ShouldBeRerun() to decide the test's and the Remote's
// fate, and re-provisions a replacement Remote if the old one was lost.
func (o *Orchestrator) handleCompletion(ps *platformState, result taskqueue.Result) {
	remote, _ := result.Tags["remote"].(Remote)
	resultsFile, _ := result.Tags["resultsFile"].(string)
	filesDir, _ := result.Tags["filesDir"].(string)
	testName := result.Name

	exitCode := -1
	if result.Err == nil {
		exitCode, _ = result.Value.(int)
	}
	finfo := FinishedInfo{Remote: remote, TestName: testName, ExitCode: exitCode, Err: result.Err}

	if err := o.aggregator.Ingest(ps.spec.Platform.String(), testName, resultsFile, filesDir); err != nil {
		o.Errors.Append(fmt.Errorf("orchestrator: ingest %s: %w", testName, err))
	}

	test := ps.allTests[testName]
	// destructive() and ShouldBeRerun() are two orthogonal decisions per
	// §4.9 step 4: one governs the Remote's fate, the other the test's.
	// A test that didn't cleanly pass (exit 0) is a rerun candidate
	// regardless of whether the Remote itself survived it.
	failed := result.Err != nil || exitCode != 0
	if failed && o.ShouldBeRerun(testName) {
		ps.queue = append(ps.queue, testName)
	}

	if o.cfg.Destructive(finfo, test) {
		remote.Release()
		ps.spec.Provisioner.Provision(1)
		return
	}
	ps.pending = append(ps.pending, pendingRemote{remote: remote, previous: &finfo})
}

// ShouldBeRerun decrements testName's remaining-rerun counter (seeded from
// Config.MaxReruns on first use) and reports whether it was positive
// before the decrement, mirroring ContestOrchestrator.should_be_rerun.
func (o *Orchestrator) ShouldBeRerun(testName string) bool {
	o.rerunMu.Lock()
	defer o.rerunMu.Unlock()

	left, ok := o.reruns[testName]
	if !ok {
		left = o.cfg.MaxReruns
	}
	if left <= 0 {
		o.reruns[testName] = left
		return false
	}
	o.reruns[testName] = left - 1
	return true
}
