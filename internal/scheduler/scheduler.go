// Package scheduler drives the build graph to completion in parallel: a
// worker pool over a priority ready queue, consulting the action cache
// before invoking language handlers and honoring dependency order.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/anvil-build/anvil"
	"github.com/anvil-build/anvil/internal/actioncache"
	"github.com/anvil-build/anvil/internal/cas"
	"github.com/anvil-build/anvil/internal/corerr"
	"github.com/anvil-build/anvil/internal/fingerprint"
	"github.com/anvil-build/anvil/internal/graph"
	"github.com/anvil-build/anvil/internal/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// State is the per-node execution state machine:
// Pending → Ready → Running → {Completed, Cached, Failed, Skipped}.
type State int

const (
	Pending State = iota
	Ready
	Running
	Completed
	Cached
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Cached:
		return "Cached"
	case Failed:
		return "Failed"
	case Skipped:
		return "Skipped"
	}
	return "unknown"
}

const (
	maxAttempts    = 3
	initialBackoff = 100 * time.Millisecond
)

// Ctx is a scheduler run context, containing configuration and state.
type Ctx struct {
	Log       *log.Logger
	Graph     *graph.Graph
	Workspace *anvil.Workspace
	Handlers  map[string]anvil.Handler
	Cache     *actioncache.Cache
	Blobs     *cas.Tiered
	Events    anvil.EventSink

	Workers   int
	KeepGoing bool

	// Verify re-runs each successful action with a perturbed environment and
	// compares output hashes. Strict turns a mismatch into a build failure.
	Verify bool
	Strict bool

	// Estimates are per-label action duration estimates from prior-build
	// history, for critical-path priorities. Untimed actions count 1 unit.
	Estimates map[anvil.Label]time.Duration

	// Digests optionally seeds the file-digest memo, e.g. from the
	// incremental dependency store, so unchanged sources are not re-read.
	Digests map[string]fingerprint.Digest

	// WorkDirRoot is where per-action working directories are created.
	WorkDirRoot string

	// TraceResources samples CPU and memory counters into the trace sink
	// while the build runs.
	TraceResources bool

	digestMu   sync.Mutex
	digestMemo map[string]fingerprint.Digest

	qmu       sync.Mutex
	cond      *sync.Cond
	queue     readyQueue
	inflight  int
	completed int
	aborted   bool // cancellation triggered by a failure, not the user

	states      []State
	pendingDeps []int
	fps         []fingerprint.Digest
	outFPs      []fingerprint.Digest
	outDigests  [][]fingerprint.Digest
	durations   []time.Duration

	failMu   sync.Mutex
	failures []anvil.FailureRecord

	sem    *semaphore.Weighted
	status *statusBoard
}

// Result summarizes a scheduler run.
type Result struct {
	States   map[anvil.Label]State
	Failures []anvil.FailureRecord

	// OutputDigests maps each completed or cached label to its output
	// artifact digests, in declared output order.
	OutputDigests map[anvil.Label][]fingerprint.Digest

	// Durations holds per-label action durations for executed nodes, the
	// raw material for the next build's critical-path estimates.
	Durations map[anvil.Label]time.Duration
}

// Counts tallies terminal states the way the build report wants them.
func (r *Result) Counts() (built, cached, failed, skipped int) {
	for _, st := range r.States {
		switch st {
		case Completed:
			built++
		case Cached:
			cached++
		case Failed:
			failed++
		case Skipped:
			skipped++
		}
	}
	return
}

// Run drains the graph. It returns an error only for scheduler-internal
// problems or cancellation; per-target failures land in the Result.
func (c *Ctx) Run(ctx context.Context) (*Result, error) {
	n := c.Graph.Len()
	c.states = make([]State, n)
	c.pendingDeps = make([]int, n)
	c.fps = make([]fingerprint.Digest, n)
	c.outFPs = make([]fingerprint.Digest, n)
	c.outDigests = make([][]fingerprint.Digest, n)
	c.durations = make([]time.Duration, n)
	c.digestMemo = make(map[string]fingerprint.Digest, len(c.Digests))
	for p, d := range c.Digests {
		c.digestMemo[p] = d
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Events == nil {
		c.Events = anvil.DiscardEvents
	}
	c.cond = sync.NewCond(&c.qmu)
	c.sem = semaphore.NewWeighted(int64(c.Workers))
	c.status = newStatusBoard(c.Workers, c.Events)

	crit := c.criticalPaths()
	for _, node := range c.Graph.Nodes() {
		c.pendingDeps[node.ID()] = len(c.Graph.Dependencies(node))
	}
	for _, leaf := range c.Graph.Leaves() {
		c.states[leaf.ID()] = Ready
		heap.Push(&c.queue, readyItem{
			id:       leaf.ID(),
			critPath: crit[leaf.ID()],
			label:    string(leaf.Target.Label),
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Wake blocked workers when the build is cancelled.
	go func() {
		<-ctx.Done()
		c.cond.Broadcast()
	}()
	if c.TraceResources {
		go func() {
			if err := trace.CPUEvents(ctx, time.Second); err != nil && !errors.Is(err, context.Canceled) {
				c.logf("resource trace: %v", err)
			}
		}()
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.Workers; i++ {
		i := i // copy
		eg.Go(func() error {
			return c.worker(ctx, cancel, crit, i)
		})
	}
	err := eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	res := &Result{
		States:        make(map[anvil.Label]State, n),
		OutputDigests: make(map[anvil.Label][]fingerprint.Digest),
		Durations:     make(map[anvil.Label]time.Duration),
	}
	for _, node := range c.Graph.Nodes() {
		st := c.states[node.ID()]
		res.States[node.Target.Label] = st
		if st == Completed || st == Cached {
			res.OutputDigests[node.Target.Label] = c.outDigests[node.ID()]
		}
		if st == Completed {
			res.Durations[node.Target.Label] = c.durations[node.ID()]
		}
	}
	c.failMu.Lock()
	res.Failures = append(res.Failures, c.failures...)
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Label < res.Failures[j].Label })
	c.failMu.Unlock()
	c.qmu.Lock()
	aborted := c.aborted
	c.qmu.Unlock()
	if errors.Is(err, context.Canceled) && !aborted {
		// User cancellation; a failure-triggered drain is not an error, its
		// failures are in the result.
		return res, err
	}
	return res, nil
}

// criticalPaths computes, per node, the longest estimate-weighted path to
// any sink through its dependents. Longer paths are scheduled first to
// minimize makespan.
func (c *Ctx) criticalPaths() []int64 {
	order := c.Graph.Order()
	crit := make([]int64, c.Graph.Len())
	// Dependents come later in leaves-first order, so walk it backwards.
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		est := int64(1)
		if d, ok := c.Estimates[node.Target.Label]; ok && d > 0 {
			est = int64(d / time.Millisecond)
			if est == 0 {
				est = 1
			}
		}
		var maxDep int64
		for _, dep := range c.Graph.Dependents(node) {
			if crit[dep.ID()] > maxDep {
				maxDep = crit[dep.ID()]
			}
		}
		crit[node.ID()] = est + maxDep
	}
	return crit
}

func (c *Ctx) worker(ctx context.Context, cancel context.CancelFunc, crit []int64, idx int) error {
	for {
		c.qmu.Lock()
		for len(c.queue) == 0 && c.completed < c.Graph.Len() && ctx.Err() == nil {
			c.cond.Wait()
		}
		if ctx.Err() != nil || c.completed >= c.Graph.Len() {
			c.qmu.Unlock()
			c.status.update(idx+1, "idle")
			return ctx.Err()
		}
		item := heap.Pop(&c.queue).(readyItem)
		c.inflight++
		c.qmu.Unlock()

		node := c.Graph.Nodes()[item.id]
		ev := trace.Event("build "+string(node.Target.Label), idx)
		ev.Type = "B" // begin
		ev.Done()
		c.status.update(idx+1, "building "+string(node.Target.Label))

		ok := c.runNode(ctx, node)

		{
			ev := trace.Event("build "+string(node.Target.Label), idx)
			ev.Type = "E" // end
			ev.Done()
		}
		c.status.update(idx+1, "idle")

		c.qmu.Lock()
		c.inflight--
		c.completed++
		if ok {
			for _, dep := range c.Graph.Dependents(node) {
				c.pendingDeps[dep.ID()]--
				if c.pendingDeps[dep.ID()] == 0 && c.states[dep.ID()] == Pending {
					c.states[dep.ID()] = Ready
					heap.Push(&c.queue, readyItem{
						id:       dep.ID(),
						critPath: crit[dep.ID()],
						label:    string(dep.Target.Label),
					})
				}
			}
		} else {
			c.markSkippedLocked(node)
			if !c.KeepGoing {
				c.aborted = true
				cancel()
			}
		}
		built, _, failed, _ := c.countsLocked()
		c.status.update(0, fmt.Sprintf("%d of %d targets: %d built, %d failed",
			c.completed, c.Graph.Len(), built, failed))
		c.cond.Broadcast()
		c.qmu.Unlock()
	}
}

func (c *Ctx) countsLocked() (built, cached, failed, skipped int) {
	for _, st := range c.states {
		switch st {
		case Completed:
			built++
		case Cached:
			cached++
		case Failed:
			failed++
		case Skipped:
			skipped++
		}
	}
	return
}

// markSkippedLocked marks every transitive dependent of a failed node as
// Skipped; they are never dequeued. Called with qmu held.
func (c *Ctx) markSkippedLocked(node *graph.Node) {
	for _, dep := range c.Graph.Dependents(node) {
		if st := c.states[dep.ID()]; st != Pending && st != Ready {
			continue
		}
		c.states[dep.ID()] = Skipped
		c.completed++
		c.Events.Publish(anvil.BuildEvent{
			Kind:  anvil.EventTargetSkipped,
			Label: dep.Target.Label,
			Time:  time.Now(),
		})
		c.markSkippedLocked(dep)
	}
}

// runNode executes one node end to end and returns whether dependents may
// proceed.
func (c *Ctx) runNode(ctx context.Context, node *graph.Node) bool {
	id := node.ID()
	c.setState(id, Running)
	c.Events.Publish(anvil.BuildEvent{
		Kind:  anvil.EventTargetStarted,
		Label: node.Target.Label,
		Time:  time.Now(),
	})
	start := time.Now()

	action, fp, err := c.prepare(ctx, node)
	if err == nil {
		var backoff = initialBackoff
		for attempt := 1; ; attempt++ {
			err = c.execute(ctx, node, action, fp)
			if err == nil || attempt >= maxAttempts || ctx.Err() != nil {
				break
			}
			if !corerr.IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
				break
			}
			c.logf("%s: transient failure (attempt %d/%d): %v", node.Target.Label, attempt, maxAttempts, err)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	c.durations[id] = time.Since(start)
	if err != nil {
		c.fail(node, action, fp, err, 0, "")
		return false
	}
	return c.states[id] == Completed || c.states[id] == Cached
}

// prepare expands the target into its action and computes the fingerprint.
// Dependency output fingerprints are available because predecessors complete
// strictly before a node is dequeued.
func (c *Ctx) prepare(ctx context.Context, node *graph.Node) (*anvil.Action, fingerprint.Digest, error) {
	t := node.Target
	handler, err := c.handlerFor(t)
	if err != nil {
		return nil, "", err
	}
	outputs, err := handler.Outputs(t, c.Workspace)
	if err != nil {
		return nil, "", corerr.E(corerr.Build, "%s: predicting outputs: %w", t.Label, err)
	}
	var env []string
	for _, key := range t.EnvAllowlist {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	action := anvil.ActionForTarget(t, c.toolFor(t), outputs, env)
	action.Flags = flagsFor(t)

	inputs := make([]fingerprint.Digest, 0, len(action.Inputs))
	for _, in := range action.Inputs {
		d, err := c.digest(in)
		if err != nil {
			return nil, "", err
		}
		inputs = append(inputs, d)
	}
	depOutputs := make([]fingerprint.Digest, 0, len(c.Graph.Dependencies(node)))
	for _, dep := range c.Graph.Dependencies(node) {
		depOutputs = append(depOutputs, c.outFPs[dep.ID()])
	}
	fp := fingerprint.Action(action.Tool, inputs, action.Flags, action.Env,
		string(t.Label), action.Kind.String(), depOutputs)
	c.fps[node.ID()] = fp
	return action, fp, nil
}

func (c *Ctx) handlerFor(t *anvil.Target) (anvil.Handler, error) {
	if h, ok := c.Handlers[t.Language]; ok {
		return h, nil
	}
	if h, ok := c.Handlers[""]; ok {
		return h, nil
	}
	return nil, corerr.E(corerr.Build, "%s: no handler for language %q", t.Label, t.Language)
}

func (c *Ctx) toolFor(t *anvil.Target) string {
	if tool, ok := t.Options["tool"]; ok {
		return tool
	}
	return t.Language
}

// flagsFor extracts the declared flag list from the target options.
func flagsFor(t *anvil.Target) []string {
	keys := make([]string, 0, len(t.Options))
	for k := range t.Options {
		if k == "tool" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	flags := make([]string, 0, len(keys))
	for _, k := range keys {
		flags = append(flags, k+"="+t.Options[k])
	}
	return flags
}

// execute performs one attempt: cache probe, then handler invocation.
func (c *Ctx) execute(ctx context.Context, node *graph.Node, action *anvil.Action, fp fingerprint.Digest) error {
	t := node.Target
	entry, err := c.Cache.Lookup(ctx, fp)
	if err != nil {
		return err
	}
	if entry != nil {
		if !entry.Success {
			// A failing entry recorded earlier in this build: honor it
			// instead of re-running a known-failing action.
			return corerr.E(corerr.Build, "%s: cached failure", t.Label)
		}
		if err := c.materialize(ctx, entry); err != nil {
			return err
		}
		c.finish(node, Cached, anvil.EventTargetCached, entry.Digests)
		return nil
	}
	return c.invoke(ctx, node, action, fp)
}

// materialize hard-links (or copies) cached outputs into the workspace
// output tree.
func (c *Ctx) materialize(ctx context.Context, entry *actioncache.Entry) error {
	for i, path := range entry.OutputPaths {
		d := entry.Digests[i]
		// A remote-only artifact is pulled into the local tree first.
		if _, err := c.Blobs.Get(ctx, d); err != nil {
			return err
		}
		dest := filepath.Join(c.Workspace.Root, c.Workspace.OutDir, path)
		if err := c.Blobs.Local.Materialize(d, dest); err != nil {
			return err
		}
	}
	return nil
}

func (c *Ctx) invoke(ctx context.Context, node *graph.Node, action *anvil.Action, fp fingerprint.Digest) error {
	t := node.Target
	handler, err := c.handlerFor(t)
	if err != nil {
		return err
	}

	// The semaphore, sized to the worker count, bounds concurrent handler
	// invocations.
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	workDir, err := os.MkdirTemp(c.WorkDirRoot, "action-")
	if err != nil {
		return corerr.Wrap(corerr.IO, err)
	}
	defer os.RemoveAll(workDir)

	runCtx := ctx
	if action.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, action.Timeout)
		defer cancel()
	}
	start := time.Now()
	result, err := handler.Build(runCtx, &anvil.Invocation{
		Action:  action,
		WorkDir: workDir,
		Env:     action.Env,
	}, c.Workspace)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// Action timeout, not build cancellation: transient, retryable.
			return corerr.Transient(corerr.Build, "%s: action timed out after %v", t.Label, action.Timeout)
		}
		return corerr.E(corerr.Build, "%s: handler: %w", t.Label, err)
	}
	duration := time.Since(start)

	if !result.Success {
		// Record the failure so this build does not re-run a known-failing
		// action; failing entries are not persisted across builds.
		c.Cache.Insert(fp, &actioncache.Entry{
			OutputPaths: nil,
			Success:     false,
			Metadata: map[string]string{
				"tool":        action.Tool,
				"duration_ms": strconv.FormatInt(int64(duration/time.Millisecond), 10),
			},
		})
		c.durations[node.ID()] = duration
		c.fail(node, action, fp, corerr.E(corerr.Build, "%s: %s", t.Label, result.Error), result.ExitCode, result.StderrTail)
		return nil
	}
	for _, w := range result.Warnings {
		c.logf("%s: warning: %s", t.Label, w)
	}

	verification := ""
	if c.Verify {
		match, err := c.verifyDeterminism(ctx, handler, action, result.OutputHash)
		if err != nil {
			return err
		}
		if !match {
			if c.Strict {
				c.durations[node.ID()] = time.Since(start)
				c.fail(node, action, fp,
					corerr.E(corerr.Build, "%s: nondeterministic output (hash changed under perturbed environment)", t.Label),
					0, "")
				return nil
			}
			c.logf("%s: warning: nondeterministic output, keeping original", t.Label)
			verification = "failed"
		} else {
			verification = result.OutputHash
		}
	}

	var digests []fingerprint.Digest
	var totalBytes int64
	for _, out := range result.Outputs {
		data, err := os.ReadFile(filepath.Join(workDir, out))
		if err != nil {
			return corerr.E(corerr.Build, "%s: declared output %s missing: %w", t.Label, out, err)
		}
		d := fingerprint.Bytes(data)
		if err := c.Blobs.Put(ctx, d, data); err != nil {
			return err
		}
		digests = append(digests, d)
		totalBytes += int64(len(data))
		dest := filepath.Join(c.Workspace.Root, c.Workspace.OutDir, out)
		if err := c.Blobs.Local.Materialize(d, dest); err != nil {
			return err
		}
	}
	metadata := map[string]string{
		"tool":         action.Tool,
		"duration_ms":  strconv.FormatInt(int64(duration/time.Millisecond), 10),
		"output_bytes": strconv.FormatInt(totalBytes, 10),
	}
	if verification != "" {
		metadata["determinism"] = verification
	}
	c.Cache.Insert(fp, &actioncache.Entry{
		OutputPaths: result.Outputs,
		Digests:     digests,
		Success:     true,
		Metadata:    metadata,
	})
	c.finish(node, Completed, anvil.EventTargetCompleted, digests)
	return nil
}

// verifyDeterminism re-runs the action with a perturbed environment and
// compares output hashes.
func (c *Ctx) verifyDeterminism(ctx context.Context, handler anvil.Handler, action *anvil.Action, wantHash string) (bool, error) {
	workDir, err := os.MkdirTemp(c.WorkDirRoot, "verify-")
	if err != nil {
		return false, corerr.Wrap(corerr.IO, err)
	}
	defer os.RemoveAll(workDir)
	env := append(append([]string(nil), action.Env...),
		"TZ=UTC-14",
		"SOURCE_DATE_EPOCH=315532800",
	)
	result, err := handler.Build(ctx, &anvil.Invocation{
		Action:  action,
		WorkDir: workDir,
		Env:     env,
	}, c.Workspace)
	if err != nil {
		return false, corerr.E(corerr.Build, "determinism re-run: %w", err)
	}
	return result.Success && result.OutputHash == wantHash, nil
}

func (c *Ctx) finish(node *graph.Node, st State, kind anvil.EventKind, digests []fingerprint.Digest) {
	id := node.ID()
	c.outDigests[id] = digests
	strs := make([]string, len(digests))
	for i, d := range digests {
		strs[i] = string(d)
	}
	c.outFPs[id] = fingerprint.Strings(strs)
	c.setState(id, st)
	c.Events.Publish(anvil.BuildEvent{
		Kind:     kind,
		Label:    node.Target.Label,
		Time:     time.Now(),
		Duration: c.durations[id],
	})
}

func (c *Ctx) fail(node *graph.Node, action *anvil.Action, fp fingerprint.Digest, err error, exitCode int, stderrTail string) {
	id := node.ID()
	c.setState(id, Failed)
	kind := anvil.ActionCustom
	if action != nil {
		kind = action.Kind
	}
	if stderrTail == "" && err != nil {
		stderrTail = err.Error()
	}
	c.failMu.Lock()
	c.failures = append(c.failures, anvil.FailureRecord{
		Label:       node.Target.Label,
		ActionKind:  kind,
		ExitCode:    exitCode,
		StderrTail:  stderrTail,
		Duration:    c.durations[id],
		Fingerprint: string(fp),
	})
	c.failMu.Unlock()
	c.Events.Publish(anvil.BuildEvent{
		Kind:     anvil.EventTargetFailed,
		Label:    node.Target.Label,
		Time:     time.Now(),
		Duration: c.durations[id],
		Status:   stderrTail,
	})
	c.logf("build of %s failed: %v", node.Target.Label, err)
}

func (c *Ctx) setState(id int64, st State) {
	c.qmu.Lock()
	c.states[id] = st
	c.qmu.Unlock()
}

// digest memoizes file digests for the duration of the run.
func (c *Ctx) digest(path string) (fingerprint.Digest, error) {
	c.digestMu.Lock()
	if d, ok := c.digestMemo[path]; ok {
		c.digestMu.Unlock()
		return d, nil
	}
	c.digestMu.Unlock()
	d, err := fingerprint.File(filepath.Join(c.Workspace.Root, path))
	if err != nil {
		return "", err
	}
	c.digestMu.Lock()
	c.digestMemo[path] = d
	c.digestMu.Unlock()
	return d, nil
}

func (c *Ctx) logf(format string, args ...interface{}) {
	if c.Log != nil {
		c.Log.Printf(format, args...)
	}
	c.status.refresh()
}
