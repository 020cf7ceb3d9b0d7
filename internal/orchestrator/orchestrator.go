// Package orchestrator sequences a build: load the graph, open the stores,
// run the scheduler, persist the caches and emit the report.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/anvil-build/anvil"
	"github.com/anvil-build/anvil/internal/actioncache"
	"github.com/anvil-build/anvil/internal/cas"
	"github.com/anvil-build/anvil/internal/corerr"
	"github.com/anvil-build/anvil/internal/engineenv"
	"github.com/anvil-build/anvil/internal/fingerprint"
	"github.com/anvil-build/anvil/internal/graph"
	"github.com/anvil-build/anvil/internal/incrdeps"
	"github.com/anvil-build/anvil/internal/scheduler"
)

// Ctx is a build orchestration context, containing configuration and state.
type Ctx struct {
	Log       *log.Logger
	Workspace *anvil.Workspace
	Handlers  map[string]anvil.Handler
	Events    anvil.EventSink

	// CacheDir overrides the cache root; empty uses $BUILDER_CACHE_DIR or
	// .builder-cache under the workspace root.
	CacheDir string

	// Parallelism overrides the worker count; zero uses
	// $BUILDER_PARALLELISM or the number of logical CPUs.
	Parallelism int

	// Remote optionally supplies a remote CAS backend.
	Remote cas.Backend

	KeepGoing         bool
	VerifyDeterminism bool

	// DeterminismStrict turns a verification mismatch into a build failure.
	// Defaults to $BUILDER_DETERMINISM_STRICT.
	DeterminismStrict bool

	// GCPolicy, when non-zero, bounds the action cache after the build;
	// orphaned artifacts older than GCGrace are then collected from the CAS.
	GCPolicy actioncache.GCPolicy
	GCGrace  time.Duration

	TraceResources bool
}

// Build runs the requested labels (all workspace targets when empty) and
// returns the report. Graph errors surface both in the report's ConfigError
// and as the returned error.
func (c *Ctx) Build(ctx context.Context, labels []anvil.Label) (*anvil.BuildReport, error) {
	start := time.Now()
	report := &anvil.BuildReport{}
	events := c.Events
	if events == nil {
		events = anvil.DiscardEvents
	}

	full, err := graph.New(c.Workspace.Targets, nil)
	if err != nil {
		report.ConfigError = err
		return report, err
	}
	targets := c.Workspace.Targets
	if len(labels) > 0 {
		nodes, err := full.TransitiveClosure(labels)
		if err != nil {
			report.ConfigError = err
			return report, err
		}
		targets = make([]*anvil.Target, len(nodes))
		for i, n := range nodes {
			targets[i] = n.Target
		}
	}
	g, err := graph.New(targets, nil)
	if err != nil {
		report.ConfigError = err
		return report, err
	}

	cacheDir := c.CacheDir
	if cacheDir == "" {
		cacheDir = engineenv.CacheDir(c.Workspace.Root)
	}
	blobStore, err := cas.Open(filepath.Join(cacheDir, "cas"))
	if err != nil {
		return report, err
	}
	if c.Remote != nil {
		if err := c.Remote.Connect(ctx); err != nil {
			c.logf("remote cache unavailable: %v (continuing local-only)", err)
			c.Remote = nil
		}
	}
	blobs := cas.NewTiered(blobStore, c.Remote, c.Log)
	cache, err := actioncache.Open(filepath.Join(cacheDir, "actions"), blobStore, c.Log)
	if err != nil {
		return report, err
	}
	deps, err := incrdeps.Open(filepath.Join(cacheDir, "deps"), c.Log)
	if err != nil {
		return report, err
	}

	// Seed the scheduler's digest memo with digests of unchanged sources,
	// so clean targets are recognized without re-reading their files.
	changed, err := deps.ChangedSince(c.Workspace)
	if err != nil {
		return report, err
	}
	affected := deps.Affected(changed)
	digests := make(map[string]fingerprint.Digest)
	for _, t := range targets {
		for _, src := range t.Srcs {
			if affected[src] {
				continue
			}
			if rec := deps.Record(src); rec != nil {
				digests[src] = rec.SourceDigest
			}
		}
	}

	workers := c.Parallelism
	if workers <= 0 {
		workers = engineenv.Parallelism()
	}
	workDirRoot := filepath.Join(cacheDir, "work")
	if err := os.MkdirAll(workDirRoot, 0755); err != nil {
		return report, corerr.Wrap(corerr.IO, err)
	}

	events.Publish(anvil.BuildEvent{Kind: anvil.EventStarted, Time: time.Now()})
	sched := &scheduler.Ctx{
		Log:            c.Log,
		Graph:          g,
		Workspace:      c.Workspace,
		Handlers:       c.Handlers,
		Cache:          cache,
		Blobs:          blobs,
		Events:         events,
		Workers:        workers,
		KeepGoing:      c.KeepGoing,
		Verify:         c.VerifyDeterminism || c.DeterminismStrict || engineenv.DeterminismStrict(),
		Strict:         c.DeterminismStrict || engineenv.DeterminismStrict(),
		Estimates:      c.loadEstimates(cacheDir),
		Digests:        digests,
		WorkDirRoot:    workDirRoot,
		TraceResources: c.TraceResources,
	}
	res, runErr := sched.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return report, runErr
	}
	if res != nil {
		report.Built, report.Cached, report.Failed, report.Skipped = res.Counts()
		report.Failures = res.Failures
	}
	report.Cancelled = errors.Is(runErr, context.Canceled)
	report.Duration = time.Since(start)

	// Refresh the per-file import graph from the targets that executed.
	if err := c.updateDeps(ctx, deps, g, res); err != nil {
		c.logf("updating dependency store: %v", err)
	}
	if err := deps.Flush(); err != nil {
		c.logf("persisting dependency store: %v", err)
	}
	if err := cache.Flush(); err != nil {
		c.logf("persisting action cache: %v", err)
	}
	if res != nil {
		c.saveEstimates(cacheDir, res.Durations)
	}
	if c.GCPolicy != (actioncache.GCPolicy{}) {
		if evicted := cache.GC(c.GCPolicy); evicted > 0 {
			c.logf("action cache GC evicted %d entries", evicted)
			if err := cache.Flush(); err != nil {
				c.logf("persisting action cache: %v", err)
			}
		}
		grace := c.GCGrace
		if grace == 0 {
			grace = 24 * time.Hour
		}
		if removed, err := blobStore.GC(cache.Live(), grace); err != nil {
			c.logf("cas GC: %v", err)
		} else if removed > 0 {
			c.logf("cas GC removed %d artifacts", removed)
		}
	}

	kind := anvil.EventCompleted
	if report.Failed > 0 || report.Cancelled {
		kind = anvil.EventFailed
	}
	events.Publish(anvil.BuildEvent{Kind: kind, Time: time.Now(), Duration: report.Duration})
	return report, nil
}

// updateDeps re-scans imports for the sources of every target that ran,
// grouped by language so each handler analyzes its own files.
func (c *Ctx) updateDeps(ctx context.Context, deps *incrdeps.Store, g *graph.Graph, res *scheduler.Result) error {
	if res == nil {
		return nil
	}
	byLanguage := make(map[string][]string)
	seen := make(map[string]bool)
	for _, n := range g.Nodes() {
		st := res.States[n.Target.Label]
		if st != scheduler.Completed && st != scheduler.Cached {
			continue
		}
		for _, src := range n.Target.Srcs {
			if seen[src] {
				continue
			}
			seen[src] = true
			byLanguage[n.Target.Language] = append(byLanguage[n.Target.Language], src)
		}
	}
	languages := make([]string, 0, len(byLanguage))
	for lang := range byLanguage {
		languages = append(languages, lang)
	}
	sort.Strings(languages)
	for _, lang := range languages {
		handler, ok := c.Handlers[lang]
		if !ok {
			handler, ok = c.Handlers[""]
		}
		if !ok {
			continue
		}
		srcs := byLanguage[lang]
		sort.Strings(srcs)
		if err := deps.Update(ctx, c.Workspace, srcs, handler); err != nil {
			return err
		}
	}
	return nil
}

func (c *Ctx) logf(format string, args ...interface{}) {
	if c.Log != nil {
		c.Log.Printf(format, args...)
	}
}
