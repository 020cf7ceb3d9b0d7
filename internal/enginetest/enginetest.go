// Package enginetest provides test scaffolding shared by the engine's test
// suites: workspace fixtures and a deterministic in-process language handler.
package enginetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anvil-build/anvil"
	"github.com/anvil-build/anvil/internal/fingerprint"
)

// Workspace materializes files under a temp dir and returns a workspace
// rooted there.
func Workspace(t testing.TB, files map[string]string) *anvil.Workspace {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		fn := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(fn, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return &anvil.Workspace{Root: root, OutDir: "out"}
}

// RemoveAll wraps os.RemoveAll and fails the test on failure.
func RemoveAll(t testing.TB, path string) {
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

// Handler is a deterministic in-process language handler: it "compiles" a
// target by concatenating its sources under a header line. Good enough to
// exercise fingerprinting, caching and scheduling without a real toolchain.
type Handler struct {
	Tool string

	// Fail lists labels whose build reports a tool failure.
	Fail map[anvil.Label]bool

	// Nondet lists labels whose output differs per invocation, to exercise
	// the determinism verifier.
	Nondet map[anvil.Label]bool

	// Delay is slept inside each Build, to widen scheduling windows.
	Delay time.Duration

	mu      sync.Mutex
	built   []anvil.Label
	counter int
}

// Built returns the labels built so far, in invocation order.
func (h *Handler) Built() []anvil.Label {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]anvil.Label(nil), h.built...)
}

// BuildCount returns how many times label was built.
func (h *Handler) BuildCount(label anvil.Label) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, l := range h.built {
		if l == label {
			n++
		}
	}
	return n
}

func (h *Handler) outputName(t *anvil.Target) string {
	if t.OutputPath != "" {
		return t.OutputPath
	}
	return t.Label.Name() + ".out"
}

func (h *Handler) Build(ctx context.Context, inv *anvil.Invocation, ws *anvil.Workspace) (*anvil.BuildResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.Delay > 0 {
		select {
		case <-time.After(h.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t := inv.Action.Target
	h.mu.Lock()
	h.built = append(h.built, t.Label)
	h.counter++
	counter := h.counter
	h.mu.Unlock()

	if h.Fail[t.Label] {
		return &anvil.BuildResult{
			Success:    false,
			Error:      "intentional failure",
			ExitCode:   1,
			StderrTail: fmt.Sprintf("%s: error: induced by test", t.Label),
		}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "built %s\n", t.Label)
	for _, src := range t.Srcs {
		content, err := os.ReadFile(filepath.Join(ws.Root, src))
		if err != nil {
			return nil, err
		}
		b.Write(content)
		b.WriteByte('\n')
	}
	if h.Nondet[t.Label] {
		fmt.Fprintf(&b, "nondeterministic %d\n", counter)
	}
	out := h.outputName(t)
	fn := filepath.Join(inv.WorkDir, out)
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(fn, []byte(b.String()), 0644); err != nil {
		return nil, err
	}
	return &anvil.BuildResult{
		Success:    true,
		Outputs:    []string{out},
		OutputHash: string(fingerprint.Bytes([]byte(b.String()))),
	}, nil
}

func (h *Handler) Outputs(t *anvil.Target, ws *anvil.Workspace) ([]string, error) {
	return []string{h.outputName(t)}, nil
}

// AnalyzeImports extracts #include "…" imports; angle-bracket includes are
// external.
func (h *Handler) AnalyzeImports(ctx context.Context, srcs []string, ws *anvil.Workspace) ([]anvil.Import, error) {
	var imports []anvil.Import
	for _, src := range srcs {
		b, err := os.ReadFile(filepath.Join(ws.Root, src))
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(b), "\n") {
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, `#include "`):
				path := strings.TrimSuffix(strings.TrimPrefix(line, `#include "`), `"`)
				imports = append(imports, anvil.Import{Source: src, Path: path})
			case strings.HasPrefix(line, "#include <"):
				path := strings.TrimSuffix(strings.TrimPrefix(line, "#include <"), ">")
				imports = append(imports, anvil.Import{Source: src, Path: path, External: true})
			}
		}
	}
	sort.Slice(imports, func(i, j int) bool {
		if imports[i].Source != imports[j].Source {
			return imports[i].Source < imports[j].Source
		}
		return imports[i].Path < imports[j].Path
	})
	return imports, nil
}

// EventRecorder collects build events for assertions.
type EventRecorder struct {
	mu     sync.Mutex
	events []anvil.BuildEvent
}

func (r *EventRecorder) Publish(ev anvil.BuildEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a snapshot of the published events.
func (r *EventRecorder) Events() []anvil.BuildEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]anvil.BuildEvent(nil), r.events...)
}

// ByKind returns the events of the given kind, in publication order.
func (r *EventRecorder) ByKind(kind anvil.EventKind) []anvil.BuildEvent {
	var out []anvil.BuildEvent
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
