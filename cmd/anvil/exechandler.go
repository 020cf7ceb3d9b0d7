package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/anvil-build/anvil"
	"github.com/anvil-build/anvil/internal/fingerprint"
	"github.com/anvil-build/anvil/internal/scheduler"
	"golang.org/x/xerrors"
)

// execHandler runs the shell command from a target's "cmd" option inside the
// action working directory. Sources are referenced via $SRCS, outputs land
// wherever the command writes them.
type execHandler struct{}

const stderrTailBytes = 4096

func (h *execHandler) Build(ctx context.Context, inv *anvil.Invocation, ws *anvil.Workspace) (*anvil.BuildResult, error) {
	t := inv.Action.Target
	if inv.Action.Kind == anvil.ActionNoop {
		return &anvil.BuildResult{Success: true, OutputHash: string(fingerprint.Empty)}, nil
	}
	cmdline, ok := t.Options["cmd"]
	if !ok {
		return nil, xerrors.Errorf("%s: no cmd option", t.Label)
	}
	srcs := make([]string, len(t.Srcs))
	for i, src := range t.Srcs {
		srcs[i] = filepath.Join(ws.Root, src)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = inv.WorkDir
	cmd.Env = append(inv.Env, "SRCS="+strings.Join(srcs, " "))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return scheduler.KillGracefully(cmd.Process, 2*time.Second)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		exitCode := 1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return &anvil.BuildResult{
			Success:    false,
			Error:      err.Error(),
			ExitCode:   exitCode,
			StderrTail: tail(stderr.Bytes()),
		}, nil
	}

	outputs, err := h.Outputs(t, ws)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(outputs))
	for _, out := range outputs {
		d, err := fingerprint.File(filepath.Join(inv.WorkDir, out))
		if err != nil {
			return nil, xerrors.Errorf("%s: declared output %s: %w", t.Label, out, err)
		}
		hashes = append(hashes, string(d))
	}
	return &anvil.BuildResult{
		Success:    true,
		Outputs:    outputs,
		OutputHash: string(fingerprint.Strings(hashes)),
	}, nil
}

func (h *execHandler) Outputs(t *anvil.Target, ws *anvil.Workspace) ([]string, error) {
	if outs, ok := t.Options["outputs"]; ok {
		return strings.Split(outs, ","), nil
	}
	if t.OutputPath != "" {
		return []string{t.OutputPath}, nil
	}
	if t.Kind == anvil.Executable && len(t.Srcs) == 0 && len(t.Deps) == 0 {
		return nil, nil
	}
	return []string{t.Label.Name() + ".out"}, nil
}

// AnalyzeImports understands the two quoted-import styles common across the
// languages this demo driver drives: #include "…" and import "…".
func (h *execHandler) AnalyzeImports(ctx context.Context, srcs []string, ws *anvil.Workspace) ([]anvil.Import, error) {
	var imports []anvil.Import
	for _, src := range srcs {
		b, err := os.ReadFile(filepath.Join(ws.Root, src))
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(b), "\n") {
			line = strings.TrimSpace(line)
			var path string
			switch {
			case strings.HasPrefix(line, `#include "`):
				path = strings.TrimSuffix(strings.TrimPrefix(line, `#include "`), `"`)
			case strings.HasPrefix(line, `import "`):
				path = strings.TrimSuffix(strings.TrimPrefix(line, `import "`), `"`)
			case strings.HasPrefix(line, "#include <"):
				path = strings.TrimSuffix(strings.TrimPrefix(line, "#include <"), ">")
				imports = append(imports, anvil.Import{Source: src, Path: path, External: true})
				continue
			default:
				continue
			}
			if _, err := os.Stat(filepath.Join(ws.Root, path)); err != nil {
				// Unresolvable within the workspace: system or third-party.
				imports = append(imports, anvil.Import{Source: src, Path: path, External: true})
				continue
			}
			imports = append(imports, anvil.Import{Source: src, Path: path})
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

func tail(b []byte) string {
	if len(b) > stderrTailBytes {
		b = b[len(b)-stderrTailBytes:]
	}
	return string(b)
}
