package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/anvil-build/anvil"
	"golang.org/x/xerrors"
)

// The manifest format is this driver's stand-in for a real configuration
// frontend; the engine itself only ever sees the validated workspace object.
type manifest struct {
	OutDir  string           `json:"out_dir"`
	Targets []manifestTarget `json:"targets"`
}

type manifestTarget struct {
	Label      string            `json:"label"`
	Kind       string            `json:"kind"`
	Language   string            `json:"language"`
	Srcs       []string          `json:"srcs"`
	Deps       []string          `json:"deps"`
	Options    map[string]string `json:"options"`
	OutputPath string            `json:"output_path"`
	Env        []string          `json:"env"`
	TimeoutSec int               `json:"timeout_sec"`
}

func loadWorkspace(path string) (*anvil.Workspace, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, xerrors.Errorf("parsing %s: %w", path, err)
	}
	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	outDir := m.OutDir
	if outDir == "" {
		outDir = "out"
	}
	ws := &anvil.Workspace{Root: root, OutDir: outDir}
	for _, mt := range m.Targets {
		label, err := anvil.ParseLabel(mt.Label)
		if err != nil {
			return nil, err
		}
		kind, err := parseKind(mt.Kind)
		if err != nil {
			return nil, xerrors.Errorf("%s: %w", label, err)
		}
		var deps []anvil.Label
		for _, d := range mt.Deps {
			dep, err := anvil.ParseLabel(d)
			if err != nil {
				return nil, xerrors.Errorf("%s: %w", label, err)
			}
			deps = append(deps, dep)
		}
		ws.Targets = append(ws.Targets, &anvil.Target{
			Label:        label,
			Kind:         kind,
			Language:     mt.Language,
			Srcs:         mt.Srcs,
			Deps:         deps,
			Options:      mt.Options,
			OutputPath:   mt.OutputPath,
			EnvAllowlist: mt.Env,
			Timeout:      time.Duration(mt.TimeoutSec) * time.Second,
		})
	}
	return ws, nil
}
