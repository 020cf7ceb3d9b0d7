package anvil

import "context"

// BuildResult is what a language handler reports back for one action.
type BuildResult struct {
	Success bool

	// Outputs are the produced paths, relative to the working directory.
	Outputs []string

	// OutputHash is a digest over all outputs, used for the optional
	// determinism cross-check.
	OutputHash string

	Error    string
	Warnings []string

	// ExitCode is the underlying tool's exit code, if the handler ran one.
	ExitCode int

	// StderrTail holds the last lines of the tool's stderr for diagnostics.
	StderrTail string
}

// Import is one import statement discovered in a source file.
type Import struct {
	// Source is the workspace-relative path of the importing file.
	Source string

	// Path is the resolved workspace-relative path of the imported file, or
	// the raw import string if External.
	Path string

	// External marks imports resolving outside the workspace (system or
	// third-party); these are excluded from fine-grained tracking.
	External bool
}

// Invocation carries everything a handler needs to run one action.
type Invocation struct {
	Action *Action

	// WorkDir is a fresh directory the handler has exclusive ownership of for
	// the duration of the call.
	WorkDir string

	// Env is the action's declared environment subset, possibly perturbed by
	// the determinism verifier.
	Env []string
}

// Handler is the core's view of a per-language build driver. Handlers must be
// deterministic given identical inputs; the core optionally verifies this by
// re-running with a perturbed environment and comparing OutputHash.
type Handler interface {
	// Build runs the action and reports the produced outputs.
	Build(ctx context.Context, inv *Invocation, ws *Workspace) (*BuildResult, error)

	// Outputs predicts the action's output paths without building.
	Outputs(t *Target, ws *Workspace) ([]string, error)

	// AnalyzeImports scans the given source files for imports.
	AnalyzeImports(ctx context.Context, srcs []string, ws *Workspace) ([]Import, error)
}
