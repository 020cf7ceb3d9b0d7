// anvil is a thin driver around the build engine: it loads a JSON workspace
// manifest, wires the exec-based language handler and runs the orchestrator.
// Real integrations supply their own workspace loader and handlers.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/anvil-build/anvil"
	"github.com/anvil-build/anvil/internal/engineenv"
	"github.com/anvil-build/anvil/internal/graph"
	"github.com/anvil-build/anvil/internal/orchestrator"
	"github.com/anvil-build/anvil/internal/trace"
)

const usage = `syntax: anvil <command> [options]

To build targets from the workspace manifest:
	anvil build [-keep_going] [-jobs=N] [//pkg:name ...]

To print the dependency graph in Graphviz format:
	anvil graph
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)
	var err error
	var code int
	switch os.Args[1] {
	case "build":
		code, err = build(logger, os.Args[2:])
	case "graph":
		err = dumpGraph(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal(err)
	}
	if err := anvil.RunAtExit(); err != nil {
		logger.Fatal(err)
	}
	os.Exit(code)
}

func build(logger *log.Logger, args []string) (int, error) {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		workspacePath = fset.String("workspace",
			"workspace.json",
			"path to the workspace manifest")

		keepGoing = fset.Bool("keep_going",
			false,
			"continue building targets whose dependencies succeeded after a failure")

		jobs = fset.Int("jobs",
			engineenv.Parallelism(),
			"number of parallel build jobs")

		verify = fset.Bool("verify",
			false,
			"re-run each action with a perturbed environment to detect nondeterminism")

		enableTrace = fset.Bool("trace",
			false,
			"write a Chrome trace event file for this build")
	)
	fset.Parse(args)

	ws, err := loadWorkspace(*workspacePath)
	if err != nil {
		return 0, err
	}
	var labels []anvil.Label
	for _, arg := range fset.Args() {
		label, err := anvil.ParseLabel(arg)
		if err != nil {
			return 0, err
		}
		labels = append(labels, label)
	}
	if *enableTrace {
		if err := trace.Enable("build"); err != nil {
			return 0, err
		}
	}

	if url := engineenv.RemoteCacheURL(); url != "" {
		// Remote transports are pluggable; this driver links none.
		logger.Printf("remote cache %s configured, building local-only", url)
	}

	ctx, canc := anvil.InterruptibleContext()
	defer canc()

	c := &orchestrator.Ctx{
		Log:               logger,
		Workspace:         ws,
		Handlers:          map[string]anvil.Handler{"": &execHandler{}},
		Parallelism:       *jobs,
		KeepGoing:         *keepGoing,
		VerifyDeterminism: *verify,
	}
	report, err := c.Build(ctx, labels)
	if err != nil {
		logger.Printf("%v", err)
		return report.ExitCode(), nil
	}
	for _, f := range report.Failures {
		logger.Printf("%s: %s action failed (exit %d, fingerprint %s):\n%s",
			f.Label, f.ActionKind, f.ExitCode, f.Fingerprint, f.StderrTail)
	}
	logger.Printf("%d built, %d cached, %d failed, %d skipped in %v",
		report.Built, report.Cached, report.Failed, report.Skipped, report.Duration)
	return report.ExitCode(), nil
}

func dumpGraph(args []string) error {
	fset := flag.NewFlagSet("graph", flag.ExitOnError)
	workspacePath := fset.String("workspace", "workspace.json", "path to the workspace manifest")
	fset.Parse(args)

	ws, err := loadWorkspace(*workspacePath)
	if err != nil {
		return err
	}
	g, err := graph.New(ws.Targets, nil)
	if err != nil {
		return err
	}
	b, err := g.DOT()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(b, '\n'))
	return err
}

func parseKind(s string) (anvil.TargetKind, error) {
	switch strings.ToLower(s) {
	case "executable", "":
		return anvil.Executable, nil
	case "library":
		return anvil.Library, nil
	case "test":
		return anvil.Test, nil
	case "custom":
		return anvil.Custom, nil
	}
	return 0, fmt.Errorf("unknown target kind %q", s)
}
