// env.go loads the stack, buildstate backend, logger and executors shared by every command.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"helm.sh/helm/v3/pkg/cli"
	"k8s.io/klog/v2"

	"github.com/example/stackctl/internal/buildstate"
	"github.com/example/stackctl/internal/config"
	"github.com/example/stackctl/internal/executor"
	"github.com/example/stackctl/internal/logging"
	"github.com/example/stackctl/internal/stack"
)

type env struct {
	opts  *config.Options
	stack *stack.Stack
	graph *stack.Graph
	sites []stack.ReferenceSite
	store buildstate.Store
	log   logr.Logger
}

func loadEnv(cmd *cobra.Command, opts *config.Options) (*env, error) {
	log, err := logging.NewWithWriter(opts.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	// client-go and helm's kube client log through klog.
	klog.SetLogger(log.WithName("kube"))
	s, err := stack.LoadFile(opts.File)
	if err != nil {
		return nil, err
	}
	if opts.Root != "" {
		root, err := opts.StackRoot()
		if err != nil {
			return nil, err
		}
		s.Root = root
	}
	g, sites, err := stack.BuildGraph(s)
	if err != nil {
		return nil, err
	}
	store, err := openStore(opts.StateBackend, s.Root)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		store = buildstate.ReadOnly(store)
	}
	return &env{opts: opts, stack: s, graph: g, sites: sites, store: store, log: log}, nil
}

func openStore(backend, root string) (buildstate.Store, error) {
	switch backend {
	case config.BackendSQLite:
		st, err := buildstate.OpenSQLiteStore(root)
		if err != nil {
			return nil, fmt.Errorf("open sqlite buildstate: %w", err)
		}
		return st, nil
	default:
		return buildstate.NewFileStore(root), nil
	}
}

func (e *env) Close() error {
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

func (e *env) executors(cmd *cobra.Command) (stack.Executors, error) {
	shell, err := executor.ParseShell(e.opts.Shell)
	if err != nil {
		return stack.Executors{}, err
	}
	settings := cli.New()
	if e.opts.KubeConfigPath != "" {
		settings.KubeConfig = e.opts.KubeConfigPath
	}
	if e.opts.Context != "" {
		settings.KubeContext = e.opts.Context
	}
	return executor.New(executor.Options{
		Shell:         shell,
		Log:           e.log,
		Stderr:        cmd.ErrOrStderr(),
		DryRun:        e.opts.DryRun,
		DryRunOut:     cmd.OutOrStdout(),
		RegistryLocal: e.opts.RegistryLocal,
		Platforms:     e.opts.Platforms,
		BuildxBuilder: e.opts.BuildxBuilder,
		Helm:          settings,
		Terraform:     e.opts.Terraform,
	}), nil
}

func (e *env) runOptions(cmd *cobra.Command, phases []stack.Phase) (stack.RunOptions, error) {
	execs, err := e.executors(cmd)
	if err != nil {
		return stack.RunOptions{}, err
	}
	return stack.RunOptions{
		Stack:             e.stack,
		Graph:             e.graph,
		Sites:             e.sites,
		Phases:            phases,
		Executors:         execs,
		Store:             e.store,
		MaxParallel:       e.opts.Parallel,
		MaxParallelBuilds: e.opts.MaxParallelBuilds,
		ReleaseName:       e.opts.Release,
		Observers:         []stack.Observer{progressObserver(cmd.ErrOrStderr())},
		Log:               e.log,
	}, nil
}

var (
	progressStart = color.New(color.FgBlue).SprintFunc()
	progressOK    = color.New(color.FgGreen).SprintFunc()
	progressBad   = color.New(color.FgRed).SprintFunc()
	progressMuted = color.New(color.FgHiBlack).SprintFunc()
)

// progressObserver prints one line when a pair starts and one when it ends.
func progressObserver(w io.Writer) stack.Observer {
	start, ok, bad, muted := progressStart, progressOK, progressBad, progressMuted
	if !isTerminal(w) {
		plain := func(a ...interface{}) string { return fmt.Sprint(a...) }
		start, ok, bad, muted = plain, plain, plain, plain
	}
	return stack.ObserverFunc(func(t stack.Transition) {
		switch t.To {
		case stack.StatusRunning:
			fmt.Fprintf(w, "%s %s\n", start("=>"), t.Pair)
		case stack.StatusSucceeded:
			if t.Cached {
				fmt.Fprintf(w, "%s %s %s\n", muted("=="), t.Pair, muted("(cached)"))
				return
			}
			fmt.Fprintf(w, "%s %s\n", ok("ok"), t.Pair)
		case stack.StatusFailed:
			fmt.Fprintf(w, "%s %s: %s\n", bad("!!"), t.Pair, t.Cause)
		case stack.StatusSkipped:
			fmt.Fprintf(w, "%s %s: %s\n", muted("--"), t.Pair, t.Cause)
		}
	})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// finishRun prints the report and converts its status into the command's error.
func finishRun(cmd *cobra.Command, report *stack.RunReport, runErr error, output string) error {
	if report != nil {
		if err := writeReport(cmd.OutOrStdout(), report, output); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if report != nil && report.Status != stack.RunSucceeded {
		return &errRunNotSucceeded{status: report.Status}
	}
	return nil
}

func writeReport(w io.Writer, report *stack.RunReport, output string) error {
	switch strings.ToLower(output) {
	case "json":
		return writeJSON(w, report)
	case "yaml":
		return writeYAML(w, report)
	default:
		return stack.PrintReport(w, report)
	}
}

func parseForce(values []string, phases []stack.Phase, g *stack.Graph) (map[string][]stack.Phase, error) {
	if len(values) == 0 {
		return nil, nil
	}
	force := map[string][]stack.Phase{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "all" || v == "*" {
			for _, fqn := range g.Order() {
				force[fqn] = phases
			}
			continue
		}
		fqn, err := g.Lookup(v)
		if err != nil {
			return nil, err
		}
		force[fqn] = phases
	}
	return force, nil
}

func validateOutput(output string) error {
	switch strings.ToLower(output) {
	case "", "table", "json", "yaml":
		return nil
	}
	return fmt.Errorf("--output must be table, json, or yaml (got %q)", output)
}
