// File: internal/executor/executor.go
// Brief: Executor options and wiring of the phase executors.

package executor

import (
	"io"

	"github.com/go-logr/logr"
	"helm.sh/helm/v3/pkg/cli"

	"github.com/example/stackctl/internal/stack"
)

// Options configures the default executor set.
type Options struct {
	Shell         []string
	Log           logr.Logger
	Stderr        io.Writer
	DryRun        bool
	DryRunOut     io.Writer
	Runner        Runner
	RegistryLocal bool
	Platforms     []string
	BuildxBuilder string
	Helm          *cli.EnvSettings
	Terraform     string
}

// New assembles init, build and deploy executors. In dry-run mode commands are
// printed and deploys only render their outputs.
func New(opts Options) stack.Executors {
	runner := opts.Runner
	switch {
	case runner != nil:
	case opts.DryRun:
		runner = &DryRunner{Out: opts.DryRunOut}
	default:
		runner = ExecRunner{Log: opts.Log, Stderr: opts.Stderr}
	}
	exec := stack.Executors{
		Init: &ShellInit{Shell: opts.Shell, Runner: runner, Log: opts.Log},
		Build: &Builder{
			Docker: &DockerBuilder{
				Runner:     runner,
				Log:        opts.Log,
				BuildxName: opts.BuildxBuilder,
				Platforms:  opts.Platforms,
				ForceLocal: opts.RegistryLocal,
			},
			Script: &ScriptBuilder{Shell: opts.Shell, Runner: runner, Log: opts.Log},
		},
	}
	if opts.DryRun {
		exec.Deploy = &DryRunDeployer{Out: opts.DryRunOut}
		return exec
	}
	settings := opts.Helm
	if settings == nil {
		settings = cli.New()
	}
	exec.Deploy = &CompositeDeployer{
		Helm: NewHelmDeployer(settings, opts.Log),
		IaC:  &TerraformDeployer{Binary: opts.Terraform, Runner: runner, Log: opts.Log},
	}
	return exec
}
