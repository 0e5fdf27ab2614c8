// main.go bootstraps stackctl: it builds the root Cobra command, binds viper, and executes with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/stackctl/internal/config"
	"github.com/example/stackctl/internal/stack"
	"github.com/example/stackctl/internal/version"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := config.NewOptions()
	var applyConfig func() error
	cmd := &cobra.Command{
		Use:           "stackctl",
		Short:         "Resolve, build and deploy a stack of services and projects",
		Long:          "stackctl builds the dependency graph of a stack.yaml, then runs init, build and deploy for every unit in dependency order, skipping what buildstate says is already done.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfig(); err != nil {
				return err
			}
			return opts.Validate()
		},
	}
	opts.AddFlags(cmd)

	cmd.AddCommand(
		newPlanCommand(opts),
		newGraphCommand(opts),
		newPhaseCommand(opts, "init", "Run the init phase for every unit", stack.PhaseInit),
		newPhaseCommand(opts, "build", "Build project artifacts", stack.PhaseBuild),
		newPhaseCommand(opts, "deploy", "Deploy every unit", stack.PhaseDeploy),
		newPhaseCommand(opts, "up", "Run init, build and deploy in one run", stack.AllPhases...),
		newRedeployCommand(opts),
		newWatchCommand(opts),
		newStateCommand(opts),
		newVersionCommand(),
	)
	cmd.Example = `  # Show what would run and what buildstate already covers
  stackctl plan --diff

  # Build and deploy everything, four phases at a time
  stackctl up --parallel 4

  # Redeploy whatever depends on the files you just changed
  stackctl redeploy flaskapp/app.py`
	applyConfig = bindViper(cmd)
	return cmd
}

// bindViper returns a hook that fills every flag the user did not set from
// STACKCTL_* env vars and the config file. It runs before option validation.
func bindViper(root *cobra.Command) func() error {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("STACKCTL")
	v.AutomaticEnv()
	configFile := os.Getenv("STACKCTL_CONFIG")
	configureConfigFile(v, configFile)

	return func() error {
		commands := allCommands(root)
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
				return err
			}
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		for _, cmd := range commands {
			for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()} {
				fs.VisitAll(func(f *pflag.Flag) {
					if f.Changed || !v.IsSet(f.Name) {
						return
					}
					val := v.Get(f.Name)
					if list, ok := val.([]interface{}); ok {
						parts := make([]string, 0, len(list))
						for _, item := range list {
							parts = append(parts, fmt.Sprintf("%v", item))
						}
						val = strings.Join(parts, ",")
					}
					if s := fmt.Sprintf("%v", val); s != "" {
						_ = f.Value.Set(s)
					}
				})
			}
		}
		return nil
	}
}

func allCommands(root *cobra.Command) []*cobra.Command {
	out := []*cobra.Command{root}
	for _, c := range root.Commands() {
		out = append(out, allCommands(c)...)
	}
	return out
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		if p, err := homedir.Expand(explicitPath); err == nil {
			explicitPath = p
		}
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := homedir.Dir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "stackctl"))
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

// errRunNotSucceeded is returned after the report has been printed; main only sets the exit code.
type errRunNotSucceeded struct {
	status stack.RunStatus
}

func (e *errRunNotSucceeded) Error() string {
	return fmt.Sprintf("run finished with status %s", e.status)
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	var notOK *errRunNotSucceeded
	if errors.As(err, &notOK) {
		return
	}
	message := err.Error()
	var cycle *stack.DependencyCycleError
	var unresolved *stack.UnresolvedReferenceError
	var dup *stack.DuplicateNameError
	switch {
	case errors.As(err, &cycle):
		message = fmt.Sprintf("%s\nHint: remove one of the deps or self.* references along the cycle; references imply a deploy dependency.", err)
	case errors.As(err, &unresolved):
		message = fmt.Sprintf("%s\nHint: the referenced unit must declare that field under deploy.outputs, and must have been deployed (check 'stackctl state show').", err)
	case errors.As(err, &dup):
		message = fmt.Sprintf("%s\nHint: qualify the dependency with deps.services or deps.projects.", err)
	case errors.Is(err, context.DeadlineExceeded):
		message = fmt.Sprintf("%s\nHint: raise deploy.timeout for the unit or verify connectivity to the cluster.", err)
	case errors.Is(err, context.Canceled):
		message = fmt.Sprintf("%s\nHint: the run was interrupted; rerun to continue from buildstate.", err)
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}
