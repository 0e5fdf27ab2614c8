// run.go wires the init, build, deploy and up commands to stack.Run.
package main

import (
	"github.com/spf13/cobra"

	"github.com/example/stackctl/internal/config"
	"github.com/example/stackctl/internal/stack"
)

func newPhaseCommand(opts *config.Options, name, short string, phases ...stack.Phase) *cobra.Command {
	var only []string
	var force []string
	output := "table"
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			e, err := loadEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			runOpts, err := e.runOptions(cmd, phases)
			if err != nil {
				return err
			}
			runOpts.Only = only
			if runOpts.Force, err = parseForce(force, phases, e.graph); err != nil {
				return err
			}
			report, runErr := stack.Run(cmd.Context(), runOpts)
			return finishRun(cmd, report, runErr, output)
		},
	}
	cmd.Flags().StringSliceVar(&only, "only", nil, "Restrict the run to these units (names or FQNs); other units contribute outputs from buildstate")
	cmd.Flags().StringSliceVar(&force, "force", nil, "Ignore buildstate for these units ('all' for every unit)")
	cmd.Flags().StringVarP(&output, "output", "o", output, "Report format: table, json, or yaml")
	return cmd
}
