package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/stackctl/internal/config"
)

func newStateCommand(opts *config.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset the recorded buildstate",
	}
	cmd.AddCommand(newStateShowCommand(opts), newStateResetCommand(opts))
	return cmd
}

func newStateShowCommand(opts *config.Options) *cobra.Command {
	output := "yaml"
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the buildstate of the stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			st, err := e.store.Load(cmd.Context(), e.stack.Name)
			if err != nil {
				return err
			}
			switch strings.ToLower(output) {
			case "json":
				return writeJSON(cmd.OutOrStdout(), st.Persisted())
			case "yaml":
				return writeYAML(cmd.OutOrStdout(), st.Persisted())
			default:
				return fmt.Errorf("--output must be yaml or json (got %q)", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", output, "Format: yaml or json")
	return cmd
}

func newStateResetCommand(opts *config.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget everything recorded for the stack so the next run executes every phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.Reset(cmd.Context(), e.stack.Name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "buildstate for %s reset\n", e.stack.Name)
			return nil
		},
	}
}
