package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/stackctl/internal/config"
	"github.com/example/stackctl/internal/stack"
)

func newPlanCommand(opts *config.Options) *cobra.Command {
	var diff bool
	output := "table"
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the deploy order and which phases buildstate already covers",
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

			p, err := stack.BuildPlan(cmd.Context(), e.stack, e.graph, e.sites, e.store, diff)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch strings.ToLower(output) {
			case "json":
				return writeJSON(out, p)
			case "yaml":
				return writeYAML(out, p)
			}
			return stack.PrintPlanTable(out, p)
		},
	}
	cmd.Flags().BoolVar(&diff, "diff", false, "Include a unified diff of each unit's configuration against buildstate")
	cmd.Flags().StringVarP(&output, "output", "o", output, "Plan format: table, json, or yaml")
	return cmd
}

func newGraphCommand(opts *config.Options) *cobra.Command {
	format := "dot"
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the dependency graph (DOT or Mermaid)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := stack.LoadFile(opts.File)
			if err != nil {
				return err
			}
			g, _, err := stack.BuildGraph(s)
			if err != nil {
				return err
			}
			switch strings.ToLower(format) {
			case "dot":
				return stack.PrintGraphDOT(cmd.OutOrStdout(), g)
			case "mermaid":
				return stack.PrintGraphMermaid(cmd.OutOrStdout(), g)
			default:
				return fmt.Errorf("--format must be dot or mermaid (got %q)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", format, "Graph format: dot or mermaid")
	return cmd
}
