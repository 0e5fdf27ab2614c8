// redeploy.go holds the redeploy and watch commands, both driven by stack.Redeploy.
package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/stackctl/internal/config"
	"github.com/example/stackctl/internal/stack"
	"github.com/example/stackctl/internal/watch"
)

func newRedeployCommand(opts *config.Options) *cobra.Command {
	output := "table"
	cmd := &cobra.Command{
		Use:   "redeploy PATH...",
		Short: "Rebuild and redeploy the units whose artifacts include the given paths",
		Long:  "redeploy matches PATH against each unit's build context, script, custom chart and files. Matching projects are rebuilt; when the stack's watcher patches, the matching units and everything that references their outputs are redeployed too.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(output); err != nil {
				return err
			}
			e, err := loadEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			runOpts, err := e.runOptions(cmd, stack.AllPhases)
			if err != nil {
				return err
			}
			report, runErr := stack.Redeploy(cmd.Context(), stack.RedeployOptions{RunOptions: runOpts, ChangedPaths: args})
			return finishRun(cmd, report, runErr, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", output, "Report format: table, json, or yaml")
	return cmd
}

func newWatchCommand(opts *config.Options) *cobra.Command {
	var skipInitial bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the stack, then redeploy affected units whenever watched files change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			runOpts, err := e.runOptions(cmd, stack.AllPhases)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if !skipInitial {
				report, runErr := stack.Run(ctx, runOpts)
				if err := finishRun(cmd, report, runErr, "table"); err != nil {
					return err
				}
			}

			w := &watch.Watcher{
				Root:     e.stack.Root,
				Paths:    e.stack.Watcher.WatchPaths(),
				Interval: e.stack.Watcher.Interval(),
				Log:      e.log,
				Handler: func(ctx context.Context, changed []string) error {
					report, runErr := stack.Redeploy(ctx, stack.RedeployOptions{RunOptions: runOpts, ChangedPaths: changed})
					if runErr != nil {
						return runErr
					}
					if len(report.Results) == 0 {
						return nil
					}
					if err := stack.PrintReport(cmd.OutOrStdout(), report); err != nil {
						return err
					}
					if report.Status != stack.RunSucceeded {
						return fmt.Errorf("redeploy finished with status %s", report.Status)
					}
					return nil
				},
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&skipInitial, "skip-initial", false, "Do not run the full stack before watching")
	return cmd
}
