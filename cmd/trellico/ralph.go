package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/trellico/iteration"
	"github.com/tailored-agentic-units/trellico/kernel"
	"github.com/tailored-agentic-units/trellico/tasks"
)

func newRalphCmd(opts *options) *cobra.Command {
	var maxIterations int

	cmd := &cobra.Command{
		Use:   "ralph <task>",
		Short: "Run the iteration loop over a task until the agent reports completion",
		Long: `Run the iteration loop over a task. Each iteration launches a fresh agent
session pointed at the task's prd.json; the loop ends when an agent reports
completion, an iteration fails, or the process is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := args[0]

			k, err := opts.open(func(cfg *kernel.Config) {
				if maxIterations > 0 {
					cfg.Iteration.MaxIterations = maxIterations
				}
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer k.Close(context.WithoutCancel(ctx))

			if _, err := tasks.Read(k.Config().WorkDir, task); err != nil {
				return err
			}

			stop := background(ctx, k)
			defer stop()

			ctrl := k.Controller()
			if err := ctrl.StartIteration(ctx, task); err != nil {
				printProviderHint(cmd, err)
				return err
			}

			select {
			case o := <-ctrl.Outcomes():
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s after iteration %d\n", o.TaskID, o.Reason, o.Iteration)
				if o.Err != nil {
					printProviderHint(cmd, o.Err)
				}
				return o.Err
			case <-ctx.Done():
				err := ctrl.StopIteration(context.WithoutCancel(ctx))
				if errors.Is(err, iteration.ErrNotRunning) {
					err = nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: stopped\n", task)
				return err
			}
		},
	}

	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "stop after this many iterations; 0 for unlimited (overrides config)")
	return cmd
}
