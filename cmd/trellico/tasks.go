package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/fswatch"
	"github.com/tailored-agentic-units/trellico/tasks"
)

func newTasksCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks in the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			names, err := tasks.List(cfg.WorkDir)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print task changes as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogging(cfg); err != nil {
				return err
			}

			w, err := tasks.NewWatcher(cfg.WorkDir, fswatch.WithDebounce(debounce))
			if err != nil {
				return err
			}
			defer w.Close()

			out := cmd.OutOrStdout()
			for _, name := range w.Names() {
				fmt.Fprintln(out, name)
			}

			done := make(chan error, 1)
			go func() { done <- w.Run(cmd.Context()) }()

			for change := range w.Changes() {
				for _, name := range change.Added {
					fmt.Fprintf(out, "+ %s\n", name)
				}
				for _, name := range change.Modified {
					fmt.Fprintf(out, "~ %s\n", name)
				}
				for _, name := range change.Removed {
					fmt.Fprintf(out, "- %s\n", name)
				}
			}
			return <-done
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", fswatch.DefaultDebounce, "quiet period before a batch of changes is reported")
	return cmd
}

func newIterationsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "iterations <task>",
		Short: "List the recorded iterations of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := tasks.ValidateName(args[0]); err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			db, err := durable.Open(&cfg.Durable)
			if err != nil {
				return err
			}
			defer db.Close()

			its, err := db.Iterations(cmd.Context(), durable.TaskKey{WorkDir: cfg.WorkDir, Task: args[0]})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tSTATUS\tSESSION\tPROVIDER\tCREATED")
			for _, it := range its {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", it.Number, it.Status, dash(it.SessionID), dash(it.Provider), it.CreatedAt.Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
