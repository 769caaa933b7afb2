package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/plans"
	"github.com/tailored-agentic-units/trellico/tasks"
)

func newPlansCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plans [name]",
		Short: "List the plans in the project, or print one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				data, err := plans.Read(cfg.WorkDir, args[0])
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}

			names, err := plans.List(cfg.WorkDir)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
}

var errLinkKind = errors.New(`link kind must be "plan" or "task"`)

func newLinkCmd(opts *options) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "link <plan|task> <name>",
		Short: "Show or set the session linked to a plan or task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				typ  durable.LinkType
				file string
			)
			switch args[0] {
			case "plan":
				if err := plans.ValidateName(args[1]); err != nil {
					return err
				}
				typ, file = durable.LinkPlan, plans.FileName(args[1])
			case "task":
				if err := tasks.ValidateName(args[1]); err != nil {
					return err
				}
				typ, file = durable.LinkTask, args[1]
			default:
				return fmt.Errorf("%w: %q", errLinkKind, args[0])
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

			ctx := cmd.Context()
			if sessionID != "" {
				link := durable.SessionLink{WorkDir: cfg.WorkDir, FileName: file, Type: typ, SessionID: sessionID}
				if err := db.SaveLink(ctx, link); err != nil {
					return err
				}
			}
			link, err := db.LinkByFile(ctx, cfg.WorkDir, file, typ)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tTYPE\tSESSION\tPROVIDER\tUPDATED")
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", link.FileName, link.Type, link.SessionID, dash(link.Provider), link.UpdatedAt.Format(time.DateTime))
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "link the file to this session before showing it")
	return cmd
}
