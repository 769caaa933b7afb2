package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/trellico/provider"
)

func newCheckCmd(_ *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check [provider...]",
		Short: "Report whether each agent provider is installed and logged in",
		RunE: func(cmd *cobra.Command, args []string) error {
			providers := provider.NewRegistry()

			var kinds []provider.Kind
			for _, arg := range args {
				kind, err := provider.ParseKind(arg)
				if err != nil {
					return err
				}
				kinds = append(kinds, kind)
			}
			if len(kinds) == 0 {
				for _, def := range providers.List() {
					kinds = append(kinds, def.Kind)
				}
			}

			checker := provider.NewSystemChecker(providers)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tSTATUS\tBINARY\tVERSION")

			var unavailable []provider.Status
			for _, kind := range kinds {
				status := checker.CheckAvailable(cmd.Context(), kind)
				state := "ok"
				if !status.Available {
					state = string(status.ErrorKind)
					unavailable = append(unavailable, status)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", kind, state, dash(status.Binary), dash(status.Version))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			for _, status := range unavailable {
				if status.AuthInstructions != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", status.Provider, status.AuthInstructions)
				}
			}
			if len(unavailable) > 0 {
				return fmt.Errorf("%d provider(s) unavailable", len(unavailable))
			}
			return nil
		},
	}
}
