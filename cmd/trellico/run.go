package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/trellico/core/protocol"
	"github.com/tailored-agentic-units/trellico/kernel"
	"github.com/tailored-agentic-units/trellico/provider"
)

func newRunCmd(opts *options) *cobra.Command {
	var providerName string

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one plan session and print the agent's replies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind provider.Kind
			if providerName != "" {
				var err error
				if kind, err = provider.ParseKind(providerName); err != nil {
					return err
				}
			}

			k, err := opts.open(func(cfg *kernel.Config) {
				if kind != "" {
					cfg.Registry.DefaultProvider = kind
				}
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer k.Close(ctx)

			stop := background(ctx, k)
			defer stop()

			result, err := k.Execute(ctx, strings.Join(args, " "))
			if err != nil {
				printProviderHint(cmd, err)
				return err
			}

			out := cmd.OutOrStdout()
			for _, msg := range result.Messages {
				if msg.Type != protocol.TypeAssistant {
					continue
				}
				for _, text := range msg.Texts() {
					fmt.Fprintln(out, text)
				}
			}
			fmt.Fprintf(out, "\nSession: %s (exit %d, %s)\n", result.SessionID, result.ExitCode, result.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "agent provider: claude_code or amp (overrides config)")
	return cmd
}

// printProviderHint prints the auth instructions carried by provider errors.
func printProviderHint(cmd *cobra.Command, err error) {
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.AuthInstructions == "" {
		return
	}
	fmt.Fprintln(cmd.ErrOrStderr(), perr.AuthInstructions)
}
