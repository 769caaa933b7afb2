package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/trellico/kernel"
)

func newServeCmd(opts *options) *cobra.Command {
	var addr, apiKey string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the orchestrator over Connect RPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := opts.open(func(cfg *kernel.Config) {
				if addr != "" {
					cfg.Server.Addr = addr
				}
				if apiKey != "" {
					cfg.Server.APIKey = apiKey
				}
			})
			if err != nil {
				return err
			}
			defer k.Close(context.WithoutCancel(cmd.Context()))

			err = k.Serve(cmd.Context())
			if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "require this key on every call (overrides config)")
	return cmd
}
