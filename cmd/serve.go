package main

import (
	"github.com/Shugur-Network/relayfetch/internal/application"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP fetch API",
		Long:  "Serve /fetch, /latest and /per-key over HTTP, with /health and Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				cfg.Server.ListenAddr, _ = cmd.Flags().GetString("listen")
			}

			ctx := cmd.Context()
			node, err := application.New(ctx, cfg)
			if err != nil {
				logger.Error("Failed to initialize relayfetch", zap.Error(err))
				return err
			}
			defer node.Shutdown()

			logger.Info("Starting relayfetch API",
				zap.String("listen", cfg.Server.ListenAddr),
				zap.Int("default_relays", len(cfg.Relays.Default)))
			return node.Serve(ctx)
		},
	}
	cmd.Flags().String("listen", "", "Listen address, overrides server.listen_addr")
	return cmd
}
