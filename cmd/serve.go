package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP trigger and admin API",
		Long: `Starts the HTTP server exposing health probes, Prometheus metrics,
the run trigger and the crawl-state admin endpoints. The server drains and
exits on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := appInstance.Serve(ctx); err != nil {
				return err
			}
			zap.L().Info("server stopped")
			return nil
		},
	}
}
