package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fleet-crawler/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run crawl workers and the operator API",
		Long: `Starts the work loop and the HTTP API. Configured seeds are enqueued at
startup. The process exits on SIGINT/SIGTERM or when a backing store becomes
unavailable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
