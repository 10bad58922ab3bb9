package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fleet-crawler/internal/clock/system"
	"github.com/JakeFAU/fleet-crawler/internal/config"
	"github.com/JakeFAU/fleet-crawler/internal/dispatcher"
	"github.com/JakeFAU/fleet-crawler/internal/logging"
	"github.com/JakeFAU/fleet-crawler/internal/server"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <url>...",
		Short: "Enqueue seed URLs into the shared frontier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Store.Backend == config.BackendMemory {
				return errors.New("seed needs a shared store backend; set store.backend to postgres or sqlite")
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			stores, err := server.BuildStores(cmd.Context(), cfg, system.New(), logger)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, stores.Close()) }()

			out := cmd.OutOrStdout()
			var rejected int
			for _, raw := range args {
				task, fp, seedErr := dispatcher.Seed(cmd.Context(), stores.Frontier, raw)
				if seedErr != nil {
					rejected++
					logger.Warn("seed rejected", zap.String("url", raw), zap.Error(seedErr))
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", fp, task.URL)
			}
			if rejected > 0 {
				return fmt.Errorf("%d of %d seeds rejected", rejected, len(args))
			}
			return nil
		},
	}
}
