package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <url>...",
		Short: "Print the canonical form and fingerprint of each URL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, raw := range args {
				canonical, fp, err := crawler.Normalize(raw)
				if err != nil {
					return fmt.Errorf("%s: %w", raw, err)
				}
				fmt.Fprintf(out, "%s\t%s\n", fp, canonical)
			}
			return nil
		},
	}
}
