package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"claimbot/internal/config"
	"claimbot/internal/delivery"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete screenshots and confirmation images past retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			age := maxAge
			if age <= 0 {
				age = config.MustDuration(cfg.Delivery.Retention, 24*time.Hour)
			}
			total := 0
			for _, dir := range []string{cfg.Claims.ScreenshotDir, cfg.Claims.OutputDir} {
				n, err := delivery.Sweep(dir, age)
				if err != nil {
					return fmt.Errorf("sweep %s: %w", dir, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: removed %d\n", dir, n)
				total += n
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d files older than %s\n", total, age)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Override delivery.retention")
	return cmd
}
