package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/teetime-scheduler/internal/notify"
)

func newScanCmd() *cobra.Command {
	var days int

	c := &cobra.Command{
		Use:   "scan",
		Short: "Run one gap scan and book the earliest uncovered day",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, cfg, log, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if days <= 0 {
				days = cfg.Schedule.GapScanDays
			}
			window, err := cfg.TargetWindow()
			if err != nil {
				return err
			}
			rep, err := a.trigger.RunGapScan(ctx, days, window)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), notify.ReportText(rep))
			return nil
		},
	}

	c.Flags().IntVar(&days, "days", 0, "number of days after today to scan (default from config)")
	return c
}
