package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/teetime-scheduler/internal/attempts"
	"github.com/example/teetime-scheduler/internal/db"
	"github.com/example/teetime-scheduler/internal/export"
)

func newExportCmd() *cobra.Command {
	var (
		out   string
		limit int
	)

	c := &cobra.Command{
		Use:   "export",
		Short: "Write recent attempts and gap scans to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("export needs DATABASE_URL")
			}

			ctx := context.Background()
			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			repo := attempts.NewRepo(d)
			as, err := repo.Recent(ctx, limit)
			if err != nil {
				return err
			}
			scans, err := repo.RecentScans(ctx, limit)
			if err != nil {
				return err
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := export.WriteAttempts(f, as, scans); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d attempt(s) and %d scan(s) to %s\n", len(as), len(scans), out)
			return nil
		},
	}

	c.Flags().StringVarP(&out, "out", "o", "teesched-attempts.xlsx", "output file")
	c.Flags().IntVar(&limit, "limit", 1000, "maximum rows per sheet")
	return c
}
