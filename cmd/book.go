package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/teetime-scheduler/internal/notify"
	"github.com/example/teetime-scheduler/internal/reservation"
)

func newBookCmd() *cobra.Command {
	var (
		date  string
		tier  string
		timed bool
	)

	c := &cobra.Command{
		Use:   "book",
		Short: "Run one booking attempt now, or at the date's opening instant with --timed",
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

			var t reservation.ResourceTier
			switch tier {
			case "primary":
				t = cfg.Primary()
			case "backup":
				t = cfg.Backup()
			default:
				return fmt.Errorf("invalid --tier %q (want primary or backup)", tier)
			}

			target := reservation.Day(time.Now(), cfg.Location).AddDate(0, 0, cfg.Schedule.DaysOut)
			if date != "" {
				target, err = time.ParseInLocation("2006-01-02", date, cfg.Location)
				if err != nil {
					return fmt.Errorf("invalid --date (want YYYY-MM-DD)")
				}
			}
			if timed {
				log.Info().Time("opening", a.trigger.OpeningFor(target)).Msg("waiting for the opening instant")
			}

			out := a.trigger.RunBooking(ctx, target, t, timed)
			fmt.Fprintln(cmd.OutOrStdout(), notify.OutcomeText("manual", out))
			if out.Expected() {
				return nil
			}
			return out.Err()
		},
	}

	c.Flags().StringVar(&date, "date", "", "date to book YYYY-MM-DD (default: the date opening today)")
	c.Flags().StringVar(&tier, "tier", "primary", "resource tier: primary or backup")
	c.Flags().BoolVar(&timed, "timed", false, "hold the search until the date's opening instant")
	return c
}
