package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/teetime-scheduler/internal/auth"
	"github.com/example/teetime-scheduler/internal/metrics"
	"github.com/example/teetime-scheduler/internal/scheduler"
	"github.com/example/teetime-scheduler/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the scheduler and the operator dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireSecrets(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, cfg, log, migrateUp)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.sidecar.Ping(ctx); err != nil {
				log.Warn().Err(err).Str("sidecar", cfg.Surface.SidecarURL).Msg("sidecar not reachable yet")
			}

			metrics.Register()
			a.trigger.RefreshPending(ctx)

			// scheduler
			window, _ := cfg.TargetWindow()
			opensAt, _ := cfg.OpensAt()
			s := &scheduler.Scheduler{
				Trigger:     a.trigger,
				Daily:       cfg.Schedule.Daily,
				OpensAt:     opensAt,
				Prestage:    cfg.Schedule.Prestage,
				GapInterval: cfg.Schedule.GapScanInterval,
				GapDays:     cfg.Schedule.GapScanDays,
				Window:      window,
				Log:         log,
			}
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = s.Run(ctx)
			}()

			// web
			authStore := auth.NewStore(a.ops, cfg.CookieHashKey, cfg.CookieBlockKey)
			if err := a.seedOperator(ctx, authStore); err != nil {
				return err
			}
			ws := &web.Server{
				Auth:     authStore,
				Attempts: a.store,
				Trigger:  a.trigger,
				GapDays:  cfg.Schedule.GapScanDays,
				Window:   window,
				Quiet:    s.Quiet,
				Ctx:      ctx,
				BaseURL:  cfg.BaseURL,
				Log:      log,
			}
			err = web.Start(ctx, cfg.ListenAddr, ws.Routes(), log)
			cancel()
			<-done
			ws.Wait()
			return err
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
