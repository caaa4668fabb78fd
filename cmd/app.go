package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/teetime-scheduler/internal/attempts"
	"github.com/example/teetime-scheduler/internal/auth"
	"github.com/example/teetime-scheduler/internal/booking"
	"github.com/example/teetime-scheduler/internal/challenge"
	"github.com/example/teetime-scheduler/internal/config"
	"github.com/example/teetime-scheduler/internal/db"
	"github.com/example/teetime-scheduler/internal/migrate"
	"github.com/example/teetime-scheduler/internal/notify"
	"github.com/example/teetime-scheduler/internal/runlock"
	"github.com/example/teetime-scheduler/internal/surface/bridge"
	"github.com/example/teetime-scheduler/internal/trigger"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg config.Config
	log zerolog.Logger

	db       *db.DB
	store    attempts.Store
	ops      auth.Operators
	sidecar  *bridge.Client
	trigger  *trigger.Service
	closeFns []func()
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.LogPretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("service", "teesched").Logger()
}

// openDB connects and optionally migrates. It returns nil without a
// DATABASE_URL; history then lives in memory for the life of the process.
func openDB(ctx context.Context, cfg config.Config, log zerolog.Logger, migrateUp bool) (*db.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if migrateUp {
		if err := migrate.Up(ctx, d, log); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

func buildApp(ctx context.Context, cfg config.Config, log zerolog.Logger, migrateUp bool) (*app, error) {
	a := &app{cfg: cfg, log: log}

	d, err := openDB(ctx, cfg, log, migrateUp)
	if err != nil {
		return nil, err
	}
	if d != nil {
		a.db = d
		a.closeFns = append(a.closeFns, d.Close)
		a.store = attempts.NewRepo(d)
		a.ops = auth.NewRepo(d)
	} else {
		log.Warn().Msg("DATABASE_URL not set, attempt history is kept in memory")
		a.store = attempts.NewMemory()
		a.ops = auth.NewMemory()
	}

	var lock runlock.Locker = runlock.NewLocal()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closeFns = append(a.closeFns, func() { _ = rdb.Close() })
		lock = runlock.NewRedis(rdb, "teesched:lock:")
	}

	var notifier notify.Notifier = notify.NewLog(log)
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, log)
		if err != nil {
			log.Warn().Err(err).Msg("telegram unavailable, notifying via log")
		} else {
			notifier = tg
		}
	}

	opensAt, err := cfg.OpensAt()
	if err != nil {
		a.Close()
		return nil, err
	}
	window, err := cfg.TargetWindow()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sidecar = bridge.New(cfg.Surface.SidecarURL, cfg.Surface.Timeout, log)
	resolver := challenge.NewResolver(cfg.Challenge, log)
	orch := booking.New(cfg.Site, a.sidecar, resolver, log)

	a.trigger = &trigger.Service{
		Booker:    orch,
		Ledger:    booking.NewItinerary(cfg.Site, a.sidecar, cfg.Location),
		Store:     a.store,
		Lock:      lock,
		Notifier:  notifier,
		Primary:   cfg.Primary(),
		Backup:    cfg.Backup(),
		Window:    window,
		OpensAt:   opensAt,
		DaysOut:   cfg.Schedule.DaysOut,
		Tolerance: cfg.Schedule.Tolerance,
		Prestage:  cfg.Schedule.Prestage,
		LockTTL:   cfg.Schedule.LockTTL,
		Log:       log,
	}
	return a, nil
}

// seedOperator adds the OPERATOR_USERNAME/OPERATOR_PASSWORD account to an
// in-memory operator store so the dashboard is reachable without a database.
func (a *app) seedOperator(ctx context.Context, s *auth.Store) error {
	if a.db != nil {
		return nil
	}
	user, pw := strings.TrimSpace(os.Getenv("OPERATOR_USERNAME")), os.Getenv("OPERATOR_PASSWORD")
	if user == "" || pw == "" {
		a.log.Warn().Msg("no database and no OPERATOR_USERNAME/OPERATOR_PASSWORD, dashboard login is disabled")
		return nil
	}
	_, err := s.CreateOperator(ctx, user, pw)
	return err
}

func (a *app) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
}
