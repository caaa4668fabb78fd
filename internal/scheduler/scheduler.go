package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/teetime-scheduler/internal/gapscan"
	"github.com/example/teetime-scheduler/internal/reservation"
)

// Runner is implemented by trigger.Service.
type Runner interface {
	RunDaily(ctx context.Context, now time.Time) reservation.Outcome
	RunGapScan(ctx context.Context, windowDays int, window reservation.TargetWindow) (gapscan.Report, error)
}

const defaultQuiet = 10 * time.Minute

// Scheduler starts the daily time-gated run ahead of each opening instant and
// runs gap scans on an interval in between.
type Scheduler struct {
	Trigger Runner

	Daily    bool
	OpensAt  reservation.TimeOfDay
	Prestage time.Duration

	GapInterval time.Duration
	GapDays     int
	Window      reservation.TargetWindow
	// QuietBefore suppresses gap scans this long before a pre-stage starts.
	QuietBefore time.Duration

	Log zerolog.Logger
	Now func() time.Time

	wg       sync.WaitGroup
	daily    atomic.Bool
	scanning atomic.Bool
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// NextOpening returns the first opening instant after now.
func (s *Scheduler) NextOpening(now time.Time) time.Time {
	loc := s.Window.Location
	opening := s.OpensAt.On(now, loc)
	if now.Before(opening) {
		return opening
	}
	y, m, d := now.In(loc).Date()
	return s.OpensAt.On(time.Date(y, m, d+1, 12, 0, 0, 0, loc), loc)
}

// Quiet reports whether a gap scan started now could collide with the daily
// run: one is active, or the next pre-stage starts within QuietBefore.
func (s *Scheduler) Quiet(now time.Time) bool {
	return s.daily.Load() || s.quiet(now)
}

func (s *Scheduler) quiet(now time.Time) bool {
	if !s.Daily {
		return false
	}
	q := s.QuietBefore
	if q <= 0 {
		q = defaultQuiet
	}
	start := s.NextOpening(now).Add(-s.Prestage)
	return start.Sub(now) < q
}

func (s *Scheduler) Run(ctx context.Context) error {
	log := s.Log.With().Str("component", "scheduler").Logger()

	var scanC <-chan time.Time
	if s.GapInterval > 0 {
		t := time.NewTicker(s.GapInterval)
		defer t.Stop()
		scanC = t.C
		// kick immediately
		s.scan(ctx, log)
	}

	var dailyC <-chan time.Time
	var opening time.Time
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	// arm schedules the first opening after from. A dispatched opening is never
	// armed again, even while its pre-stage is still running.
	arm := func(from time.Time) {
		now := s.now()
		opening = s.NextOpening(from)
		wait := opening.Add(-s.Prestage).Sub(now)
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		log.Info().Time("opening", opening).Dur("prestage_in", wait).Msg("daily run armed")
	}
	if s.Daily {
		dailyC = timer.C
		arm(s.now())
	}

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-scanC:
			s.scan(ctx, log)
		case <-dailyC:
			s.runDaily(ctx, opening, log)
			from := s.now()
			if from.Before(opening) {
				from = opening
			}
			arm(from)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, opening time.Time, log zerolog.Logger) {
	if !s.daily.CompareAndSwap(false, true) {
		log.Warn().Time("opening", opening).Msg("previous daily run still active, skipping")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.daily.Store(false)
		out := s.Trigger.RunDaily(ctx, opening)
		log.Info().Time("opening", opening).Str("kind", string(out.Kind)).Msg("daily run finished")
	}()
}

func (s *Scheduler) scan(ctx context.Context, log zerolog.Logger) {
	if s.Quiet(s.now()) {
		log.Debug().Msg("gap scan skipped near the daily run")
		return
	}
	if !s.scanning.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.scanning.Store(false)
		rep, err := s.Trigger.RunGapScan(ctx, s.GapDays, s.Window)
		if err != nil {
			log.Warn().Err(err).Msg("gap scan failed")
			return
		}
		log.Info().Str("run_id", rep.RunID).Bool("gap", rep.HasGap()).Bool("booked", rep.Booked()).Msg("gap scan finished")
	}()
}
