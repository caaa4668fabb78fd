// Package trigger is the entry point scheduling infrastructure calls to run a
// booking or a gap scan. It serializes runs, records every outcome and tells
// the operator.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/teetime-scheduler/internal/attempts"
	"github.com/example/teetime-scheduler/internal/booking"
	"github.com/example/teetime-scheduler/internal/gapscan"
	"github.com/example/teetime-scheduler/internal/metrics"
	"github.com/example/teetime-scheduler/internal/notify"
	"github.com/example/teetime-scheduler/internal/reservation"
	"github.com/example/teetime-scheduler/internal/runlock"
)

const (
	lockKey       = "booking"
	recordTimeout = 10 * time.Second
	pendingScan   = 200
)

// Service wires the orchestrator and scanner to persistence, locking,
// metrics and notification.
type Service struct {
	Booker   gapscan.Booker
	Ledger   gapscan.Ledger
	Store    attempts.Store
	Lock     runlock.Locker
	Notifier notify.Notifier

	Primary reservation.ResourceTier
	Backup  reservation.ResourceTier
	Window  reservation.TargetWindow

	OpensAt   reservation.TimeOfDay
	DaysOut   int
	Tolerance time.Duration
	// Prestage is how long before the opening a time-gated run logs in and
	// takes the run lock.
	Prestage time.Duration
	LockTTL  time.Duration

	Log zerolog.Logger
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) log() zerolog.Logger {
	return s.Log.With().Str("component", "trigger").Logger()
}

// OpeningFor returns the instant date becomes bookable: the opening time,
// DaysOut days earlier.
func (s *Service) OpeningFor(date time.Time) time.Time {
	loc := s.Window.Location
	y, m, d := date.In(loc).Date()
	return s.OpensAt.On(time.Date(y, m, d-s.DaysOut, 12, 0, 0, 0, loc), loc)
}

// RunBooking books one slot on date from tier. A time-gated run holds the
// search until the date's opening instant.
func (s *Service) RunBooking(ctx context.Context, date time.Time, tier reservation.ResourceTier, timeGated bool) reservation.Outcome {
	return s.book(ctx, attempts.SourceManual, date, tier, timeGated)
}

// RunDaily is the time-gated run for the date that opens today.
func (s *Service) RunDaily(ctx context.Context, now time.Time) reservation.Outcome {
	date := reservation.Day(now, s.Window.Location).AddDate(0, 0, s.DaysOut)
	return s.book(ctx, attempts.SourceDaily, date, s.Primary, true)
}

func (s *Service) book(ctx context.Context, source string, date time.Time, tier reservation.ResourceTier, timeGated bool) reservation.Outcome {
	log := s.log().With().Str("source", source).Str("date", date.Format("2006-01-02")).Str("tier", tier.Name).Logger()
	req := booking.Request{Date: date, Tier: tier, Window: s.Window, TimeGated: timeGated}
	ttl := s.LockTTL
	if timeGated {
		req.TriggerAt = s.OpeningFor(date)
		req.Tolerance = s.Tolerance

		if !s.waitForPrestage(ctx, req.TriggerAt, log) {
			return s.refused(date, tier, "cancelled before the pre-stage")
		}
		// The lease has to outlive the wait in AwaitingTrigger.
		if wait := req.TriggerAt.Sub(s.now()); wait > 0 {
			ttl += wait
		}

		booked, err := s.Store.BookedDates(ctx, date, date)
		if err != nil {
			log.Error().Err(err).Msg("read booked dates")
		} else if len(booked) > 0 {
			log.Info().Msg("date already holds a booking, skipping")
			return s.refused(date, tier, "date already holds a booking or an unverified attempt")
		}
	}

	release, err := s.Lock.Acquire(ctx, lockKey, ttl)
	if err != nil {
		if errors.Is(err, runlock.ErrBusy) {
			metrics.IncLockBusy()
			log.Warn().Msg("another run holds the lock")
			return s.refused(date, tier, "another run is in progress")
		}
		log.Error().Err(err).Msg("acquire run lock")
		return s.refused(date, tier, err.Error())
	}
	defer release()

	out := s.Booker.Book(ctx, req)
	runID := uuid.NewString()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	s.record(rctx, runID, source, out, req)
	if err := s.Notifier.NotifyOutcome(rctx, source, out); err != nil {
		log.Warn().Err(err).Msg("notify outcome")
	}
	s.RefreshPending(rctx)
	return out
}

// waitForPrestage sleeps until Prestage before triggerAt so that a run booked
// days ahead does not hold the run lock for the whole wait.
func (s *Service) waitForPrestage(ctx context.Context, triggerAt time.Time, log zerolog.Logger) bool {
	wait := triggerAt.Add(-s.Prestage).Sub(s.now())
	if wait <= 0 {
		return ctx.Err() == nil
	}
	log.Info().Time("trigger_at", triggerAt).Dur("wait", wait).Msg("waiting for the pre-stage")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Service) refused(date time.Time, tier reservation.ResourceTier, reason string) reservation.Outcome {
	return reservation.Outcome{
		Kind:       reservation.KindAborted,
		Step:       reservation.StepAuthenticating,
		Reason:     reason,
		Date:       date,
		Tier:       tier.Name,
		FinishedAt: s.now(),
	}
}

func (s *Service) record(ctx context.Context, runID, source string, out reservation.Outcome, req booking.Request) {
	log := s.log()
	metrics.IncAttempt(source, out.Tier, string(out.Kind))
	if req.TimeGated && !out.TriggeredAt.IsZero() {
		metrics.ObserveTriggerDrift(out.TriggeredAt.Sub(req.TriggerAt))
	}
	if !out.ChallengeResolvedAt.IsZero() && !out.TriggeredAt.IsZero() {
		metrics.ObserveChallenge(out.ChallengeResolvedAt.Sub(out.TriggeredAt))
	}
	if _, err := s.Store.RecordAttempt(ctx, attempts.FromOutcome(runID, source, out)); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("record attempt")
	}
}

// RunGapScan scans the next windowDays dates and books the earliest gap.
// Dates already booked by an earlier run count as satisfied.
func (s *Service) RunGapScan(ctx context.Context, windowDays int, window reservation.TargetWindow) (gapscan.Report, error) {
	log := s.log().With().Str("source", attempts.SourceGap).Logger()

	release, err := s.Lock.Acquire(ctx, lockKey, s.LockTTL)
	if err != nil {
		if errors.Is(err, runlock.ErrBusy) {
			metrics.IncLockBusy()
			metrics.IncScan("busy")
		}
		return gapscan.Report{}, fmt.Errorf("gap scan: %w", err)
	}
	defer release()

	ledger := &mergedLedger{surface: s.Ledger, store: s.Store, window: window}
	scanner := gapscan.New(ledger, s.Booker, s.Primary, s.Backup, s.Log)
	rep, scanErr := scanner.Scan(ctx, windowDays, window)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	for _, out := range rep.Attempts {
		s.record(rctx, rep.RunID, attempts.SourceGap, out, booking.Request{})
	}
	if _, err := s.Store.RecordScan(rctx, attempts.FromReport(rep, scanErr)); err != nil {
		log.Error().Err(err).Str("run_id", rep.RunID).Msg("record scan")
	}
	metrics.IncScan(scanResult(rep, scanErr))

	if scanErr != nil {
		log.Error().Err(scanErr).Str("run_id", rep.RunID).Msg("gap scan failed")
		return rep, scanErr
	}
	if rep.HasGap() {
		if err := s.Notifier.NotifyReport(rctx, rep); err != nil {
			log.Warn().Err(err).Msg("notify report")
		}
		s.RefreshPending(rctx)
	}
	return rep, nil
}

func scanResult(rep gapscan.Report, err error) string {
	switch {
	case err != nil:
		return "error"
	case !rep.HasGap():
		return "no_gap"
	case rep.Booked():
		return "booked"
	default:
		return "not_booked"
	}
}

// RefreshPending updates the pending-verification gauge from the store.
func (s *Service) RefreshPending(ctx context.Context) {
	recent, err := s.Store.Recent(ctx, pendingScan)
	if err != nil {
		l := s.log()
		l.Warn().Err(err).Msg("count pending verifications")
		return
	}
	n := 0
	for _, a := range recent {
		if a.NeedsVerification && a.VerifiedAt == nil {
			n++
		}
	}
	metrics.SetPendingVerification(n)
}

// mergedLedger adds the dates this system already booked, or may have booked,
// to the reservations read from the site. The site's itinerary can lag behind
// a fresh booking and never shows an ambiguous one.
type mergedLedger struct {
	surface gapscan.Ledger
	store   attempts.Store
	window  reservation.TargetWindow
}

func (l *mergedLedger) Reservations(ctx context.Context, from, to time.Time) ([]reservation.Existing, error) {
	existing, err := l.surface.Reservations(ctx, from, to)
	if err != nil {
		return nil, err
	}
	dates, err := l.store.BookedDates(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("booked dates: %w", err)
	}
	loc := l.window.Location
	for _, d := range dates {
		y, m, dd := d.Date()
		existing = append(existing, reservation.Existing{
			Start:    l.window.Start.On(time.Date(y, m, dd, 12, 0, 0, 0, loc), loc),
			Resource: "recorded",
		})
	}
	return existing, nil
}
