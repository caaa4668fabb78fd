package trigger

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/teetime-scheduler/internal/attempts"
	"github.com/example/teetime-scheduler/internal/booking"
	"github.com/example/teetime-scheduler/internal/gapscan"
	"github.com/example/teetime-scheduler/internal/reservation"
	"github.com/example/teetime-scheduler/internal/runlock"
)

type fakeBooker struct {
	mu   sync.Mutex
	reqs []booking.Request
	fn   func(booking.Request) reservation.Outcome
}

func (f *fakeBooker) Book(_ context.Context, req booking.Request) reservation.Outcome {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	out := f.fn(req)
	out.Date, out.Tier = req.Date, req.Tier.Name
	return out
}

type fakeLedger struct {
	existing []reservation.Existing
	err      error
}

func (f *fakeLedger) Reservations(context.Context, time.Time, time.Time) ([]reservation.Existing, error) {
	return f.existing, f.err
}

type fakeNotifier struct {
	outcomes []string
	reports  []gapscan.Report
}

func (f *fakeNotifier) NotifyOutcome(_ context.Context, source string, out reservation.Outcome) error {
	f.outcomes = append(f.outcomes, source+":"+string(out.Kind))
	return nil
}

func (f *fakeNotifier) NotifyReport(_ context.Context, rep gapscan.Report) error {
	f.reports = append(f.reports, rep)
	return nil
}

func booked(req booking.Request) reservation.Outcome {
	slot := reservation.Slot{Start: req.Window.Start.On(req.Date, req.Window.Location), Resource: req.Tier.Resources[0]}
	return reservation.Outcome{Kind: reservation.KindBooked, Step: reservation.StepSucceeded, Slot: &slot, FinishedAt: time.Now()}
}

type fixture struct {
	svc      *Service
	booker   *fakeBooker
	ledger   *fakeLedger
	store    *attempts.Memory
	lock     *runlock.Local
	notifier *fakeNotifier
	loc      *time.Location
}

func newFixture(t *testing.T, fn func(booking.Request) reservation.Outcome) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("America/Toronto")
	require.NoError(t, err)
	w, err := reservation.NewTargetWindow("07:00", "11:00", loc)
	require.NoError(t, err)
	at, err := reservation.ParseTimeOfDay("06:30:00")
	require.NoError(t, err)

	f := &fixture{
		booker:   &fakeBooker{fn: fn},
		ledger:   &fakeLedger{},
		store:    attempts.NewMemory(),
		lock:     runlock.NewLocal(),
		notifier: &fakeNotifier{},
		loc:      loc,
	}
	f.svc = &Service{
		Booker:    f.booker,
		Ledger:    f.ledger,
		Store:     f.store,
		Lock:      f.lock,
		Notifier:  f.notifier,
		Primary:   reservation.ResourceTier{Name: "primary", Resources: []string{"King Valley", "Wyndance"}, Required: 2},
		Backup:    reservation.ResourceTier{Name: "backup", Resources: []string{"Caledon Woods"}, Required: 1},
		Window:    w,
		OpensAt:   at,
		DaysOut:   5,
		Tolerance: 50 * time.Millisecond,
		LockTTL:   time.Minute,
		Log:       zerolog.New(io.Discard),
	}
	return f
}

func TestOpeningFor(t *testing.T) {
	f := newFixture(t, booked)
	date := time.Date(2026, 6, 20, 0, 0, 0, 0, f.loc)
	assert.Equal(t, time.Date(2026, 6, 15, 6, 30, 0, 0, f.loc), f.svc.OpeningFor(date))

	// Across the autumn clock change the opening stays at 06:30 local.
	date = time.Date(2026, 11, 4, 0, 0, 0, 0, f.loc)
	assert.Equal(t, time.Date(2026, 10, 30, 6, 30, 0, 0, f.loc), f.svc.OpeningFor(date))
}

func TestRunDaily(t *testing.T) {
	f := newFixture(t, booked)
	now := time.Date(2026, 6, 15, 6, 25, 0, 0, f.loc)

	out := f.svc.RunDaily(context.Background(), now)
	require.True(t, out.Succeeded())

	require.Len(t, f.booker.reqs, 1)
	req := f.booker.reqs[0]
	assert.True(t, req.TimeGated)
	assert.Equal(t, time.Date(2026, 6, 20, 0, 0, 0, 0, f.loc), req.Date)
	assert.Equal(t, time.Date(2026, 6, 15, 6, 30, 0, 0, f.loc), req.TriggerAt)
	assert.Equal(t, "primary", req.Tier.Name)

	recent, err := f.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, attempts.SourceDaily, recent[0].Source)
	assert.Equal(t, reservation.KindBooked, recent[0].Kind)
	assert.Equal(t, []string{"daily:booked"}, f.notifier.outcomes)
}

func TestRunBookingUntimed(t *testing.T) {
	f := newFixture(t, func(booking.Request) reservation.Outcome {
		return reservation.Outcome{Kind: reservation.KindNoQualifyingResult, Step: reservation.StepEvaluatingResults}
	})
	date := time.Date(2026, 6, 20, 0, 0, 0, 0, f.loc)

	out := f.svc.RunBooking(context.Background(), date, f.svc.Backup, false)
	assert.Equal(t, reservation.KindNoQualifyingResult, out.Kind)
	require.Len(t, f.booker.reqs, 1)
	assert.False(t, f.booker.reqs[0].TimeGated)
	assert.True(t, f.booker.reqs[0].TriggerAt.IsZero())
	assert.Equal(t, []string{"manual:no_qualifying_result"}, f.notifier.outcomes)
}

func TestTimeGatedRunRefusesBookedDate(t *testing.T) {
	f := newFixture(t, booked)
	date := time.Date(2026, 6, 20, 0, 0, 0, 0, f.loc)
	_, err := f.store.RecordAttempt(context.Background(), attempts.Attempt{TargetDate: date, Kind: reservation.KindBooked})
	require.NoError(t, err)

	out := f.svc.RunBooking(context.Background(), date, f.svc.Primary, true)
	assert.Equal(t, reservation.KindAborted, out.Kind)
	assert.Contains(t, out.Reason, "already holds a booking")
	assert.Empty(t, f.booker.reqs)
}

func TestLockBusy(t *testing.T) {
	f := newFixture(t, booked)
	release, err := f.lock.Acquire(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	defer release()

	out := f.svc.RunBooking(context.Background(), time.Date(2026, 6, 20, 0, 0, 0, 0, f.loc), f.svc.Primary, false)
	assert.Equal(t, reservation.KindAborted, out.Kind)
	assert.Contains(t, out.Reason, "in progress")

	_, err = f.svc.RunGapScan(context.Background(), 3, f.svc.Window)
	assert.ErrorIs(t, err, runlock.ErrBusy)
	assert.Empty(t, f.booker.reqs)
}

func TestGapScanSkipsRecordedBookings(t *testing.T) {
	f := newFixture(t, booked)
	dates := gapscan.Dates(time.Now(), 3, f.loc)
	_, err := f.store.RecordAttempt(context.Background(), attempts.Attempt{TargetDate: dates[0], Kind: reservation.KindBooked})
	require.NoError(t, err)

	rep, err := f.svc.RunGapScan(context.Background(), 3, f.svc.Window)
	require.NoError(t, err)
	assert.Equal(t, dates[1], rep.Target)
	assert.True(t, rep.Booked())
	assert.Equal(t, "primary", rep.BookedTier)

	scans, err := f.store.RecentScans(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, rep.RunID, scans[0].RunID)
	assert.Equal(t, 1, scans[0].Satisfied)

	recent, err := f.store.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, attempts.SourceGap, recent[0].Source)
	assert.Equal(t, rep.RunID, recent[0].RunID)
	require.Len(t, f.notifier.reports, 1)
}

func TestAmbiguousAttemptBlocksRebooking(t *testing.T) {
	f := newFixture(t, func(booking.Request) reservation.Outcome {
		return reservation.Outcome{Kind: reservation.KindStepTimeout, Step: reservation.StepConfirming}
	})
	dates := gapscan.Dates(time.Now(), 2, f.loc)

	rep, err := f.svc.RunGapScan(context.Background(), 2, f.svc.Window)
	require.NoError(t, err)
	assert.Equal(t, dates[0], rep.Target)
	require.Len(t, rep.Attempts, 1, "an ambiguous outcome never falls back")

	rep, err = f.svc.RunGapScan(context.Background(), 2, f.svc.Window)
	require.NoError(t, err)
	assert.Equal(t, dates[1], rep.Target, "the unverified date counts as held")

	recent, err := f.store.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].NeedsVerification)
}

func TestGapScanLedgerError(t *testing.T) {
	f := newFixture(t, booked)
	f.ledger.err = errors.New("itinerary unavailable")

	_, err := f.svc.RunGapScan(context.Background(), 3, f.svc.Window)
	require.Error(t, err)

	scans, err := f.store.RecentScans(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Contains(t, scans[0].Error, "itinerary unavailable")
	assert.Empty(t, f.notifier.reports)

	_, err = f.svc.RunGapScan(context.Background(), 3, f.svc.Window)
	assert.NotErrorIs(t, err, runlock.ErrBusy, "the lock is released after a failed scan")
}

type recordingLock struct {
	runlock.Locker
	mu  sync.Mutex
	at  time.Time
	ttl time.Duration
}

func (l *recordingLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	l.at, l.ttl = time.Now(), ttl
	l.mu.Unlock()
	return l.Locker.Acquire(ctx, key, ttl)
}

func TestTimedRunTakesLockAtPrestage(t *testing.T) {
	f := newFixture(t, booked)
	lock := &recordingLock{Locker: f.lock}
	f.svc.Lock = lock
	f.svc.Prestage = 1500 * time.Millisecond

	opening := time.Now().In(f.loc).Add(2 * time.Second).Truncate(time.Second)
	f.svc.OpensAt = reservation.TimeOfDay{Hour: opening.Hour(), Minute: opening.Minute(), Second: opening.Second()}
	date := reservation.Day(opening, f.loc).AddDate(0, 0, f.svc.DaysOut)
	require.True(t, f.svc.OpeningFor(date).Equal(opening))

	out := f.svc.RunBooking(context.Background(), date, f.svc.Primary, true)
	require.True(t, out.Succeeded())

	lock.mu.Lock()
	defer lock.mu.Unlock()
	assert.False(t, lock.at.Before(opening.Add(-f.svc.Prestage)), "lock taken before the pre-stage")
	assert.GreaterOrEqual(t, lock.ttl, f.svc.LockTTL+opening.Sub(lock.at), "lease covers the wait for the opening")
}

func TestTimedRunCancelledBeforePrestage(t *testing.T) {
	f := newFixture(t, booked)
	lock := &recordingLock{Locker: f.lock}
	f.svc.Lock = lock
	date := reservation.Day(time.Now(), f.loc).AddDate(0, 0, f.svc.DaysOut+3)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := f.svc.RunBooking(ctx, date, f.svc.Primary, true)

	assert.Equal(t, reservation.KindAborted, out.Kind)
	assert.Empty(t, f.booker.reqs)
	assert.True(t, lock.at.IsZero(), "no lease while waiting")
}
