// Package gapscan finds the first day in a rolling window without a qualifying
// reservation and books it, primary tier first, backup tier once.
package gapscan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/teetime-scheduler/internal/booking"
	"github.com/example/teetime-scheduler/internal/reservation"
)

// Ledger lists the reservations already held in a date range.
type Ledger interface {
	Reservations(ctx context.Context, from, to time.Time) ([]reservation.Existing, error)
}

// Booker runs one untimed booking attempt.
type Booker interface {
	Book(ctx context.Context, req booking.Request) reservation.Outcome
}

// Report is the structured result of one scan.
type Report struct {
	RunID        string
	StartedAt    time.Time
	FinishedAt   time.Time
	Window       string
	DatesChecked []time.Time
	Satisfied    []time.Time
	Gaps         []time.Time
	Target       time.Time // zero when every date was satisfied
	Attempts     []reservation.Outcome
	BookedTier   string
	Outcome      *reservation.Outcome // last attempt's outcome
}

func (r Report) Booked() bool { return r.Outcome != nil && r.Outcome.Succeeded() }

// HasGap reports whether the scan found a date to book.
func (r Report) HasGap() bool { return !r.Target.IsZero() }

type Scanner struct {
	ledger  Ledger
	booker  Booker
	primary reservation.ResourceTier
	backup  reservation.ResourceTier
	log     zerolog.Logger
	now     func() time.Time
}

func New(ledger Ledger, booker Booker, primary, backup reservation.ResourceTier, log zerolog.Logger) *Scanner {
	return &Scanner{
		ledger:  ledger,
		booker:  booker,
		primary: primary,
		backup:  backup,
		log:     log.With().Str("component", "gapscan").Logger(),
		now:     time.Now,
	}
}

// Scan checks the windowDays dates after today, reading the ledger once, and
// books at most one slot on the earliest gap day. Attempt failures are carried
// in the report; the error is reserved for inputs and the ledger read.
func (s *Scanner) Scan(ctx context.Context, windowDays int, window reservation.TargetWindow) (rep Report, err error) {
	rep = Report{RunID: uuid.NewString(), StartedAt: s.now(), Window: window.String()}
	defer func() { rep.FinishedAt = s.now() }()
	log := s.log.With().Str("run_id", rep.RunID).Logger()

	if windowDays < 1 {
		return rep, fmt.Errorf("%w: scan window of %d days", reservation.ErrFormConfigInvalid, windowDays)
	}
	if err := window.Validate(); err != nil {
		return rep, err
	}

	rep.DatesChecked = Dates(rep.StartedAt, windowDays, window.Location)
	first, last := rep.DatesChecked[0], rep.DatesChecked[len(rep.DatesChecked)-1]
	existing, err := s.ledger.Reservations(ctx, first, last.AddDate(0, 0, 1).Add(-time.Nanosecond))
	if err != nil {
		return rep, fmt.Errorf("read ledger: %w", err)
	}
	rep.Satisfied, rep.Gaps = FindGaps(rep.DatesChecked, existing, window)
	log.Info().Int("checked", len(rep.DatesChecked)).Int("satisfied", len(rep.Satisfied)).Int("gaps", len(rep.Gaps)).Msg("ledger read")
	if len(rep.Gaps) == 0 {
		return rep, nil
	}
	rep.Target = rep.Gaps[0]

	for _, tier := range []reservation.ResourceTier{s.primary, s.backup} {
		out := s.booker.Book(ctx, booking.Request{Date: rep.Target, Tier: tier, Window: window})
		rep.Attempts = append(rep.Attempts, out)
		rep.Outcome = &rep.Attempts[len(rep.Attempts)-1]
		log.Info().Str("tier", tier.Name).Time("date", rep.Target).Str("kind", string(out.Kind)).Msg("attempt finished")

		if out.Succeeded() {
			rep.BookedTier = tier.Name
			break
		}
		// Only a clean "nothing in the window" justifies trying the backup tier.
		if out.Kind != reservation.KindNoQualifyingResult || ctx.Err() != nil {
			break
		}
	}
	return rep, nil
}

// Dates returns the n calendar days following now's day in loc.
func Dates(now time.Time, n int, loc *time.Location) []time.Time {
	today := reservation.Day(now, loc)
	out := make([]time.Time, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, today.AddDate(0, 0, i))
	}
	return out
}

// FindGaps splits days into those holding a reservation that starts inside w
// and those that do not, preserving order.
func FindGaps(days []time.Time, existing []reservation.Existing, w reservation.TargetWindow) (satisfied, gaps []time.Time) {
	for _, d := range days {
		ok := false
		for _, e := range existing {
			if w.ContainsOn(d, e.Start) {
				ok = true
				break
			}
		}
		if ok {
			satisfied = append(satisfied, d)
		} else {
			gaps = append(gaps, d)
		}
	}
	return satisfied, gaps
}
