// Package attempts persists booking attempts and gap-scan reports.
package attempts

import (
	"context"
	"time"

	"github.com/example/teetime-scheduler/internal/gapscan"
	"github.com/example/teetime-scheduler/internal/reservation"
)

// Sources of an attempt.
const (
	SourceDaily  = "daily"
	SourceGap    = "gapscan"
	SourceManual = "manual"
)

type Attempt struct {
	ID     int64
	RunID  string
	Source string

	TargetDate time.Time
	Tier       string
	Kind       reservation.Kind
	Step       reservation.Step
	Reason     string

	Resource  string
	SlotStart *time.Time

	TriggeredAt         *time.Time
	ChallengeResolvedAt *time.Time
	FinishedAt          time.Time
	Evidence            string

	NeedsVerification bool
	VerifiedAt        *time.Time
	CreatedAt         time.Time
}

// Holds reports whether the attempt may hold a reservation on its date.
func (a Attempt) Holds() bool {
	return a.Kind == reservation.KindBooked || a.NeedsVerification
}

// FromOutcome flattens an outcome into a row.
func FromOutcome(runID, source string, out reservation.Outcome) Attempt {
	a := Attempt{
		RunID:             runID,
		Source:            source,
		TargetDate:        out.Date,
		Tier:              out.Tier,
		Kind:              out.Kind,
		Step:              out.Step,
		Reason:            out.Reason,
		TriggeredAt:       optTime(out.TriggeredAt),
		FinishedAt:        out.FinishedAt,
		Evidence:          out.Evidence,
		NeedsVerification: out.Ambiguous(),
	}
	a.ChallengeResolvedAt = optTime(out.ChallengeResolvedAt)
	if out.Slot != nil {
		a.Resource = out.Slot.Resource
		a.SlotStart = optTime(out.Slot.Start)
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = time.Now()
	}
	return a
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type Scan struct {
	ID         int64
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	WindowDays int
	Qualifying string
	Satisfied  int
	Gaps       int
	TargetDate *time.Time
	BookedTier string
	Outcome    string
	Error      string
}

// FromReport flattens a scan report; scanErr is the error Scan returned.
func FromReport(rep gapscan.Report, scanErr error) Scan {
	s := Scan{
		RunID:      rep.RunID,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		WindowDays: len(rep.DatesChecked),
		Qualifying: rep.Window,
		Satisfied:  len(rep.Satisfied),
		Gaps:       len(rep.Gaps),
		TargetDate: optTime(rep.Target),
		BookedTier: rep.BookedTier,
	}
	if rep.Outcome != nil {
		s.Outcome = string(rep.Outcome.Kind)
	}
	if scanErr != nil {
		s.Error = scanErr.Error()
	}
	return s
}

// Store is implemented by Repo and Memory.
type Store interface {
	RecordAttempt(ctx context.Context, a Attempt) (int64, error)
	RecordScan(ctx context.Context, s Scan) (int64, error)
	Recent(ctx context.Context, limit int) ([]Attempt, error)
	RecentScans(ctx context.Context, limit int) ([]Scan, error)
	Between(ctx context.Context, from, to time.Time) ([]Attempt, error)
	BookedDates(ctx context.Context, from, to time.Time) ([]time.Time, error)
	ClearVerification(ctx context.Context, id int64, booked bool) error
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
