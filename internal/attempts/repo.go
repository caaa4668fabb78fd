package attempts

import (
	"context"
	"fmt"
	"time"

	"github.com/example/teetime-scheduler/internal/db"
	"github.com/example/teetime-scheduler/internal/reservation"
)

const dateLayout = "2006-01-02"

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

func (r *Repo) RecordAttempt(ctx context.Context, a Attempt) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO attempts(run_id,source,target_date,tier,kind,step,reason,resource,slot_start,triggered_at,challenge_resolved_at,finished_at,evidence,needs_verification)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id`,
		a.RunID, a.Source, a.TargetDate.Format(dateLayout), a.Tier, string(a.Kind), string(a.Step), a.Reason, a.Resource,
		a.SlotStart, a.TriggeredAt, a.ChallengeResolvedAt, a.FinishedAt, a.Evidence, a.NeedsVerification,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

func (r *Repo) RecordScan(ctx context.Context, s Scan) (int64, error) {
	var target *string
	if s.TargetDate != nil {
		v := s.TargetDate.Format(dateLayout)
		target = &v
	}
	var id int64
	err := r.db.QueryRow(ctx, `
INSERT INTO scans(run_id,started_at,finished_at,window_days,qualifying,satisfied,gaps,target_date,booked_tier,outcome,error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING id`,
		s.RunID, s.StartedAt, s.FinishedAt, s.WindowDays, s.Qualifying, s.Satisfied, s.Gaps, target, s.BookedTier, s.Outcome, s.Error,
	).Scan(&id)
	return id, db.WrapNotFound(err)
}

const attemptColumns = `id,run_id,source,target_date,tier,kind,step,reason,resource,slot_start,triggered_at,challenge_resolved_at,finished_at,evidence,needs_verification,verified_at,created_at`

func (r *Repo) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	return r.queryAttempts(ctx, `SELECT `+attemptColumns+` FROM attempts ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
}

// Between returns attempts whose target date lies in [from, to], oldest first.
func (r *Repo) Between(ctx context.Context, from, to time.Time) ([]Attempt, error) {
	return r.queryAttempts(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE target_date BETWEEN $1 AND $2 ORDER BY target_date, id`,
		from.Format(dateLayout), to.Format(dateLayout))
}

// BookedDates returns the distinct dates in [from, to] holding a booked or
// unverified ambiguous attempt.
func (r *Repo) BookedDates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	rows, err := r.db.Query(ctx, `
SELECT DISTINCT target_date FROM attempts
WHERE target_date BETWEEN $1 AND $2
  AND (kind='booked' OR needs_verification)
ORDER BY target_date`, from.Format(dateLayout), to.Format(dateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, dateOnly(d))
	}
	return out, rows.Err()
}

// ClearVerification records an operator's check of an ambiguous attempt.
func (r *Repo) ClearVerification(ctx context.Context, id int64, booked bool) error {
	n, err := r.db.ExecAffected(ctx, `
UPDATE attempts
SET needs_verification=false,
    verified_at=now(),
    kind=CASE WHEN $2 THEN 'booked' ELSE kind END
WHERE id=$1 AND needs_verification`, id, booked)
	if err != nil {
		return fmt.Errorf("clear verification: %w", err)
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *Repo) RecentScans(ctx context.Context, limit int) ([]Scan, error) {
	rows, err := r.db.Query(ctx, `
SELECT id,run_id,started_at,finished_at,window_days,qualifying,satisfied,gaps,target_date,booked_tier,outcome,error
FROM scans
ORDER BY started_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Scan
	for rows.Next() {
		var s Scan
		if err := rows.Scan(&s.ID, &s.RunID, &s.StartedAt, &s.FinishedAt, &s.WindowDays, &s.Qualifying, &s.Satisfied, &s.Gaps,
			&s.TargetDate, &s.BookedTier, &s.Outcome, &s.Error); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) queryAttempts(ctx context.Context, sql string, args ...any) ([]Attempt, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var kind, step string
		if err := rows.Scan(
			&a.ID, &a.RunID, &a.Source, &a.TargetDate, &a.Tier, &kind, &step, &a.Reason, &a.Resource,
			&a.SlotStart, &a.TriggeredAt, &a.ChallengeResolvedAt, &a.FinishedAt, &a.Evidence, &a.NeedsVerification, &a.VerifiedAt, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.Kind, a.Step = reservation.Kind(kind), reservation.Step(step)
		out = append(out, a)
	}
	return out, rows.Err()
}
