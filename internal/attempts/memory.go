package attempts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/teetime-scheduler/internal/db"
	"github.com/example/teetime-scheduler/internal/reservation"
)

// Memory is a process-local Store used when no database is configured.
type Memory struct {
	mu       sync.Mutex
	attempts []Attempt
	scans    []Scan
	now      func() time.Time
}

func NewMemory() *Memory { return &Memory{now: time.Now} }

func (m *Memory) RecordAttempt(_ context.Context, a Attempt) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = int64(len(m.attempts) + 1)
	a.TargetDate = dateOnly(a.TargetDate)
	a.CreatedAt = m.now()
	m.attempts = append(m.attempts, a)
	return a.ID, nil
}

func (m *Memory) RecordScan(_ context.Context, s Scan) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = int64(len(m.scans) + 1)
	m.scans = append(m.scans, s)
	return s.ID, nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for i := len(m.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.attempts[i])
	}
	return out, nil
}

func (m *Memory) RecentScans(_ context.Context, limit int) ([]Scan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Scan
	for i := len(m.scans) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.scans[i])
	}
	return out, nil
}

func (m *Memory) Between(_ context.Context, from, to time.Time) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi := dateOnly(from), dateOnly(to)
	var out []Attempt
	for _, a := range m.attempts {
		if a.TargetDate.Before(lo) || a.TargetDate.After(hi) {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TargetDate.Before(out[j].TargetDate) })
	return out, nil
}

func (m *Memory) BookedDates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	as, err := m.Between(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for _, a := range as {
		if !a.Holds() {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Equal(a.TargetDate) {
			continue
		}
		out = append(out, a.TargetDate)
	}
	return out, nil
}

func (m *Memory) ClearVerification(_ context.Context, id int64, booked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.attempts {
		a := &m.attempts[i]
		if a.ID != id || !a.NeedsVerification {
			continue
		}
		now := m.now()
		a.NeedsVerification, a.VerifiedAt = false, &now
		if booked {
			a.Kind = reservation.KindBooked
		}
		return nil
	}
	return db.ErrNotFound
}
