package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/teetime-scheduler/internal/reservation"
	"github.com/example/teetime-scheduler/internal/surface"
)

// Itinerary reads the member's existing reservations from the site.
type Itinerary struct {
	cfg      Config
	sessions surface.Opener
	loc      *time.Location
}

func NewItinerary(cfg Config, sessions surface.Opener, loc *time.Location) *Itinerary {
	if loc == nil {
		loc = time.Local
	}
	return &Itinerary{cfg: cfg.withDefaults(), sessions: sessions, loc: loc}
}

// Reservations returns the held reservations whose start falls on a day in
// [from, to], both inclusive in the itinerary's zone.
func (it *Itinerary) Reservations(ctx context.Context, from, to time.Time) ([]reservation.Existing, error) {
	if it.cfg.ItineraryURL == "" {
		return nil, errors.New("itinerary url not configured")
	}
	sess, err := it.sessions.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	actx, cancel := context.WithTimeout(ctx, it.cfg.timeout(reservation.StepAuthenticating))
	err = login(actx, it.cfg, sess)
	cancel()
	if err != nil {
		return nil, err
	}

	if err := sess.Navigate(ctx, it.cfg.ItineraryURL); err != nil {
		return nil, fmt.Errorf("open itinerary: %w", err)
	}
	snap, err := sess.ReadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("read itinerary: %w", err)
	}

	first, last := reservation.Day(from, it.loc), reservation.Day(to, it.loc)
	var out []reservation.Existing
	for _, r := range snap.Reservations {
		d := reservation.Day(r.Start, it.loc)
		if d.Before(first) || d.After(last) {
			continue
		}
		out = append(out, reservation.Existing{Start: r.Start, Resource: r.Resource})
	}
	return out, nil
}
