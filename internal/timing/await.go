// Package timing blocks a flow until a wall-clock instant.
package timing

import (
	"context"
	"runtime"
	"time"
)

type Status int

const (
	Reached Status = iota
	Cancelled
)

func (s Status) String() string {
	if s == Cancelled {
		return "cancelled"
	}
	return "reached"
}

// Result describes one wait.
type Result struct {
	Status Status
	At     time.Time     // wall clock when AwaitInstant returned
	Drift  time.Duration // At - target; never negative when Reached
	Late   bool          // Drift exceeded the tolerance
}

const (
	coarseHorizon = time.Second
	spinHorizon   = 2 * time.Millisecond
	spinPause     = 200 * time.Microsecond
)

var now = time.Now

// AwaitInstant suspends until the wall clock reaches target, then returns at once.
// Far from the target it sleeps coarsely, inside the last second it halves the
// remaining gap per sleep, and inside the last couple of milliseconds it polls.
// A target already in the past returns immediately. The caller is responsible for
// sane targets; any finite wait is honoured.
func AwaitInstant(ctx context.Context, target time.Time, tolerance time.Duration) Result {
	for {
		if err := ctx.Err(); err != nil {
			return Result{Status: Cancelled, At: now()}
		}
		remaining := target.Sub(now())
		if remaining <= 0 {
			break
		}
		switch {
		case remaining > coarseHorizon:
			if !sleep(ctx, remaining-coarseHorizon) {
				return Result{Status: Cancelled, At: now()}
			}
		case remaining > spinHorizon:
			if !sleep(ctx, remaining/2) {
				return Result{Status: Cancelled, At: now()}
			}
		default:
			if remaining > spinPause {
				time.Sleep(spinPause)
			} else {
				runtime.Gosched()
			}
		}
	}
	at := now()
	drift := at.Sub(target)
	return Result{Status: Reached, At: at, Drift: drift, Late: tolerance > 0 && drift > tolerance}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
