// Package challenge detects and clears the bot-verification interstitial that the
// booking site shows right after a search is submitted.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/teetime-scheduler/internal/surface"
)

var ErrDeadline = errors.New("challenge deadline elapsed")

// State is the resolver's lifecycle position.
type State string

const (
	StateIdle      State = "idle"
	StateDetecting State = "detecting"
	StateResolving State = "resolving"
	StateResolved  State = "resolved"
	StateFailed    State = "failed"
)

// Strategy names how an attempt tried to clear the challenge.
type Strategy string

const (
	StrategyCoordinate Strategy = "coordinate"
	StrategyElement    Strategy = "element"
)

// Surface is the part of a session the resolver drives.
type Surface interface {
	ReadState(ctx context.Context) (surface.Snapshot, error)
	Hover(ctx context.Context, p surface.Point) error
	Click(ctx context.Context, t surface.Target) error
}

type Config struct {
	// Indicators are the markers whose presence means a challenge is showing.
	Indicators []surface.Marker `yaml:"indicators"`
	// FallbackPoint is clicked first, after a hover, because it is the fastest
	// known way through the widget.
	FallbackPoint surface.Point `yaml:"fallback_point"`
	// ElementTarget is the slower semantic fallback; zero disables it.
	ElementTarget surface.Target `yaml:"element_target"`

	Deadline      time.Duration `yaml:"deadline"` // measured from the trigger instant
	DetectTimeout time.Duration `yaml:"detect_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SettleDelay   time.Duration `yaml:"settle_delay"` // wait after a click before re-checking
	MaxAttempts   int           `yaml:"max_attempts" validate:"gte=0,lte=10"`
	Backoff       time.Duration `yaml:"backoff"`
}

// DefaultConfig returns the values tuned for the Cloudflare turnstile widget.
func DefaultConfig() Config {
	return Config{
		Indicators: []surface.Marker{
			{Role: "checkbox", Label: "Verify you are human"},
			{Text: "Verify you are human"},
			{Class: "cf-browser-verification"},
		},
		FallbackPoint: surface.Point{X: 464, Y: 572},
		ElementTarget: surface.Target{Role: "checkbox", Label: "Verify you are human"},
		Deadline:      time.Second,
		DetectTimeout: time.Second,
		PollInterval:  100 * time.Millisecond,
		SettleDelay:   250 * time.Millisecond,
		MaxAttempts:   3,
		Backoff:       500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Indicators) == 0 {
		c.Indicators = d.Indicators
	}
	if c.Deadline <= 0 {
		c.Deadline = d.Deadline
	}
	if c.DetectTimeout <= 0 {
		c.DetectTimeout = d.DetectTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	return c
}

// Action is one clearing action the resolver performed.
type Action struct {
	Strategy Strategy
	At       time.Time
	Err      error
}

// Result is the resolver's verdict.
type Result struct {
	State      State
	Detected   bool // a challenge was seen at all
	Attempts   int
	DetectedAt time.Time
	ResolvedAt time.Time
	FailedAt   time.Time
	Strategy   Strategy
	Actions    []Action
	Err        error
}

type Resolver struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time
}

func NewResolver(cfg Config, log zerolog.Logger) *Resolver {
	return &Resolver{cfg: cfg.withDefaults(), log: log.With().Str("component", "challenge").Logger(), now: time.Now}
}

func (r *Resolver) Config() Config { return r.cfg }

// Resolve looks for a challenge on s and, when one shows, tries to clear it
// before triggeredAt+Deadline. It never reports Failed before the deadline
// unless ctx is cancelled, and reports Resolved as soon as the indicator is gone.
func (r *Resolver) Resolve(ctx context.Context, s Surface, triggeredAt time.Time) Result {
	deadline := triggeredAt.Add(r.cfg.Deadline)
	res := Result{State: StateIdle}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return r.fail(res, err)
		}
		if res.Detected && !r.now().Before(deadline) {
			return r.fail(res, ErrDeadline)
		}
		if attempt > r.cfg.MaxAttempts {
			return r.watch(ctx, s, deadline, res)
		}
		res.Attempts = attempt
		res.State = StateDetecting

		var found bool
		var err error
		if attempt == 1 {
			found, err = r.detect(ctx, s, r.cfg.DetectTimeout, deadline)
		} else {
			found, err = r.present(ctx, s)
		}
		if err != nil {
			return r.fail(res, err)
		}
		if !found {
			return r.resolved(res, "")
		}
		if !res.Detected {
			res.Detected = true
			res.DetectedAt = r.now()
			r.log.Info().Time("deadline", deadline).Msg("challenge detected")
		}
		if !r.now().Before(deadline) {
			return r.fail(res, ErrDeadline)
		}

		res.State = StateResolving
		if strategy, ok := r.clear(ctx, s, deadline, &res); ok {
			return r.resolved(res, strategy)
		}
		if err := ctx.Err(); err != nil {
			return r.fail(res, err)
		}
		r.log.Debug().Int("attempt", attempt).Msg("challenge still present")
		if !r.sleepUntil(ctx, minTime(r.now().Add(r.cfg.Backoff), deadline)) {
			return r.fail(res, ctx.Err())
		}
	}
}

// detect polls for an indicator for up to window. A failed read is neither a
// sighting nor a clean page: until one read succeeds, polling goes on up to the
// deadline.
func (r *Resolver) detect(ctx context.Context, s Surface, window time.Duration, deadline time.Time) (bool, error) {
	limit := r.now().Add(window)
	clean := false
	var readErr error
	for {
		snap, err := s.ReadState(ctx)
		switch {
		case err == nil:
			if _, ok := snap.HasAny(r.cfg.Indicators); ok {
				return true, nil
			}
			clean = true
		case ctx.Err() != nil:
			return false, ctx.Err()
		default:
			readErr = err
			r.log.Warn().Err(err).Msg("read state")
		}

		until := limit
		if !clean {
			until = deadline
		}
		if !r.now().Before(until) {
			if clean {
				return false, nil
			}
			return false, fmt.Errorf("%w: page unreadable: %w", ErrDeadline, readErr)
		}
		if !r.sleepUntil(ctx, minTime(r.now().Add(r.cfg.PollInterval), until)) {
			return false, ctx.Err()
		}
	}
}

// present reads the page once a challenge has been seen. A failed read other
// than cancellation counts as still present so a flaky read never reports the
// challenge cleared.
func (r *Resolver) present(ctx context.Context, s Surface) (bool, error) {
	snap, err := s.ReadState(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.log.Warn().Err(err).Msg("read state")
		return true, nil
	}
	_, ok := snap.HasAny(r.cfg.Indicators)
	return ok, nil
}

func (r *Resolver) clear(ctx context.Context, s Surface, deadline time.Time, res *Result) (Strategy, bool) {
	p := r.cfg.FallbackPoint
	err := s.Hover(ctx, p)
	if err == nil {
		err = s.Click(ctx, surface.AtPoint(p))
	}
	res.Actions = append(res.Actions, Action{Strategy: StrategyCoordinate, At: r.now(), Err: err})
	if r.settled(ctx, s, deadline) {
		return StrategyCoordinate, true
	}
	if r.cfg.ElementTarget.IsZero() || ctx.Err() != nil || !r.now().Before(deadline) {
		return "", false
	}

	err = s.Click(ctx, r.cfg.ElementTarget)
	res.Actions = append(res.Actions, Action{Strategy: StrategyElement, At: r.now(), Err: err})
	if r.settled(ctx, s, deadline) {
		return StrategyElement, true
	}
	return "", false
}

// settled waits SettleDelay (capped at the deadline) and reports whether the
// indicator is gone.
func (r *Resolver) settled(ctx context.Context, s Surface, deadline time.Time) bool {
	if !r.sleepUntil(ctx, minTime(r.now().Add(r.cfg.SettleDelay), deadline)) {
		return false
	}
	present, err := r.present(ctx, s)
	return err == nil && !present
}

// watch keeps polling once the attempts are spent so that the verdict is
// Resolved if the widget clears by itself, and Failed no earlier than deadline.
func (r *Resolver) watch(ctx context.Context, s Surface, deadline time.Time, res Result) Result {
	res.State = StateDetecting
	for r.now().Before(deadline) {
		if !r.sleepUntil(ctx, minTime(r.now().Add(r.cfg.PollInterval), deadline)) {
			return r.fail(res, ctx.Err())
		}
		present, err := r.present(ctx, s)
		if err != nil {
			return r.fail(res, err)
		}
		if !present {
			return r.resolved(res, "")
		}
	}
	return r.fail(res, ErrDeadline)
}

func (r *Resolver) resolved(res Result, strategy Strategy) Result {
	res.State = StateResolved
	if res.Detected {
		res.ResolvedAt = r.now()
		res.Strategy = strategy
		r.log.Info().Str("strategy", string(strategy)).Dur("took", res.ResolvedAt.Sub(res.DetectedAt)).Msg("challenge cleared")
	}
	return res
}

func (r *Resolver) fail(res Result, err error) Result {
	res.State = StateFailed
	res.FailedAt = r.now()
	res.Err = fmt.Errorf("after %d attempt(s): %w", res.Attempts, err)
	r.log.Warn().Err(res.Err).Msg("challenge unresolved")
	return res
}

func (r *Resolver) sleepUntil(ctx context.Context, t time.Time) bool {
	d := t.Sub(r.now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
