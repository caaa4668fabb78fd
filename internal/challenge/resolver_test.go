package challenge

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/teetime-scheduler/internal/surface"
)

// widget scripts a challenge that appears at appearAt and clears on the chosen
// kind of click, or never.
type widget struct {
	mu        sync.Mutex
	start     time.Time
	appearAt  time.Duration
	clearsOn  Strategy // "" never clears
	clearedAt time.Time
	reads     int
	clicks    []surface.Target
	hovers    int
	readErr   error
	failReads int // the first failReads reads return an error
	errAfter  int // with readErr set, reads after the errAfter-th fail
}

func (w *widget) visible() bool {
	if !w.clearedAt.IsZero() {
		return false
	}
	return time.Since(w.start) >= w.appearAt
}

func (w *widget) ReadState(context.Context) (surface.Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reads++
	if w.reads <= w.failReads {
		return surface.Snapshot{}, errors.New("execution context was destroyed")
	}
	if w.readErr != nil && w.reads > w.errAfter {
		return surface.Snapshot{}, w.readErr
	}
	if !w.visible() {
		return surface.Snapshot{Text: "Tee times for Saturday"}, nil
	}
	return surface.Snapshot{
		Text:     "Please wait while we check your browser",
		Elements: []surface.Element{{Role: "checkbox", Label: "Verify you are human"}},
	}, nil
}

func (w *widget) Hover(context.Context, surface.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hovers++
	return nil
}

func (w *widget) Click(_ context.Context, t surface.Target) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clicks = append(w.clicks, t)
	if !w.visible() {
		return nil
	}
	switch {
	case t.Point != nil && w.clearsOn == StrategyCoordinate:
		w.clearedAt = time.Now()
	case t.Point == nil && w.clearsOn == StrategyElement:
		w.clearedAt = time.Now()
	}
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Deadline = 400 * time.Millisecond
	cfg.DetectTimeout = 100 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.SettleDelay = 20 * time.Millisecond
	cfg.Backoff = 40 * time.Millisecond
	return cfg
}

func newResolver(cfg Config) *Resolver {
	return NewResolver(cfg, zerolog.New(io.Discard))
}

func TestResolveNoChallenge(t *testing.T) {
	w := &widget{start: time.Now(), appearAt: time.Hour}
	start := time.Now()
	res := newResolver(testConfig()).Resolve(context.Background(), w, start)

	assert.Equal(t, StateResolved, res.State)
	assert.False(t, res.Detected)
	assert.True(t, res.ResolvedAt.IsZero())
	assert.Empty(t, w.clicks)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "detection window honoured")
}

func TestResolveCoordinateFastPath(t *testing.T) {
	w := &widget{start: time.Now(), clearsOn: StrategyCoordinate}
	triggered := time.Now()
	res := newResolver(testConfig()).Resolve(context.Background(), w, triggered)

	require.Equal(t, StateResolved, res.State)
	assert.True(t, res.Detected)
	assert.Equal(t, StrategyCoordinate, res.Strategy)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.ResolvedAt.Before(triggered.Add(400*time.Millisecond)))
	assert.Equal(t, 1, w.hovers)
	require.Len(t, w.clicks, 1)
	assert.Equal(t, surface.Point{X: 464, Y: 572}, *w.clicks[0].Point)
}

func TestResolveFallsBackToElement(t *testing.T) {
	w := &widget{start: time.Now(), clearsOn: StrategyElement}
	res := newResolver(testConfig()).Resolve(context.Background(), w, time.Now())

	require.Equal(t, StateResolved, res.State)
	assert.Equal(t, StrategyElement, res.Strategy)
	require.Len(t, res.Actions, 2)
	assert.Equal(t, StrategyCoordinate, res.Actions[0].Strategy)
	assert.Equal(t, StrategyElement, res.Actions[1].Strategy)
}

func TestResolveFailsAtDeadlineNotBefore(t *testing.T) {
	w := &widget{start: time.Now()}
	cfg := testConfig()
	triggered := time.Now()
	res := newResolver(cfg).Resolve(context.Background(), w, triggered)

	require.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrDeadline)
	deadline := triggered.Add(cfg.Deadline)
	assert.False(t, res.FailedAt.Before(deadline), "failed %s early", deadline.Sub(res.FailedAt))
	assert.Less(t, res.FailedAt.Sub(deadline), 2*cfg.PollInterval+cfg.SettleDelay)
	assert.Equal(t, cfg.MaxAttempts, res.Attempts)
}

func TestResolveLateAppearingChallenge(t *testing.T) {
	w := &widget{start: time.Now(), appearAt: 50 * time.Millisecond, clearsOn: StrategyCoordinate}
	res := newResolver(testConfig()).Resolve(context.Background(), w, time.Now())

	assert.Equal(t, StateResolved, res.State)
	assert.True(t, res.Detected)
	assert.False(t, res.DetectedAt.IsZero())
}

func TestResolveTriggerAlreadyPastDeadline(t *testing.T) {
	w := &widget{start: time.Now(), clearsOn: StrategyCoordinate}
	res := newResolver(testConfig()).Resolve(context.Background(), w, time.Now().Add(-time.Second))

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, ErrDeadline)
	assert.Empty(t, w.clicks, "no clicks once the deadline has passed")
}

func TestResolveCancelled(t *testing.T) {
	w := &widget{start: time.Now()}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	cfg := testConfig()
	cfg.Deadline = 5 * time.Second
	res := newResolver(cfg).Resolve(ctx, w, time.Now())

	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestResolveReadErrorsNeverReportCleared(t *testing.T) {
	w := &widget{start: time.Now(), readErr: errors.New("target closed")}
	cfg := testConfig()
	cfg.Deadline = 150 * time.Millisecond
	res := newResolver(cfg).Resolve(context.Background(), w, time.Now())

	assert.Equal(t, StateFailed, res.State)
	assert.False(t, res.Detected)
	assert.ErrorIs(t, res.Err, ErrDeadline)
	assert.Empty(t, w.clicks)
}

func TestResolveReadErrorsAfterDetection(t *testing.T) {
	w := &widget{start: time.Now(), clearsOn: StrategyCoordinate, readErr: errors.New("target closed"), errAfter: 1}
	cfg := testConfig()
	cfg.Deadline = 150 * time.Millisecond
	res := newResolver(cfg).Resolve(context.Background(), w, time.Now())

	assert.True(t, res.Detected)
	assert.Equal(t, StateFailed, res.State)
	assert.NotEmpty(t, w.clicks)
}

func TestResolveFailedReadIsNotASighting(t *testing.T) {
	w := &widget{start: time.Now(), appearAt: time.Hour, failReads: 1}
	res := newResolver(testConfig()).Resolve(context.Background(), w, time.Now())

	assert.Equal(t, StateResolved, res.State)
	assert.False(t, res.Detected)
	assert.Empty(t, res.Strategy)
	assert.Empty(t, res.Actions)
	assert.Empty(t, w.clicks)
	assert.Zero(t, w.hovers)
	assert.Greater(t, w.reads, 1)
}

func TestResolveChallengeAfterFailedRead(t *testing.T) {
	w := &widget{start: time.Now(), clearsOn: StrategyCoordinate, failReads: 2}
	res := newResolver(testConfig()).Resolve(context.Background(), w, time.Now())

	assert.Equal(t, StateResolved, res.State)
	assert.True(t, res.Detected)
	assert.Equal(t, StrategyCoordinate, res.Strategy)
}
