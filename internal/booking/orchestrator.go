// Package booking drives one booking attempt through the site's login, search,
// challenge and checkout pages.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/teetime-scheduler/internal/challenge"
	"github.com/example/teetime-scheduler/internal/reservation"
	"github.com/example/teetime-scheduler/internal/surface"
	"github.com/example/teetime-scheduler/internal/timing"
)

var (
	errWaitExpired   = errors.New("wait expired")
	errConfirmBudget = errors.New("confirm step budget exhausted")
)

// Request is one attempt's input.
type Request struct {
	Date   time.Time
	Tier   reservation.ResourceTier
	Window reservation.TargetWindow
	// TimeGated attempts hold the search until TriggerAt.
	TimeGated bool
	TriggerAt time.Time
	Tolerance time.Duration
}

// Orchestrator runs booking attempts. Each Run owns a fresh session.
type Orchestrator struct {
	cfg      Config
	sessions surface.Opener
	resolver *challenge.Resolver
	log      zerolog.Logger
	now      func() time.Time
}

func New(cfg Config, sessions surface.Opener, resolver *challenge.Resolver, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		resolver: resolver,
		log:      log.With().Str("component", "booking").Logger(),
		now:      time.Now,
	}
}

// Book implements gapscan.Booker.
func (o *Orchestrator) Book(ctx context.Context, req Request) reservation.Outcome {
	return o.Run(ctx, req)
}

// Run executes one attempt and always returns an Outcome; failures are values,
// never panics or errors. At most one confirm sequence is driven per Run.
func (o *Orchestrator) Run(ctx context.Context, req Request) reservation.Outcome {
	out := reservation.Outcome{Date: req.Date, Tier: req.Tier.Name}
	log := o.log.With().Str("date", req.Date.Format("2006-01-02")).Str("tier", req.Tier.Name).Logger()

	if err := o.validate(req); err != nil {
		out.Kind, out.Step, out.Reason = reservation.KindFormConfigInvalid, reservation.StepFormPreparing, err.Error()
		out.FinishedAt = o.now()
		log.Error().Err(err).Msg("attempt not started")
		return out
	}

	sess, err := o.sessions.Open(ctx)
	if err != nil {
		out.Kind, out.Step, out.Reason = reservation.KindAborted, reservation.StepAuthenticating, "open session: "+err.Error()
		out.FinishedAt = o.now()
		log.Error().Err(err).Msg("open session")
		return out
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn().Err(err).Msg("close session")
		}
	}()

	a := &attempt{o: o, sess: sess, req: req, log: log, out: out}
	a.execute(ctx)
	a.out.Evidence = o.capture(ctx, sess, a.out, log)
	a.out.FinishedAt = o.now()

	ev := log.Info()
	if !a.out.Expected() {
		ev = log.Warn()
	}
	ev.Str("kind", string(a.out.Kind)).Str("step", string(a.out.Step)).Str("evidence", a.out.Evidence).Msg(a.out.String())
	return a.out
}

func (o *Orchestrator) validate(req Request) error {
	if req.Date.IsZero() {
		return fmt.Errorf("%w: missing target date", reservation.ErrFormConfigInvalid)
	}
	if err := req.Tier.Validate(); err != nil {
		return err
	}
	if err := req.Window.Validate(); err != nil {
		return err
	}
	if req.TimeGated && req.TriggerAt.IsZero() {
		return fmt.Errorf("%w: time-gated attempt without trigger instant", reservation.ErrFormConfigInvalid)
	}
	return nil
}

// capture records evidence for the terminal state even when ctx is done.
func (o *Orchestrator) capture(ctx context.Context, sess surface.Surface, out reservation.Outcome, log zerolog.Logger) string {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.EvidenceTimeout)
	defer cancel()
	label := fmt.Sprintf("%s-%s-%s", out.Date.Format("20060102"), slug(out.Tier), out.Kind)
	ref, err := sess.CaptureEvidence(cctx, label)
	if err != nil {
		log.Warn().Err(err).Msg("capture evidence")
		return ""
	}
	return ref
}

type attempt struct {
	o    *Orchestrator
	sess surface.Surface
	req  Request
	log  zerolog.Logger
	out  reservation.Outcome

	step    reservation.Step
	entries []surface.SlotEntry
	chosen  reservation.Slot
}

func (a *attempt) execute(ctx context.Context) {
	steps := []struct {
		step reservation.Step
		fn   func(context.Context) error
	}{
		{reservation.StepAuthenticating, a.authenticate},
		{reservation.StepFormPreparing, a.prepareForm},
		{reservation.StepAwaitingTrigger, a.awaitTrigger},
		{reservation.StepSearching, a.search},
		{reservation.StepResolvingChallenge, a.resolveChallenge},
		{reservation.StepEvaluatingResults, a.evaluate},
		{reservation.StepSelecting, a.selectSlot},
		{reservation.StepConfirming, a.confirm},
	}
	for _, s := range steps {
		if err := a.run(ctx, s.step, s.fn); err != nil {
			a.classify(ctx, err)
			return
		}
	}
	slot := a.chosen
	a.out.Kind, a.out.Step, a.out.Slot = reservation.KindBooked, reservation.StepSucceeded, &slot
}

func (a *attempt) run(ctx context.Context, step reservation.Step, fn func(context.Context) error) error {
	a.step = step
	a.log.Debug().Str("step", string(step)).Msg("enter")
	sctx := ctx
	if d := a.o.cfg.timeout(step); d > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return fn(sctx)
}

// classify maps the error that stopped the attempt onto its outcome.
func (a *attempt) classify(ctx context.Context, err error) {
	out := &a.out
	out.Step = a.step
	out.Reason = err.Error()
	switch {
	case ctx.Err() != nil:
		out.Kind = reservation.KindAborted
		out.Reason = context.Cause(ctx).Error()
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errConfirmBudget):
		out.Kind = reservation.KindStepTimeout
	case errors.Is(err, reservation.ErrAuthFailed):
		out.Kind = reservation.KindAuthFailed
	case errors.Is(err, reservation.ErrFormConfigInvalid):
		out.Kind = reservation.KindFormConfigInvalid
	case errors.Is(err, reservation.ErrChallengeUnresolved):
		out.Kind = reservation.KindChallengeUnresolved
	case errors.Is(err, reservation.ErrNoQualifyingResult):
		out.Kind = reservation.KindNoQualifyingResult
	case errors.Is(err, reservation.ErrRejected):
		out.Kind = reservation.KindRejected
	default:
		// A surface call failed outright; the attempt cannot continue.
		out.Kind = reservation.KindAborted
	}
	if a.chosen.Resource != "" {
		slot := a.chosen
		out.Slot = &slot
	}
}

func (a *attempt) authenticate(ctx context.Context) error {
	if err := login(ctx, a.o.cfg, a.sess); err != nil {
		return err
	}
	a.log.Debug().Msg("logged in")
	return nil
}

func login(ctx context.Context, cfg Config, sess surface.Surface) error {
	if err := sess.Navigate(ctx, cfg.LoginURL); err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	if err := sess.Fill(ctx, cfg.UsernameField, cfg.Username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}
	if err := sess.Fill(ctx, cfg.PasswordField, cfg.Password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	if err := sess.Click(ctx, cfg.LoginButton); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	_, err := poll(ctx, sess, cfg.PollInterval, cfg.LoginWait, func(s surface.Snapshot) bool { return s.Has(cfg.PostLoginMarker) })
	if errors.Is(err, errWaitExpired) {
		return fmt.Errorf("%w: post-login marker not seen within %s", reservation.ErrAuthFailed, cfg.LoginWait)
	}
	return err
}

func (a *attempt) prepareForm(ctx context.Context) error {
	cfg, req := a.o.cfg, a.req
	if err := a.sess.Navigate(ctx, cfg.SearchURL); err != nil {
		return fmt.Errorf("open search page: %w", err)
	}
	if !cfg.ClearResources.IsZero() {
		if err := a.sess.Click(ctx, cfg.ClearResources); err != nil {
			return fmt.Errorf("clear resources: %w", err)
		}
	}
	if err := a.sess.Fill(ctx, cfg.DateField, req.Date.Format(cfg.DateLayout)); err != nil {
		return fmt.Errorf("fill date: %w", err)
	}
	if !cfg.PartySizeField.IsZero() {
		if err := a.sess.Fill(ctx, cfg.PartySizeField, strconv.Itoa(cfg.PartySize)); err != nil {
			return fmt.Errorf("fill party size: %w", err)
		}
	}
	for _, r := range req.Tier.Resources {
		if err := a.sess.Click(ctx, surface.Target{Role: cfg.ResourceRole, Label: r}); err != nil {
			return fmt.Errorf("%w: select resource %q: %v", reservation.ErrFormConfigInvalid, r, err)
		}
	}
	if !cfg.WindowStartField.IsZero() {
		if err := a.sess.Fill(ctx, cfg.WindowStartField, req.Window.Start.String()); err != nil {
			return fmt.Errorf("fill window start: %w", err)
		}
	}
	if !cfg.WindowEndField.IsZero() {
		if err := a.sess.Fill(ctx, cfg.WindowEndField, req.Window.End.String()); err != nil {
			return fmt.Errorf("fill window end: %w", err)
		}
	}

	snap, err := a.sess.ReadState(ctx)
	if err != nil {
		return fmt.Errorf("read form: %w", err)
	}
	selected := 0
	for _, r := range req.Tier.Resources {
		if e, ok := snap.Find(surface.Target{Role: cfg.ResourceRole, Label: r}); ok && e.Checked {
			selected++
		}
	}
	if selected != req.Tier.Required {
		return fmt.Errorf("%w: tier %s selected %d of %d resources", reservation.ErrFormConfigInvalid, req.Tier.Name, selected, req.Tier.Required)
	}
	return nil
}

func (a *attempt) awaitTrigger(ctx context.Context) error {
	if !a.req.TimeGated {
		return nil
	}
	res := timing.AwaitInstant(ctx, a.req.TriggerAt, a.req.Tolerance)
	if res.Status == timing.Cancelled {
		return ctx.Err()
	}
	ev := a.log.Info()
	if res.Late {
		ev = a.log.Warn()
	}
	ev.Dur("drift", res.Drift).Msg("trigger reached")
	return nil
}

func (a *attempt) search(ctx context.Context) error {
	a.out.TriggeredAt = a.o.now()
	if err := a.sess.Click(ctx, a.o.cfg.SearchButton); err != nil {
		return fmt.Errorf("submit search: %w", err)
	}
	return nil
}

func (a *attempt) resolveChallenge(ctx context.Context) error {
	res := a.o.resolver.Resolve(ctx, a.sess, a.out.TriggeredAt)
	if res.State != challenge.StateResolved {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", reservation.ErrChallengeUnresolved, res.Err)
	}
	if res.Detected {
		a.out.ChallengeResolvedAt = res.ResolvedAt
	}
	return nil
}

func (a *attempt) evaluate(ctx context.Context) error {
	cfg := a.o.cfg
	snap, err := a.pollState(ctx, 0, func(s surface.Snapshot) bool {
		return len(s.Slots) > 0 || s.Has(cfg.NoResultsMarker)
	})
	if err != nil {
		return err
	}
	a.entries = snap.Slots
	slots := make([]reservation.Slot, len(snap.Slots))
	for i, e := range snap.Slots {
		slots[i] = reservation.Slot{Start: e.Start, Resource: e.Resource, Ref: i}
	}
	chosen, ok := reservation.ChooseEarliest(slots, a.req.Tier, a.req.Window)
	if !ok {
		return fmt.Errorf("%w: %d result(s), none in %s", reservation.ErrNoQualifyingResult, len(slots), a.req.Window)
	}
	a.chosen = chosen
	a.log.Info().Str("resource", chosen.Resource).Time("start", chosen.Start).Int("offered", len(slots)).Msg("slot chosen")
	return nil
}

func (a *attempt) selectSlot(ctx context.Context) error {
	entry := a.entries[a.chosen.Ref]
	if err := a.sess.Click(ctx, entry.Target); err != nil {
		return fmt.Errorf("select slot: %w", err)
	}
	return nil
}

// confirm walks the checkout until a success or rejection marker shows. It
// clicks at most MaxConfirmSteps buttons and never returns to the search.
func (a *attempt) confirm(ctx context.Context) error {
	cfg := a.o.cfg
	for clicks := 0; ; clicks++ {
		snap, err := a.pollState(ctx, 0, func(s surface.Snapshot) bool {
			if s.Has(cfg.SuccessMarker) || s.Has(cfg.RejectionMarker) {
				return true
			}
			_, ok := firstPresent(s, cfg.ConfirmButtons)
			return ok
		})
		if err != nil {
			return err
		}
		switch {
		case snap.Has(cfg.SuccessMarker):
			return nil
		case snap.Has(cfg.RejectionMarker):
			return fmt.Errorf("%w: %s", reservation.ErrRejected, snap.Text)
		case clicks >= cfg.MaxConfirmSteps:
			return errConfirmBudget
		}
		btn, _ := firstPresent(snap, cfg.ConfirmButtons)
		if err := a.sess.Click(ctx, btn); err != nil {
			return fmt.Errorf("click %s: %w", btn, err)
		}
	}
}

func firstPresent(s surface.Snapshot, targets []surface.Target) (surface.Target, bool) {
	for _, t := range targets {
		if _, ok := s.Find(t); ok {
			return t, true
		}
	}
	return surface.Target{}, false
}

// pollState reads the page until pred holds. With limit > 0 it gives up after
// limit with errWaitExpired; otherwise only ctx bounds it.
func (a *attempt) pollState(ctx context.Context, limit time.Duration, pred func(surface.Snapshot) bool) (surface.Snapshot, error) {
	return poll(ctx, a.sess, a.o.cfg.PollInterval, limit, pred)
}

func poll(ctx context.Context, sess surface.Surface, interval, limit time.Duration, pred func(surface.Snapshot) bool) (surface.Snapshot, error) {
	var expire <-chan time.Time
	if limit > 0 {
		t := time.NewTimer(limit)
		defer t.Stop()
		expire = t.C
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		snap, err := sess.ReadState(ctx)
		if err != nil && ctx.Err() != nil {
			return surface.Snapshot{}, ctx.Err()
		}
		if err == nil && pred(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return surface.Snapshot{}, ctx.Err()
		case <-expire:
			return snap, errWaitExpired
		case <-tick.C:
		}
	}
}

func slug(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b = append(b, c)
		case c >= 'A' && c <= 'Z':
			b = append(b, c+'a'-'A')
		default:
			if len(b) > 0 && b[len(b)-1] != '-' {
				b = append(b, '-')
			}
		}
	}
	return string(b)
}
