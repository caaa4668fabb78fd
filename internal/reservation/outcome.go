package reservation

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthFailed          = errors.New("auth failed")
	ErrFormConfigInvalid   = errors.New("form config invalid")
	ErrChallengeUnresolved = errors.New("challenge unresolved")
	ErrNoQualifyingResult  = errors.New("no qualifying result")
	ErrStepTimeout         = errors.New("step timeout")
	ErrAborted             = errors.New("aborted")
	ErrRejected            = errors.New("booking rejected")
)

// Step names a state of one booking attempt.
type Step string

const (
	StepAuthenticating     Step = "authenticating"
	StepFormPreparing      Step = "form_preparing"
	StepAwaitingTrigger    Step = "awaiting_trigger"
	StepSearching          Step = "searching"
	StepResolvingChallenge Step = "resolving_challenge"
	StepEvaluatingResults  Step = "evaluating_results"
	StepSelecting          Step = "selecting"
	StepConfirming         Step = "confirming"
	StepSucceeded          Step = "succeeded"
	StepFailed             Step = "failed"
)

// Kind classifies how an attempt ended.
type Kind string

const (
	KindBooked              Kind = "booked"
	KindNoQualifyingResult  Kind = "no_qualifying_result"
	KindChallengeUnresolved Kind = "challenge_unresolved"
	KindStepTimeout         Kind = "step_timeout"
	KindAborted             Kind = "aborted"
	KindAuthFailed          Kind = "auth_failed"
	KindFormConfigInvalid   Kind = "form_config_invalid"
	KindRejected            Kind = "rejected"
)

// Outcome is the immutable result of one booking attempt.
type Outcome struct {
	Kind   Kind
	Step   Step   // state the attempt was in when it ended
	Reason string // human readable detail

	Date time.Time
	Tier string
	Slot *Slot

	TriggeredAt         time.Time
	ChallengeResolvedAt time.Time
	FinishedAt          time.Time
	Evidence            string
}

func (o Outcome) Succeeded() bool { return o.Kind == KindBooked }

// Ambiguous reports an attempt that may have booked without confirmation: it
// ended inside Confirming with neither a success nor a rejection marker. Such
// outcomes go to manual verification, never to an automatic retry.
func (o Outcome) Ambiguous() bool {
	return o.Step == StepConfirming && o.Kind != KindBooked && o.Kind != KindRejected
}

// Fatal outcomes are not retried within a run.
func (o Outcome) Fatal() bool {
	return o.Kind == KindAuthFailed || o.Kind == KindFormConfigInvalid
}

// Expected outcomes are reported but not escalated.
func (o Outcome) Expected() bool {
	return o.Kind == KindBooked || o.Kind == KindNoQualifyingResult || o.Kind == KindChallengeUnresolved
}

// Err maps the outcome onto the sentinel error taxonomy; nil when booked.
func (o Outcome) Err() error {
	var base error
	switch o.Kind {
	case KindBooked:
		return nil
	case KindNoQualifyingResult:
		base = ErrNoQualifyingResult
	case KindChallengeUnresolved:
		base = ErrChallengeUnresolved
	case KindStepTimeout:
		return fmt.Errorf("%w in %s", ErrStepTimeout, o.Step)
	case KindAborted:
		base = ErrAborted
	case KindAuthFailed:
		base = ErrAuthFailed
	case KindFormConfigInvalid:
		base = ErrFormConfigInvalid
	case KindRejected:
		base = ErrRejected
	default:
		return fmt.Errorf("unknown outcome %q", o.Kind)
	}
	if o.Reason == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, o.Reason)
}

func (o Outcome) String() string {
	switch {
	case o.Kind == KindBooked && o.Slot != nil:
		return fmt.Sprintf("booked %s %s (%s)", o.Slot.Resource, o.Slot.Start.Format("2006-01-02 15:04"), o.Tier)
	case o.Kind == KindStepTimeout:
		return fmt.Sprintf("step timeout in %s", o.Step)
	case o.Reason != "":
		return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
	default:
		return string(o.Kind)
	}
}
