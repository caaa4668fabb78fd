package booking

import (
	"time"

	"github.com/example/teetime-scheduler/internal/reservation"
	"github.com/example/teetime-scheduler/internal/surface"
)

// Config describes the booking site: where its pages live, which targets drive
// the form, and how long each step may take.
type Config struct {
	LoginURL     string `yaml:"login_url" validate:"required,url"`
	SearchURL    string `yaml:"search_url" validate:"required,url"`
	ItineraryURL string `yaml:"itinerary_url" validate:"omitempty,url"`

	Username string `yaml:"-"`
	Password string `yaml:"-"`

	UsernameField   surface.Target `yaml:"username_field"`
	PasswordField   surface.Target `yaml:"password_field"`
	LoginButton     surface.Target `yaml:"login_button"`
	PostLoginMarker surface.Marker `yaml:"post_login_marker"`
	LoginWait       time.Duration  `yaml:"login_wait"`

	// ClearResources, when set, is clicked before any resource is selected.
	ClearResources   surface.Target `yaml:"clear_resources"`
	DateField        surface.Target `yaml:"date_field"`
	DateLayout       string         `yaml:"date_layout"`
	PartySizeField   surface.Target `yaml:"party_size_field"`
	PartySize        int            `yaml:"party_size" validate:"gte=0,lte=4"`
	ResourceRole     string         `yaml:"resource_role"`
	WindowStartField surface.Target `yaml:"window_start_field"`
	WindowEndField   surface.Target `yaml:"window_end_field"`
	SearchButton     surface.Target `yaml:"search_button"`

	NoResultsMarker surface.Marker   `yaml:"no_results_marker"`
	ConfirmButtons  []surface.Target `yaml:"confirm_buttons"`
	SuccessMarker   surface.Marker   `yaml:"success_marker"`
	RejectionMarker surface.Marker   `yaml:"rejection_marker"`
	MaxConfirmSteps int              `yaml:"max_confirm_steps" validate:"gte=0"`

	PollInterval    time.Duration                      `yaml:"poll_interval"`
	StepTimeouts    map[reservation.Step]time.Duration `yaml:"step_timeouts"`
	EvidenceTimeout time.Duration                      `yaml:"evidence_timeout"`
}

var defaultStepTimeouts = map[reservation.Step]time.Duration{
	reservation.StepAuthenticating:     30 * time.Second,
	reservation.StepFormPreparing:      30 * time.Second,
	reservation.StepSearching:          10 * time.Second,
	reservation.StepResolvingChallenge: 15 * time.Second,
	reservation.StepEvaluatingResults:  15 * time.Second,
	reservation.StepSelecting:          10 * time.Second,
	reservation.StepConfirming:         30 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.DateLayout == "" {
		c.DateLayout = "2006-01-02"
	}
	if c.PartySize == 0 {
		c.PartySize = 1
	}
	if c.ResourceRole == "" {
		c.ResourceRole = "checkbox"
	}
	if c.MaxConfirmSteps == 0 {
		c.MaxConfirmSteps = 4
	}
	if c.LoginWait <= 0 {
		c.LoginWait = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.EvidenceTimeout <= 0 {
		c.EvidenceTimeout = 10 * time.Second
	}
	if len(c.ConfirmButtons) == 0 {
		c.ConfirmButtons = []surface.Target{{Role: "button", Label: "Continue"}, {Role: "button", Label: "Confirm"}}
	}
	if c.SuccessMarker.IsZero() {
		c.SuccessMarker = surface.Marker{Text: "confirmed"}
	}
	timeouts := make(map[reservation.Step]time.Duration, len(defaultStepTimeouts))
	for k, v := range defaultStepTimeouts {
		timeouts[k] = v
	}
	for k, v := range c.StepTimeouts {
		timeouts[k] = v
	}
	c.StepTimeouts = timeouts
	return c
}

// timeout returns the bound for step; zero means the step is bounded only by
// its parent context.
func (c Config) timeout(step reservation.Step) time.Duration {
	return c.StepTimeouts[step]
}
