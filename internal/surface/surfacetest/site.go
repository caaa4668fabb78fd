// Package surfacetest provides a scripted in-memory booking site for tests.
package surfacetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/teetime-scheduler/internal/surface"
)

const (
	LoginURL     = "https://site.test/login"
	SearchURL    = "https://site.test/tee-times"
	ItineraryURL = "https://site.test/itinerary"

	SuccessText   = "Booking confirmed"
	RejectionText = "Booking could not be completed"
	NoResultsText = "No tee times available"
)

var (
	UsernameField   = surface.Target{Role: "textbox", Label: "Membership Number"}
	PasswordField   = surface.Target{Role: "textbox", Label: "Password"}
	LoginButton     = surface.Target{Role: "button", Label: "Log In"}
	PostLoginMarker = surface.Marker{Role: "link", Label: "Tee Times"}

	ClearResources = surface.Target{Role: "checkbox", Label: "All Courses"}
	DateField      = surface.Target{Role: "textbox", Label: "Date"}
	PlayersField   = surface.Target{Role: "textbox", Label: "Players"}
	FromField      = surface.Target{Role: "textbox", Label: "From"}
	ToField        = surface.Target{Role: "textbox", Label: "To"}
	SearchButton   = surface.Target{Role: "button", Label: "Search"}

	ContinueButton = surface.Target{Role: "button", Label: "Continue"}
	ConfirmButton  = surface.Target{Role: "button", Label: "Confirm"}

	ChallengeBox = surface.Target{Role: "checkbox", Label: "Verify you are human"}
)

var ErrNoSuchTarget = errors.New("no such target")

// ChallengeMode scripts the interstitial shown after each search.
type ChallengeMode int

const (
	NoChallenge ChallengeMode = iota
	ClearsOnPointClick
	ClearsOnElementClick
	NeverClears
)

// Search records one submitted search.
type Search struct {
	Date      string
	Resources []string
	From, To  string
}

// Site is a fake booking site. Configure the exported behaviour fields before
// opening sessions; read the observation methods afterwards.
type Site struct {
	Username, Password string // empty accepts any credentials
	Resources          []string
	Challenge          ChallengeMode
	// Results returns the slots a search produces. Nil means none.
	Results      func(s Search) []surface.SlotEntry
	ConfirmSteps int  // clicks through Continue before Confirm; 0 means Confirm only
	Reject       bool // the final confirm shows the rejection marker
	// HangOnConfirm makes ReadState block on the confirm page until ctx ends.
	HangOnConfirm bool
	Itinerary     []surface.ReservationEntry
	Location      *time.Location

	mu       sync.Mutex
	opened   int
	closed   int
	searches []Search
	booked   []surface.SlotEntry
	evidence []string
	calls    []string
}

// NewSite returns a site offering resources, with no challenge.
func NewSite(resources ...string) *Site {
	return &Site{Resources: resources, Location: time.UTC}
}

func (s *Site) Open(context.Context) (surface.Surface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	return &session{site: s, page: "blank", filled: map[string]string{}, selected: map[string]bool{}}, nil
}

func (s *Site) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Site) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Site) Searches() []Search {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Search(nil), s.searches...)
}

func (s *Site) Booked() []surface.SlotEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]surface.SlotEntry(nil), s.booked...)
}

func (s *Site) Evidence() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.evidence...)
}

func (s *Site) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Slot builds a result row whose click target the site recognises.
func Slot(start time.Time, resource string) surface.SlotEntry {
	return surface.SlotEntry{
		Start:    start,
		Resource: resource,
		Target:   surface.Target{Role: "button", Label: fmt.Sprintf("Book %s %s", resource, start.Format("15:04"))},
	}
}

type session struct {
	site *Site

	page      string
	loggedIn  bool
	loginErr  bool
	filled    map[string]string
	selected  map[string]bool
	order     []string
	challenge bool
	results   []surface.SlotEntry
	chosen    *surface.SlotEntry
	remaining int
	closed    bool
}

func (ss *session) log(format string, args ...any) {
	ss.site.calls = append(ss.site.calls, fmt.Sprintf(format, args...))
}

func (ss *session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := ss.site
	s.mu.Lock()
	defer s.mu.Unlock()
	ss.log("navigate %s", url)
	switch url {
	case LoginURL:
		ss.page = "login"
	case SearchURL, ItineraryURL:
		if !ss.loggedIn {
			ss.page = "login"
			return nil
		}
		ss.page = map[string]string{SearchURL: "search", ItineraryURL: "itinerary"}[url]
	default:
		return fmt.Errorf("navigate %s: 404", url)
	}
	return nil
}

func (ss *session) Fill(ctx context.Context, field surface.Target, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := ss.site
	s.mu.Lock()
	defer s.mu.Unlock()
	ss.log("fill %s=%s", field.Label, value)
	ss.filled[strings.ToLower(field.Label)] = value
	return nil
}

func (ss *session) Hover(ctx context.Context, p surface.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := ss.site
	s.mu.Lock()
	defer s.mu.Unlock()
	ss.log("hover %d,%d", p.X, p.Y)
	return nil
}

func (ss *session) Click(ctx context.Context, t surface.Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := ss.site
	s.mu.Lock()
	defer s.mu.Unlock()
	ss.log("click %s", t)

	if t.Point != nil {
		if ss.challenge && s.Challenge == ClearsOnPointClick {
			ss.challenge = false
		}
		return nil
	}
	label := strings.TrimSpace(t.Label)
	switch {
	case ss.page == "login" && strings.EqualFold(label, LoginButton.Label):
		user, pass := ss.filled[strings.ToLower(UsernameField.Label)], ss.filled[strings.ToLower(PasswordField.Label)]
		if (s.Username == "" || user == s.Username) && (s.Password == "" || pass == s.Password) {
			ss.loggedIn, ss.loginErr, ss.page = true, false, "home"
		} else {
			ss.loginErr = true
		}
		return nil
	case ss.page == "search" && strings.EqualFold(label, ClearResources.Label):
		ss.selected, ss.order = map[string]bool{}, nil
		return nil
	case ss.page == "search" && strings.EqualFold(label, SearchButton.Label):
		search := Search{
			Date:      ss.filled[strings.ToLower(DateField.Label)],
			Resources: append([]string(nil), ss.order...),
			From:      ss.filled[strings.ToLower(FromField.Label)],
			To:        ss.filled[strings.ToLower(ToField.Label)],
		}
		s.searches = append(s.searches, search)
		ss.results = nil
		if s.Results != nil {
			ss.results = s.Results(search)
		}
		ss.page = "results"
		ss.challenge = s.Challenge != NoChallenge
		return nil
	case ss.page == "search":
		for _, r := range s.Resources {
			if strings.EqualFold(r, label) {
				if !ss.selected[r] {
					ss.selected[r] = true
					ss.order = append(ss.order, r)
				}
				return nil
			}
		}
	case ss.page == "results" && ss.challenge:
		if strings.EqualFold(label, ChallengeBox.Label) {
			if s.Challenge == ClearsOnElementClick || s.Challenge == ClearsOnPointClick {
				ss.challenge = false
			}
			return nil
		}
		return fmt.Errorf("click %s: covered by challenge", t)
	case ss.page == "results":
		for i := range ss.results {
			if strings.EqualFold(ss.results[i].Target.Label, label) {
				chosen := ss.results[i]
				ss.chosen = &chosen
				ss.remaining = s.ConfirmSteps
				ss.page = "confirm"
				return nil
			}
		}
	case ss.page == "confirm":
		if ss.remaining > 0 && strings.EqualFold(label, ContinueButton.Label) {
			ss.remaining--
			return nil
		}
		if ss.remaining == 0 && strings.EqualFold(label, ConfirmButton.Label) {
			if s.Reject {
				ss.page = "rejected"
				return nil
			}
			s.booked = append(s.booked, *ss.chosen)
			ss.page = "done"
			return nil
		}
	}
	return fmt.Errorf("click %s on %s: %w", t, ss.page, ErrNoSuchTarget)
}

func (ss *session) ReadState(ctx context.Context) (surface.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return surface.Snapshot{}, err
	}
	s := ss.site
	s.mu.Lock()
	if ss.page == "confirm" && s.HangOnConfirm {
		s.mu.Unlock()
		<-ctx.Done()
		return surface.Snapshot{}, ctx.Err()
	}
	defer s.mu.Unlock()

	snap := surface.Snapshot{}
	switch ss.page {
	case "login":
		snap.URL = LoginURL
		snap.Elements = []surface.Element{
			{Role: "textbox", Label: UsernameField.Label},
			{Role: "textbox", Label: PasswordField.Label},
			{Role: "button", Label: LoginButton.Label},
		}
		if ss.loginErr {
			snap.Text = "Invalid membership number or password"
		}
	case "home":
		snap.URL = "https://site.test/"
		snap.Elements = []surface.Element{{Role: "link", Label: "Tee Times"}, {Role: "link", Label: "My Itinerary"}}
	case "search":
		snap.URL = SearchURL
		snap.Elements = append(snap.Elements, surface.Element{Role: "checkbox", Label: ClearResources.Label, Checked: len(ss.order) == 0})
		for _, r := range s.Resources {
			snap.Elements = append(snap.Elements, surface.Element{Role: "checkbox", Label: r, Checked: ss.selected[r]})
		}
		snap.Elements = append(snap.Elements, surface.Element{Role: "button", Label: SearchButton.Label})
	case "results":
		snap.URL = SearchURL + "/results"
		if ss.challenge {
			snap.Text = "Please wait while we verify you are human"
			snap.Elements = []surface.Element{{Role: "checkbox", Label: ChallengeBox.Label, Class: "cf-turnstile"}}
			break
		}
		if len(ss.results) == 0 {
			snap.Text = NoResultsText
			break
		}
		snap.Text = strconv.Itoa(len(ss.results)) + " tee times"
		snap.Slots = append(snap.Slots, ss.results...)
		for _, r := range ss.results {
			snap.Elements = append(snap.Elements, surface.Element{Role: r.Target.Role, Label: r.Target.Label})
		}
	case "confirm":
		snap.URL = "https://site.test/checkout"
		if ss.remaining > 0 {
			snap.Elements = []surface.Element{{Role: "button", Label: ContinueButton.Label}}
		} else {
			snap.Elements = []surface.Element{{Role: "button", Label: ConfirmButton.Label}}
		}
	case "done":
		snap.URL = "https://site.test/checkout/done"
		snap.Text = SuccessText
	case "rejected":
		snap.URL = "https://site.test/checkout/error"
		snap.Text = RejectionText
	case "itinerary":
		snap.URL = ItineraryURL
		snap.Reservations = append(snap.Reservations, s.Itinerary...)
	}
	return snap, nil
}

func (ss *session) CaptureEvidence(_ context.Context, label string) (string, error) {
	s := ss.site
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := fmt.Sprintf("mem://evidence/%d-%s", len(s.evidence)+1, label)
	s.evidence = append(s.evidence, ref)
	return ref, nil
}

func (ss *session) Close() error {
	s := ss.site
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss.closed {
		return nil
	}
	ss.closed = true
	s.closed++
	return nil
}
