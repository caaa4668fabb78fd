// Package surface defines the browser/session capability the booking core drives.
// Concrete automation lives behind Opener implementations; the core only sees
// role/label targets, screen points and structured snapshots.
package surface

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Point is a screen coordinate in CSS pixels.
type Point struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Target identifies something to click or fill, by role/label semantics or, when
// Point is set, by a fixed screen coordinate.
type Target struct {
	Role  string `json:"role,omitempty" yaml:"role"`
	Label string `json:"label,omitempty" yaml:"label"`
	Point *Point `json:"point,omitempty" yaml:"point"`
}

// AtPoint builds a coordinate target.
func AtPoint(p Point) Target { return Target{Point: &p} }

func (t Target) IsZero() bool { return t.Role == "" && t.Label == "" && t.Point == nil }

func (t Target) String() string {
	if t.Point != nil {
		return "point(" + strconv.Itoa(t.Point.X) + "," + strconv.Itoa(t.Point.Y) + ")"
	}
	return t.Role + "[" + t.Label + "]"
}

// Marker describes something whose presence is detected in a snapshot. Every
// non-empty field must match; Text also matches the page's visible text.
type Marker struct {
	Role  string `json:"role,omitempty" yaml:"role"`
	Label string `json:"label,omitempty" yaml:"label"`
	Text  string `json:"text,omitempty" yaml:"text"`
	Class string `json:"class,omitempty" yaml:"class"`
}

func (m Marker) IsZero() bool { return m == Marker{} }

// Element is one interactive or labelled node in a snapshot.
type Element struct {
	Role    string `json:"role"`
	Label   string `json:"label"`
	Text    string `json:"text,omitempty"`
	Class   string `json:"class,omitempty"`
	Checked bool   `json:"checked,omitempty"`
}

// SlotEntry is one bookable row on a result page.
type SlotEntry struct {
	Start    time.Time `json:"start"`
	Resource string    `json:"resource"`
	Target   Target    `json:"target"`
}

// ReservationEntry is one row of the member itinerary.
type ReservationEntry struct {
	Start    time.Time `json:"start"`
	Resource string    `json:"resource"`
}

// Snapshot is a structured read of the current page.
type Snapshot struct {
	URL          string             `json:"url"`
	Text         string             `json:"text"`
	Elements     []Element          `json:"elements"`
	Slots        []SlotEntry        `json:"slots,omitempty"`
	Reservations []ReservationEntry `json:"reservations,omitempty"`
}

// Has reports whether m is present.
func (s Snapshot) Has(m Marker) bool {
	if m.IsZero() {
		return false
	}
	if m.Role == "" && m.Label == "" && m.Class == "" {
		return containsFold(s.Text, m.Text) || s.anyElement(func(e Element) bool { return containsFold(e.Text, m.Text) || containsFold(e.Label, m.Text) })
	}
	return s.anyElement(func(e Element) bool {
		if m.Role != "" && !strings.EqualFold(e.Role, m.Role) {
			return false
		}
		if m.Label != "" && !containsFold(e.Label, m.Label) {
			return false
		}
		if m.Class != "" && !containsFold(e.Class, m.Class) {
			return false
		}
		if m.Text != "" && !containsFold(e.Text, m.Text) && !containsFold(e.Label, m.Text) {
			return false
		}
		return true
	})
}

// HasAny reports the first marker present, if any.
func (s Snapshot) HasAny(ms []Marker) (Marker, bool) {
	for _, m := range ms {
		if s.Has(m) {
			return m, true
		}
	}
	return Marker{}, false
}

// Find locates the element a semantic target refers to.
func (s Snapshot) Find(t Target) (Element, bool) {
	if t.Point != nil || (t.Role == "" && t.Label == "") {
		return Element{}, false
	}
	for _, e := range s.Elements {
		if t.Role != "" && !strings.EqualFold(e.Role, t.Role) {
			continue
		}
		if t.Label != "" && !strings.EqualFold(strings.TrimSpace(e.Label), strings.TrimSpace(t.Label)) {
			continue
		}
		return e, true
	}
	return Element{}, false
}

func (s Snapshot) anyElement(fn func(Element) bool) bool {
	for _, e := range s.Elements {
		if fn(e) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// Surface is one live browser session.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	ReadState(ctx context.Context) (Snapshot, error)
	Click(ctx context.Context, t Target) error
	Hover(ctx context.Context, p Point) error
	Fill(ctx context.Context, field Target, value string) error
	CaptureEvidence(ctx context.Context, label string) (string, error)
	Close() error
}

// Opener starts sessions. Callers own the returned session and must Close it.
type Opener interface {
	Open(ctx context.Context) (Surface, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Surface, error)

func (f OpenerFunc) Open(ctx context.Context) (Surface, error) { return f(ctx) }
