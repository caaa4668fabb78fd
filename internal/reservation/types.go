package reservation

import (
	"fmt"
	"strings"
	"time"
)

// ResourceTier is an ordered, fixed-cardinality set of interchangeable resources
// (courses) searched together. Earlier entries win ties.
type ResourceTier struct {
	Name      string
	Resources []string
	Required  int
}

func (t ResourceTier) Validate() error {
	if len(t.Resources) == 0 {
		return fmt.Errorf("%w: tier %q has no resources", ErrFormConfigInvalid, t.Name)
	}
	if t.Required > 0 && len(t.Resources) != t.Required {
		return fmt.Errorf("%w: tier %q has %d resources, policy requires exactly %d",
			ErrFormConfigInvalid, t.Name, len(t.Resources), t.Required)
	}
	seen := make(map[string]bool, len(t.Resources))
	for _, r := range t.Resources {
		k := normalize(r)
		if k == "" {
			return fmt.Errorf("%w: tier %q contains an empty resource name", ErrFormConfigInvalid, t.Name)
		}
		if seen[k] {
			return fmt.Errorf("%w: tier %q lists %q twice", ErrFormConfigInvalid, t.Name, r)
		}
		seen[k] = true
	}
	return nil
}

// Priority returns the position of resource within the tier. Matching ignores
// case and surrounding whitespace because result pages rarely echo the exact label.
func (t ResourceTier) Priority(resource string) (int, bool) {
	k := normalize(resource)
	for i, r := range t.Resources {
		if normalize(r) == k {
			return i, true
		}
	}
	return 0, false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TimeOfDay is a wall-clock time without a date, e.g. 07:00.
type TimeOfDay struct {
	Hour, Minute, Second int
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	layout := "15:04"
	if strings.Count(s, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM or HH:MM:SS)", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
}

func (d TimeOfDay) offset() time.Duration {
	return time.Duration(d.Hour)*time.Hour + time.Duration(d.Minute)*time.Minute + time.Duration(d.Second)*time.Second
}

// On returns the instant of d on the calendar day of date, in loc.
func (d TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	y, m, dd := date.In(loc).Date()
	return time.Date(y, m, dd, d.Hour, d.Minute, d.Second, 0, loc)
}

func (d TimeOfDay) String() string {
	if d.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", d.Hour, d.Minute, d.Second)
	}
	return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute)
}

// TargetWindow is the qualifying time-of-day range [Start, End) in a single zone.
type TargetWindow struct {
	Start    TimeOfDay
	End      TimeOfDay
	Location *time.Location
}

func NewTargetWindow(start, end string, loc *time.Location) (TargetWindow, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return TargetWindow{}, err
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return TargetWindow{}, err
	}
	w := TargetWindow{Start: s, End: e, Location: loc}
	return w, w.Validate()
}

func (w TargetWindow) Validate() error {
	if w.Location == nil {
		return fmt.Errorf("%w: qualifying window has no time zone", ErrFormConfigInvalid)
	}
	if w.Start.offset() >= w.End.offset() {
		return fmt.Errorf("%w: qualifying window start %s must be before end %s", ErrFormConfigInvalid, w.Start, w.End)
	}
	return nil
}

// Contains reports whether t falls inside the window on its own calendar day.
func (w TargetWindow) Contains(t time.Time) bool {
	lt := t.In(w.Location)
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, w.Location)
	off := lt.Sub(midnight)
	return off >= w.Start.offset() && off < w.End.offset()
}

// ContainsOn reports whether t is inside the window on the given date.
func (w TargetWindow) ContainsOn(date, t time.Time) bool {
	return SameDay(date, t, w.Location) && w.Contains(t)
}

func (w TargetWindow) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// Day truncates t to midnight of its calendar day in loc.
func Day(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func SameDay(a, b time.Time, loc *time.Location) bool {
	return Day(a, loc).Equal(Day(b, loc))
}

// Slot is a candidate bookable unit read from a result page. Ref is an opaque
// index back into the page the slot was read from.
type Slot struct {
	Start    time.Time
	Resource string
	Ref      int
}

// Existing is a reservation already on the member's itinerary.
type Existing struct {
	Start    time.Time
	Resource string
}
