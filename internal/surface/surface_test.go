package surface

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotHas(t *testing.T) {
	s := Snapshot{
		Text: "Please wait... Verify you are human",
		Elements: []Element{
			{Role: "checkbox", Label: "King Valley", Checked: true},
			{Role: "div", Label: "", Class: "main cf-browser-verification"},
			{Role: "link", Label: "Tee Times Plus"},
		},
	}

	assert.True(t, s.Has(Marker{Text: "verify you are human"}))
	assert.True(t, s.Has(Marker{Class: "cf-browser-verification"}))
	assert.True(t, s.Has(Marker{Role: "link", Label: "Tee Times"}))
	assert.False(t, s.Has(Marker{Role: "checkbox", Label: "Verify"}))
	assert.False(t, s.Has(Marker{}))

	m, ok := s.HasAny([]Marker{{Text: "Booking confirmed"}, {Role: "checkbox"}})
	assert.True(t, ok)
	assert.Equal(t, "checkbox", m.Role)
}

func TestSnapshotFind(t *testing.T) {
	s := Snapshot{Elements: []Element{
		{Role: "button", Label: "Continue"},
		{Role: "button", Label: "Confirm"},
	}}

	e, ok := s.Find(Target{Role: "button", Label: "confirm"})
	assert.True(t, ok)
	assert.Equal(t, "Confirm", e.Label)

	_, ok = s.Find(AtPoint(Point{X: 464, Y: 572}))
	assert.False(t, ok)
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "point(464,572)", AtPoint(Point{X: 464, Y: 572}).String())
	assert.Equal(t, "button[Search]", Target{Role: "button", Label: "Search"}.String())
}
