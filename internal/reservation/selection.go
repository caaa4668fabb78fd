package reservation

import "sort"

// Qualifying filters slots to those starting inside w.
func Qualifying(slots []Slot, w TargetWindow) []Slot {
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if w.Contains(s.Start) {
			out = append(out, s)
		}
	}
	return out
}

// rank orders resources by tier position; names the tier does not list sort last.
func rank(tier ResourceTier, resource string) int {
	if p, ok := tier.Priority(resource); ok {
		return p
	}
	return len(tier.Resources)
}

// ChooseEarliest returns the earliest qualifying slot. Identical start times are
// broken by tier order: the earlier-listed resource wins.
func ChooseEarliest(slots []Slot, tier ResourceTier, w TargetWindow) (Slot, bool) {
	candidates := Qualifying(slots, w)
	if len(candidates) == 0 {
		return Slot{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return rank(tier, a.Resource) < rank(tier, b.Resource)
	})
	return candidates[0], true
}
