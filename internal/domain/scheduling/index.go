package scheduling

import (
	"iter"
	"slices"
	"time"
)

// Overlaps is the half-open overlap test. Intervals that merely touch do not
// overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// BusyIntervals collects the intervals held by occupying appointments that
// intersect window, skipping excludeID.
func BusyIntervals(appts []*Appointment, window Interval, excludeID string) []Interval {
	var out []Interval
	for _, a := range appts {
		if !a.Status.Occupies() || a.ID.String() == excludeID {
			continue
		}
		if Overlaps(a.Interval(), window) {
			out = append(out, a.Interval())
		}
	}
	slices.SortFunc(out, func(x, y Interval) int { return x.Start.Compare(y.Start) })
	return out
}

// ConflictsWith reports whether iv overlaps any busy interval.
func ConflictsWith(iv Interval, busy []Interval) bool {
	for _, b := range busy {
		if Overlaps(iv, b) {
			return true
		}
	}
	return false
}

// FreeSlots keeps candidates that start strictly after now and overlap no
// busy interval. busy must be sorted by start; candidates are expected in
// ascending order and are returned in that order.
func FreeSlots(candidates iter.Seq[CandidateSlot], busy []Interval, now time.Time) []CandidateSlot {
	free := []CandidateSlot{}
	i := 0
	for c := range candidates {
		if !c.Start.After(now) {
			continue
		}
		// Busy intervals ending at or before this candidate cannot touch any
		// later candidate either.
		for i < len(busy) && !busy[i].End.After(c.Start) {
			i++
		}
		if !ConflictsWith(c, busy[i:]) {
			free = append(free, c)
		}
	}
	return free
}
