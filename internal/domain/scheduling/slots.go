package scheduling

import (
	"iter"
	"time"
)

// GenerateSlots expands cfg into candidate slots for each calendar day in
// [from, from+days), with from truncated to midnight in loc. A trailing slot
// that would run past endHour is dropped. A nil cfg yields nothing.
//
// The returned sequence is lazy and holds no state between iterations, so it
// may be ranged over any number of times.
func GenerateSlots(cfg *ScheduleConfig, from time.Time, days int, loc *time.Location) iter.Seq[CandidateSlot] {
	return func(yield func(CandidateSlot) bool) {
		if cfg == nil || days <= 0 || cfg.SlotMinutes <= 0 {
			return
		}
		if loc == nil {
			loc = time.UTC
		}
		local := from.In(loc)
		step := time.Duration(cfg.SlotMinutes) * time.Minute

		for i := 0; i < days; i++ {
			day := time.Date(local.Year(), local.Month(), local.Day()+i, 0, 0, 0, 0, loc)
			if !cfg.WorksOn(day.Weekday()) {
				continue
			}
			open := time.Date(day.Year(), day.Month(), day.Day(), cfg.StartHour, 0, 0, 0, loc)
			dayEnd := time.Date(day.Year(), day.Month(), day.Day(), cfg.EndHour, 0, 0, 0, loc)
			for start := open; !start.Add(step).After(dayEnd); start = start.Add(step) {
				if !yield(CandidateSlot{Start: start.UTC(), End: start.Add(step).UTC()}) {
					return
				}
			}
		}
	}
}
