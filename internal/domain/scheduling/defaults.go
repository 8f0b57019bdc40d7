package scheduling

import (
	"slices"
	"time"
)

const (
	MinDurationMinutes     = 15
	MaxDurationMinutes     = 180
	DefaultDurationMinutes = 50
	MaxNotesLength         = 2000
	MaxCommentLength       = 2000

	MinSlotMinutes = 15
	MaxSlotMinutes = 180

	MinAvailabilityDays     = 1
	MaxAvailabilityDays     = 60
	DefaultAvailabilityDays = 7

	JoinEarly = 15 * time.Minute
	JoinLate  = 3 * time.Hour
)

// DefaultScheduleConfig is the only place default working hours are defined.
// It is applied when a therapist first writes a partial schedule, never
// during slot generation.
func DefaultScheduleConfig(therapistID string) ScheduleConfig {
	return ScheduleConfig{
		TherapistID: therapistID,
		WorkDays:    []int{1, 2, 3, 4, 5},
		StartHour:   9,
		EndHour:     17,
		SlotMinutes: 50,
	}
}

// Validate rejects configs that violate the schedule constraints. Nothing is
// corrected.
func (c *ScheduleConfig) Validate() error {
	if len(c.WorkDays) == 0 {
		return newError(KindInvalidScheduleConfig, "workDays must not be empty")
	}
	for _, d := range c.WorkDays {
		if d < 0 || d > 6 {
			return newError(KindInvalidScheduleConfig, "workDays entry %d outside 0..6", d)
		}
	}
	if c.StartHour < 0 || c.StartHour > 23 {
		return newError(KindInvalidScheduleConfig, "startHour %d outside 0..23", c.StartHour)
	}
	if c.EndHour < 1 || c.EndHour > 24 {
		return newError(KindInvalidScheduleConfig, "endHour %d outside 1..24", c.EndHour)
	}
	if c.StartHour >= c.EndHour {
		return newError(KindInvalidScheduleConfig, "startHour %d must be before endHour %d", c.StartHour, c.EndHour)
	}
	if c.SlotMinutes < MinSlotMinutes || c.SlotMinutes > MaxSlotMinutes {
		return newError(KindInvalidScheduleConfig, "slotMinutes %d outside %d..%d", c.SlotMinutes, MinSlotMinutes, MaxSlotMinutes)
	}
	return nil
}

// ScheduleConfigPatch lists the schedule fields a therapist may change.
// Nil fields keep their current value.
type ScheduleConfigPatch struct {
	WorkDays    *[]int `json:"workDays,omitempty"`
	StartHour   *int   `json:"startHour,omitempty"`
	EndHour     *int   `json:"endHour,omitempty"`
	SlotMinutes *int   `json:"slotMinutes,omitempty"`
}

// ResolveScheduleConfig applies patch on top of current, or on top of the
// defaults when the therapist has no config yet, and validates the result.
func ResolveScheduleConfig(therapistID string, current *ScheduleConfig, patch ScheduleConfigPatch) (*ScheduleConfig, error) {
	base := DefaultScheduleConfig(therapistID)
	if current != nil {
		base = *current
		base.WorkDays = slices.Clone(current.WorkDays)
	}
	if patch.WorkDays != nil {
		base.WorkDays = slices.Clone(*patch.WorkDays)
	}
	if patch.StartHour != nil {
		base.StartHour = *patch.StartHour
	}
	if patch.EndHour != nil {
		base.EndHour = *patch.EndHour
	}
	if patch.SlotMinutes != nil {
		base.SlotMinutes = *patch.SlotMinutes
	}
	slices.Sort(base.WorkDays)
	base.WorkDays = slices.Compact(base.WorkDays)
	if err := base.Validate(); err != nil {
		return nil, err
	}
	return &base, nil
}
