package scheduling

import (
	"time"
)

// CanAct reports whether actor may read or mutate a.
func CanAct(actor Actor, a *Appointment) bool {
	return actor.IsAdmin || (actor.ID != "" && (actor.ID == a.PatientID || actor.ID == a.TherapistID))
}

// Transition validates a status change. Only scheduled may move, and only to
// completed or cancelled.
func Transition(from, to Status) error {
	if from != StatusScheduled {
		return newError(KindInvalidTransition, "appointment is %s", from)
	}
	switch to {
	case StatusCompleted, StatusCancelled:
		return nil
	}
	return newError(KindInvalidTransition, "cannot move from %s to %q", from, to)
}

// JoinDecision is the outcome of the join-window gate.
type JoinDecision struct {
	Allowed    bool
	Reason     ErrorKind
	ValidUntil time.Time
}

// Err converts a refused decision into its domain error.
func (d JoinDecision) Err() error {
	switch d.Reason {
	case KindNotJoinable:
		return newError(KindNotJoinable, "text sessions have no live room")
	case KindTooEarly:
		return newError(KindTooEarly, "session opens %s before start", JoinEarly)
	case KindExpired:
		return newError(KindExpired, "session window closed at %s", d.ValidUntil.Format(time.RFC3339))
	}
	return nil
}

// CanJoin applies the join window [start-15m, start+3h] to a.
func CanJoin(a *Appointment, now time.Time) JoinDecision {
	d := JoinDecision{ValidUntil: a.Start.Add(JoinLate)}
	switch {
	case a.Kind != KindVideo:
		d.Reason = KindNotJoinable
	case now.Before(a.Start.Add(-JoinEarly)):
		d.Reason = KindTooEarly
	case now.After(d.ValidUntil) || a.Status.Terminal():
		d.Reason = KindExpired
	default:
		d.Allowed = true
	}
	return d
}

// AppointmentPatch lists the fields a participant may change on an
// appointment. Nil fields are left untouched.
type AppointmentPatch struct {
	Start           *time.Time `json:"start,omitempty"`
	DurationMinutes *int       `json:"durationMinutes,omitempty"`
	Kind            *Kind      `json:"kind,omitempty"`
	Status          *Status    `json:"status,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p AppointmentPatch) Empty() bool {
	return p.Start == nil && p.DurationMinutes == nil && p.Kind == nil && p.Status == nil && p.Notes == nil
}

// Reschedules reports whether the patch moves the appointment in time.
func (p AppointmentPatch) Reschedules() bool {
	return p.Start != nil || p.DurationMinutes != nil
}

func validateDuration(minutes int) error {
	if minutes < MinDurationMinutes || minutes > MaxDurationMinutes {
		return newError(KindInvalidDuration, "durationMinutes %d outside %d..%d", minutes, MinDurationMinutes, MaxDurationMinutes)
	}
	return nil
}

func validateStart(start, now time.Time) error {
	if !start.After(now) {
		return newError(KindPastStart, "start %s is not in the future", start.Format(time.RFC3339))
	}
	return nil
}

func validateKind(k Kind) error {
	if !k.Valid() {
		return newError(KindInvalidKind, "kind %q must be video or text", k)
	}
	return nil
}

func validateNotes(notes string) error {
	if n := len([]rune(notes)); n > MaxNotesLength {
		return newError(KindInvalidNotes, "notes length %d exceeds %d", n, MaxNotesLength)
	}
	return nil
}
