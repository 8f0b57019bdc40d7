package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the session medium of an appointment.
type Kind string

const (
	KindVideo Kind = "video"
	KindText  Kind = "text"
)

// Valid reports whether k is a supported session kind.
func (k Kind) Valid() bool {
	return k == KindVideo || k == KindText
}

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Occupies reports whether an appointment in status s holds its interval.
func (s Status) Occupies() bool {
	return s == StatusScheduled || s == StatusCompleted
}

// ScheduleConfig is a therapist's recurring weekly availability.
type ScheduleConfig struct {
	TherapistID string    `db:"therapist_id" json:"therapistId"`
	WorkDays    []int     `db:"work_days" json:"workDays"`
	StartHour   int       `db:"start_hour" json:"startHour"`
	EndHour     int       `db:"end_hour" json:"endHour"`
	SlotMinutes int       `db:"slot_minutes" json:"slotMinutes"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// WorksOn reports whether the weekday is one of the configured work days.
func (c *ScheduleConfig) WorksOn(day time.Weekday) bool {
	for _, d := range c.WorkDays {
		if d == int(day) {
			return true
		}
	}
	return false
}

// Appointment maps to the appointments table.
type Appointment struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PatientID       string    `db:"patient_id" json:"patientId"`
	TherapistID     string    `db:"therapist_id" json:"therapistId"`
	Start           time.Time `db:"start_time" json:"start"`
	End             time.Time `db:"end_time" json:"end"`
	DurationMinutes int       `db:"duration_minutes" json:"durationMinutes"`
	Kind            Kind      `db:"kind" json:"kind"`
	Status          Status    `db:"status" json:"status"`
	JoinHandle      *string   `db:"join_handle" json:"joinHandle,omitempty"`
	Notes           string    `db:"notes" json:"notes"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}

// Interval returns the half-open range the appointment occupies.
func (a *Appointment) Interval() Interval {
	return Interval{Start: a.Start, End: a.End}
}

// Clone returns a copy that shares no pointers with a.
func (a *Appointment) Clone() *Appointment {
	cp := *a
	if a.JoinHandle != nil {
		h := *a.JoinHandle
		cp.JoinHandle = &h
	}
	return &cp
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"startTime"`
	End   time.Time `json:"endTime"`
}

// CandidateSlot is a fixed-length interval derived from a ScheduleConfig
// before bookings are subtracted.
type CandidateSlot = Interval

// Review is a patient's rating of a therapist.
type Review struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ReviewerID    string     `db:"reviewer_id" json:"reviewerId"`
	TherapistID   string     `db:"therapist_id" json:"therapistId"`
	AppointmentID *uuid.UUID `db:"appointment_id" json:"appointmentId,omitempty"`
	Rating        int        `db:"rating" json:"rating"`
	Comment       string     `db:"comment" json:"comment"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
}

// Scope selects a subset of a user's appointments for listing.
type Scope string

const (
	ScopeAll      Scope = ""
	ScopeUpcoming Scope = "upcoming"
	ScopeHistory  Scope = "history"
)

// ListFilter narrows an appointment listing. Empty IDs match everything.
// ParticipantID matches either side of the appointment.
type ListFilter struct {
	ParticipantID string
	PatientID     string
	TherapistID   string
	Scope         Scope
	Now           time.Time
}

// Matches reports whether a satisfies the filter.
func (f ListFilter) Matches(a *Appointment) bool {
	if f.ParticipantID != "" && a.PatientID != f.ParticipantID && a.TherapistID != f.ParticipantID {
		return false
	}
	if f.PatientID != "" && a.PatientID != f.PatientID {
		return false
	}
	if f.TherapistID != "" && a.TherapistID != f.TherapistID {
		return false
	}
	switch f.Scope {
	case ScopeUpcoming:
		return !a.Start.Before(f.Now) && a.Status == StatusScheduled
	case ScopeHistory:
		return a.Start.Before(f.Now) || a.Status.Terminal()
	}
	return true
}

// User is the slice of identity the engine needs from the user directory.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

const (
	RolePatient   = "patient"
	RoleTherapist = "therapist"
	RoleAdmin     = "admin"
)

// Actor is the principal invoking an operation.
type Actor struct {
	ID      string
	IsAdmin bool
}

// System is the actor used by background sweeps.
var System = Actor{ID: "system", IsAdmin: true}
