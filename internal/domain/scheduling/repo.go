package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ScheduleRepository interface {
	// Get returns ErrNotFound when the therapist has never declared a schedule.
	Get(ctx context.Context, therapistID string) (*ScheduleConfig, error)
	Upsert(ctx context.Context, cfg *ScheduleConfig) error
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// SetJoinHandle stores handle unless one is already set and returns the
	// handle that ends up persisted.
	SetJoinHandle(ctx context.Context, id uuid.UUID, handle string) (string, error)
	// BusyIntervals returns the sorted intervals of scheduled or completed
	// appointments for the therapist that intersect window, skipping excludeID.
	BusyIntervals(ctx context.Context, therapistID string, window Interval, excludeID string) ([]Interval, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Appointment, int, error)
	// ListElapsed returns scheduled appointments that ended at or before cutoff.
	ListElapsed(ctx context.Context, cutoff time.Time, limit int) ([]*Appointment, error)
	// Atomically runs fn with exclusive write access to the therapist's
	// appointments. Repository calls made with the ctx passed to fn join the
	// same unit. Calls must not nest.
	Atomically(ctx context.Context, therapistID string, fn func(ctx context.Context) error) error
}

type ReviewRepository interface {
	Create(ctx context.Context, r *Review) error
	// ListByTherapist returns newest first; limit <= 0 returns all.
	ListByTherapist(ctx context.Context, therapistID string, limit int) ([]*Review, error)
	ExistsForAppointment(ctx context.Context, reviewerID string, appointmentID uuid.UUID) (bool, error)
}

// UserDirectory resolves user ids to identity and role. Lookup returns
// ErrNotFound for unknown ids.
type UserDirectory interface {
	Lookup(ctx context.Context, id string) (*User, error)
}
