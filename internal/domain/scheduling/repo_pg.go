package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemed/telemed/internal/platform/db"
)

// exclusion_violation, raised by appointments_no_overlap.
const pgExclusionViolation = "23P01"

// unique_violation, raised by idx_reviews_reviewer_appointment.
const pgUniqueViolation = "23505"

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return newError(KindNotFound, format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository { return &scheduleRepoPG{pool: pool} }

func (r *scheduleRepoPG) Get(ctx context.Context, therapistID string) (*ScheduleConfig, error) {
	var c ScheduleConfig
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT therapist_id, work_days, start_hour, end_hour, slot_minutes, updated_at
		FROM schedule_configs WHERE therapist_id = $1`, therapistID).
		Scan(&c.TherapistID, &c.WorkDays, &c.StartHour, &c.EndHour, &c.SlotMinutes, &c.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "schedule for therapist %s", therapistID)
	}
	return &c, nil
}

func (r *scheduleRepoPG) Upsert(ctx context.Context, c *ScheduleConfig) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO schedule_configs (therapist_id, work_days, start_hour, end_hour, slot_minutes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (therapist_id) DO UPDATE SET
			work_days = EXCLUDED.work_days, start_hour = EXCLUDED.start_hour,
			end_hour = EXCLUDED.end_hour, slot_minutes = EXCLUDED.slot_minutes, updated_at = NOW()
		RETURNING updated_at`,
		c.TherapistID, c.WorkDays, c.StartHour, c.EndHour, c.SlotMinutes).Scan(&c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert schedule for therapist %s: %w", c.TherapistID, err)
	}
	return nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const apptCols = `id, patient_id, therapist_id, start_time, end_time, duration_minutes,
	kind, status, join_handle, notes, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.TherapistID, &a.Start, &a.End, &a.DurationMinutes,
		&a.Kind, &a.Status, &a.JoinHandle, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Start, a.End = a.Start.UTC(), a.End.UTC()
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, therapist_id, start_time, end_time,
			duration_minutes, kind, status, join_handle, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.TherapistID, a.Start, a.End,
		a.DurationMinutes, a.Kind, a.Status, a.JoinHandle, a.Notes).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isPgCode(err, pgExclusionViolation) {
		return newError(KindSlotConflict, "therapist %s already has a session overlapping %s", a.TherapistID, a.Start.Format(time.RFC3339))
	}
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "appointment %s", id)
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE appointments SET start_time=$2, end_time=$3, duration_minutes=$4, kind=$5,
			status=$6, notes=$7, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.Start, a.End, a.DurationMinutes, a.Kind, a.Status, a.Notes).Scan(&a.UpdatedAt)
	if isPgCode(err, pgExclusionViolation) {
		return newError(KindSlotConflict, "therapist %s already has a session overlapping %s", a.TherapistID, a.Start.Format(time.RFC3339))
	}
	if err != nil {
		return notFoundOr(err, "appointment %s", a.ID)
	}
	return nil
}

func (r *appointmentRepoPG) SetJoinHandle(ctx context.Context, id uuid.UUID, handle string) (string, error) {
	var stored string
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE appointments SET join_handle = COALESCE(join_handle, $2)
		WHERE id = $1
		RETURNING join_handle`, id, handle).Scan(&stored)
	if err != nil {
		return "", notFoundOr(err, "appointment %s", id)
	}
	return stored, nil
}

func (r *appointmentRepoPG) BusyIntervals(ctx context.Context, therapistID string, window Interval, excludeID string) ([]Interval, error) {
	query := `SELECT start_time, end_time FROM appointments
		WHERE therapist_id = $1 AND status IN ('scheduled', 'completed')
		AND start_time < $3 AND end_time > $2`
	args := []interface{}{therapistID, window.Start, window.End}
	if excludeID != "" {
		query += ` AND id::text <> $4`
		args = append(args, excludeID)
	}
	query += ` ORDER BY start_time`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query busy intervals for therapist %s: %w", therapistID, err)
	}
	defer rows.Close()

	var out []Interval
	for rows.Next() {
		var iv Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, fmt.Errorf("scan busy interval: %w", err)
		}
		out = append(out, Interval{Start: iv.Start.UTC(), End: iv.End.UTC()})
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.ParticipantID != "" {
		where += fmt.Sprintf(` AND (patient_id = $%d OR therapist_id = $%d)`, idx, idx)
		args = append(args, f.ParticipantID)
		idx++
	}
	if f.PatientID != "" {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, f.PatientID)
		idx++
	}
	if f.TherapistID != "" {
		where += fmt.Sprintf(` AND therapist_id = $%d`, idx)
		args = append(args, f.TherapistID)
		idx++
	}
	switch f.Scope {
	case ScopeUpcoming:
		where += fmt.Sprintf(` AND start_time >= $%d AND status = 'scheduled'`, idx)
		args = append(args, f.Now)
		idx++
	case ScopeHistory:
		where += fmt.Sprintf(` AND (start_time < $%d OR status IN ('completed', 'cancelled'))`, idx)
		args = append(args, f.Now)
		idx++
	}

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	query := `SELECT ` + apptCols + ` FROM appointments` + where +
		fmt.Sprintf(` ORDER BY start_time ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	items, err := collectAppointments(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("scan appointments: %w", err)
	}
	return items, total, nil
}

func (r *appointmentRepoPG) ListElapsed(ctx context.Context, cutoff time.Time, limit int) ([]*Appointment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE status = 'scheduled' AND end_time <= $1
		ORDER BY end_time ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list elapsed appointments: %w", err)
	}
	items, err := collectAppointments(rows)
	if err != nil {
		return nil, fmt.Errorf("scan elapsed appointments: %w", err)
	}
	return items, nil
}

// Atomically serializes writers per therapist with a transaction-scoped
// advisory lock. The exclusion constraint backs it up for writers that
// bypass the lock.
func (r *appointmentRepoPG) Atomically(ctx context.Context, therapistID string, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := db.AdvisoryXactLock(ctx, tx, "therapist:"+therapistID); err != nil {
			return err
		}
		return fn(ctx)
	})
}

// =========== Review Repository ===========

type reviewRepoPG struct{ pool *pgxpool.Pool }

func NewReviewRepoPG(pool *pgxpool.Pool) ReviewRepository { return &reviewRepoPG{pool: pool} }

func (r *reviewRepoPG) Create(ctx context.Context, rv *Review) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO reviews (id, reviewer_id, therapist_id, appointment_id, rating, comment)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		rv.ID, rv.ReviewerID, rv.TherapistID, rv.AppointmentID, rv.Rating, rv.Comment).Scan(&rv.CreatedAt)
	if isPgCode(err, pgUniqueViolation) {
		return ErrDuplicateReview
	}
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (r *reviewRepoPG) ListByTherapist(ctx context.Context, therapistID string, limit int) ([]*Review, error) {
	query := `SELECT id, reviewer_id, therapist_id, appointment_id, rating, comment, created_at
		FROM reviews WHERE therapist_id = $1 ORDER BY created_at DESC`
	args := []interface{}{therapistID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews for therapist %s: %w", therapistID, err)
	}
	defer rows.Close()

	var items []*Review
	for rows.Next() {
		var rv Review
		if err := rows.Scan(&rv.ID, &rv.ReviewerID, &rv.TherapistID, &rv.AppointmentID, &rv.Rating, &rv.Comment, &rv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		items = append(items, &rv)
	}
	return items, rows.Err()
}

func (r *reviewRepoPG) ExistsForAppointment(ctx context.Context, reviewerID string, appointmentID uuid.UUID) (bool, error) {
	var exists bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM reviews WHERE reviewer_id = $1 AND appointment_id = $2)`,
		reviewerID, appointmentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check review for appointment %s: %w", appointmentID, err)
	}
	return exists, nil
}

// =========== User Directory ===========

type userDirectoryPG struct{ pool *pgxpool.Pool }

func NewUserDirectoryPG(pool *pgxpool.Pool) UserDirectory { return &userDirectoryPG{pool: pool} }

func (d *userDirectoryPG) Lookup(ctx context.Context, id string) (*User, error) {
	var u User
	err := db.Conn(ctx, d.pool).QueryRow(ctx, `SELECT id, display_name, role FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &u.Role)
	if err != nil {
		return nil, notFoundOr(err, "user %s", id)
	}
	return &u, nil
}
