package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/platform/websocket"
)

// reviewPreviewSize is how many recent reviews accompany a summary.
const reviewPreviewSize = 10

// sweepBatchSize bounds each ListElapsed call made by CompleteElapsed.
const sweepBatchSize = 100

type Service struct {
	schedules  ScheduleRepository
	appts      AppointmentRepository
	reviews    ReviewRepository
	users      UserDirectory
	publishers []websocket.EventPublisher
	logger     zerolog.Logger
	now        func() time.Time
	loc        *time.Location
	joinBase   string
}

type Option func(*Service)

// WithDirectory enables therapist existence checks against a user directory.
// Without one, therapist ids are trusted.
func WithDirectory(d UserDirectory) Option {
	return func(s *Service) { s.users = d }
}

// WithPublisher adds an outbound event sink. Publisher failures are logged
// and never fail the operation that produced the event.
func WithPublisher(p websocket.EventPublisher) Option {
	return func(s *Service) { s.publishers = append(s.publishers, p) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "scheduling").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the timezone calendar days are cut in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithJoinBaseURL sets the origin join URLs are built from.
func WithJoinBaseURL(base string) Option {
	return func(s *Service) { s.joinBase = strings.TrimRight(base, "/") }
}

func NewService(schedules ScheduleRepository, appts AppointmentRepository, reviews ReviewRepository, opts ...Option) *Service {
	s := &Service{
		schedules: schedules,
		appts:     appts,
		reviews:   reviews,
		logger:    zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
		loc:       time.UTC,
		joinBase:  "https://app.swasthamann.local",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location is the timezone calendar days are cut in.
func (s *Service) Location() *time.Location { return s.loc }

// -- Schedule --

func (s *Service) GetSchedule(ctx context.Context, therapistID string) (*ScheduleConfig, error) {
	return retryRead(ctx, s.logger, "get schedule", func(ctx context.Context) (*ScheduleConfig, error) {
		return s.schedules.Get(ctx, therapistID)
	})
}

// UpdateSchedule applies patch to the therapist's schedule, starting from the
// defaults when none exists yet. Only the therapist or an admin may write it.
func (s *Service) UpdateSchedule(ctx context.Context, actor Actor, therapistID string, patch ScheduleConfigPatch) (*ScheduleConfig, error) {
	if therapistID == "" {
		return nil, newError(KindNotFound, "therapist id is required")
	}
	if !actor.IsAdmin && actor.ID != therapistID {
		return nil, newError(KindForbidden, "only the therapist may change this schedule")
	}

	current, err := s.schedules.Get(ctx, therapistID)
	if err != nil && KindOf(err) != KindNotFound {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	cfg, err := ResolveScheduleConfig(therapistID, current, patch)
	if err != nil {
		return nil, err
	}
	if err := s.schedules.Upsert(ctx, cfg); err != nil {
		return nil, fmt.Errorf("save schedule: %w", err)
	}

	s.logger.Info().Str("therapist_id", therapistID).Ints("work_days", cfg.WorkDays).
		Int("start_hour", cfg.StartHour).Int("end_hour", cfg.EndHour).Int("slot_minutes", cfg.SlotMinutes).
		Msg("schedule updated")
	s.emit(ctx, websocket.Event{
		Type:         EventScheduleUpdated,
		Topics:       []string{TherapistTopic(therapistID), AvailabilityTopic(therapistID)},
		ResourceType: "ScheduleConfig",
		ResourceID:   therapistID,
	}, cfg)
	return cfg, nil
}

// -- Availability --

// Availability returns the therapist's free slots for the calendar days
// [from, from+days), ordered by start. A zero from means today. A therapist
// without a schedule has no availability.
func (s *Service) Availability(ctx context.Context, therapistID string, from time.Time, days int) ([]CandidateSlot, error) {
	if from.IsZero() {
		from = s.now()
	}
	if days < MinAvailabilityDays || days > MaxAvailabilityDays {
		return nil, newError(KindInvalidRange, "days %d outside %d..%d", days, MinAvailabilityDays, MaxAvailabilityDays)
	}
	cfg, err := s.GetSchedule(ctx, therapistID)
	if KindOf(err) == KindNotFound {
		return []CandidateSlot{}, nil
	}
	if err != nil {
		return nil, err
	}

	local := from.In(s.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	window := Interval{Start: dayStart.UTC(), End: dayStart.AddDate(0, 0, days).UTC()}

	busy, err := retryRead(ctx, s.logger, "busy intervals", func(ctx context.Context) ([]Interval, error) {
		return s.appts.BusyIntervals(ctx, therapistID, window, "")
	})
	if err != nil {
		return nil, err
	}
	return FreeSlots(GenerateSlots(cfg, from, days, s.loc), busy, s.now()), nil
}

// -- Booking --

// BookRequest carries the caller's booking input. Zero DurationMinutes and
// empty Kind take their defaults; empty PatientID means the actor.
type BookRequest struct {
	PatientID       string    `json:"patientId,omitempty"`
	TherapistID     string    `json:"therapistId"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"durationMinutes,omitempty"`
	Kind            Kind      `json:"kind,omitempty"`
	Notes           string    `json:"notes,omitempty"`
}

// Book validates req and persists a scheduled appointment. The conflict
// check and the insert run as one unit per therapist.
func (s *Service) Book(ctx context.Context, actor Actor, req BookRequest) (*Appointment, error) {
	if req.PatientID == "" {
		req.PatientID = actor.ID
	}
	if req.PatientID == "" {
		return nil, newError(KindForbidden, "booking requires an identified patient")
	}
	if !actor.IsAdmin && req.PatientID != actor.ID {
		return nil, newError(KindForbidden, "cannot book on behalf of another patient")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = DefaultDurationMinutes
	}
	if req.Kind == "" {
		req.Kind = KindVideo
	}

	if err := validateDuration(req.DurationMinutes); err != nil {
		return nil, err
	}
	if err := validateStart(req.Start, s.now()); err != nil {
		return nil, err
	}
	if err := validateKind(req.Kind); err != nil {
		return nil, err
	}
	if err := validateNotes(req.Notes); err != nil {
		return nil, err
	}
	if err := s.ensureTherapist(ctx, req.TherapistID); err != nil {
		return nil, err
	}

	start := req.Start.UTC()
	a := &Appointment{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		TherapistID:     req.TherapistID,
		Start:           start,
		End:             start.Add(time.Duration(req.DurationMinutes) * time.Minute),
		DurationMinutes: req.DurationMinutes,
		Kind:            req.Kind,
		Status:          StatusScheduled,
		Notes:           req.Notes,
	}

	err := s.appts.Atomically(ctx, a.TherapistID, func(ctx context.Context) error {
		if err := s.checkConflict(ctx, a, ""); err != nil {
			return err
		}
		return s.appts.Create(ctx, a)
	})
	if err != nil {
		if KindOf(err) == "" {
			s.logger.Error().Err(err).Str("therapist_id", a.TherapistID).Msg("booking failed")
		}
		return nil, err
	}

	s.logger.Info().Str("appointment_id", a.ID.String()).Str("therapist_id", a.TherapistID).
		Str("patient_id", a.PatientID).Time("start", a.Start).Msg("appointment booked")
	s.publish(ctx, EventAppointmentBooked, a)
	return a, nil
}

func (s *Service) checkConflict(ctx context.Context, a *Appointment, excludeID string) error {
	iv := a.Interval()
	busy, err := s.appts.BusyIntervals(ctx, a.TherapistID, iv, excludeID)
	if err != nil {
		return fmt.Errorf("busy intervals: %w", err)
	}
	if ConflictsWith(iv, busy) {
		return newError(KindSlotConflict, "therapist is already booked between %s and %s",
			iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
	}
	return nil
}

// ensureTherapist accepts ids that have a schedule or that the directory
// knows as a therapist.
func (s *Service) ensureTherapist(ctx context.Context, therapistID string) error {
	if therapistID == "" {
		return newError(KindNotFound, "therapistId is required")
	}
	_, err := s.schedules.Get(ctx, therapistID)
	if err == nil {
		return nil
	}
	if KindOf(err) != KindNotFound {
		return fmt.Errorf("load schedule: %w", err)
	}
	if s.users == nil {
		return nil
	}
	u, err := s.users.Lookup(ctx, therapistID)
	if err != nil {
		return err
	}
	if u.Role != RoleTherapist {
		return newError(KindNotFound, "therapist %s", therapistID)
	}
	return nil
}

// -- Read --

func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	a, err := retryRead(ctx, s.logger, "get appointment", func(ctx context.Context) (*Appointment, error) {
		return s.appts.GetByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if !CanAct(actor, a) {
		return nil, newError(KindForbidden, "not a participant of appointment %s", id)
	}
	return a, nil
}

// ListQuery selects appointments visible to an actor.
type ListQuery struct {
	Scope       Scope
	PatientID   string
	TherapistID string
	Limit       int
	Offset      int
}

// List returns the actor's appointments ordered by start. Non-admins only
// ever see appointments they take part in.
func (s *Service) List(ctx context.Context, actor Actor, q ListQuery) ([]*Appointment, int, error) {
	switch q.Scope {
	case ScopeAll, ScopeUpcoming, ScopeHistory:
	default:
		return nil, 0, newError(KindInvalidRange, "scope %q must be upcoming or history", q.Scope)
	}
	f := ListFilter{PatientID: q.PatientID, TherapistID: q.TherapistID, Scope: q.Scope, Now: s.now()}
	if !actor.IsAdmin {
		if actor.ID == "" {
			return nil, 0, newError(KindForbidden, "listing requires an identified user")
		}
		f.ParticipantID = actor.ID
	}

	type page struct {
		items []*Appointment
		total int
	}
	p, err := retryRead(ctx, s.logger, "list appointments", func(ctx context.Context) (page, error) {
		items, total, err := s.appts.List(ctx, f, q.Limit, q.Offset)
		return page{items, total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return p.items, p.total, nil
}

// -- Lifecycle --

// mutate loads the appointment, checks access and runs fn on a fresh copy
// inside the therapist's atomic unit. fn reports whether it changed anything;
// unchanged appointments are not written.
func (s *Service) mutate(ctx context.Context, actor Actor, id uuid.UUID, fn func(ctx context.Context, a *Appointment) (bool, error)) (*Appointment, bool, error) {
	a, err := s.appts.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !CanAct(actor, a) {
		return nil, false, newError(KindForbidden, "not a participant of appointment %s", id)
	}

	var changed bool
	err = s.appts.Atomically(ctx, a.TherapistID, func(ctx context.Context) error {
		cur, err := s.appts.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if changed, err = fn(ctx, cur); err != nil || !changed {
			a = cur
			return err
		}
		if err := s.appts.Update(ctx, cur); err != nil {
			return err
		}
		a = cur
		return nil
	})
	if err != nil {
		if KindOf(err) == "" {
			s.logger.Error().Err(err).Str("appointment_id", id.String()).Msg("appointment update failed")
		}
		return nil, false, err
	}
	return a, changed, nil
}

// Cancel moves a scheduled appointment to cancelled, freeing its interval.
// Cancelling an already cancelled appointment succeeds without a write.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	a, changed, err := s.mutate(ctx, actor, id, func(_ context.Context, a *Appointment) (bool, error) {
		if a.Status == StatusCancelled {
			return false, nil
		}
		if err := Transition(a.Status, StatusCancelled); err != nil {
			return false, err
		}
		a.Status = StatusCancelled
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info().Str("appointment_id", id.String()).Str("actor", actor.ID).Msg("appointment cancelled")
		s.publish(ctx, EventAppointmentCancelled, a)
	}
	return a, nil
}

// Complete marks a scheduled appointment completed. Only admins and the
// system sweep may complete.
func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	if !actor.IsAdmin {
		return nil, newError(KindForbidden, "only administrators may complete appointments")
	}
	a, _, err := s.mutate(ctx, actor, id, func(_ context.Context, a *Appointment) (bool, error) {
		if err := Transition(a.Status, StatusCompleted); err != nil {
			return false, err
		}
		a.Status = StatusCompleted
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("appointment_id", id.String()).Str("actor", actor.ID).Msg("appointment completed")
	s.publish(ctx, EventAppointmentCompleted, a)
	return a, nil
}

// Reschedule moves a scheduled appointment. A zero duration keeps the current
// one. The new interval is checked against the therapist's other bookings.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, start time.Time, durationMinutes int) (*Appointment, error) {
	p := AppointmentPatch{Start: &start}
	if durationMinutes != 0 {
		p.DurationMinutes = &durationMinutes
	}
	return s.Update(ctx, actor, id, p)
}

// Update applies a typed patch. Notes may change in any status; start,
// duration and kind only while scheduled. A status field follows the same
// rules as Cancel and Complete.
func (s *Service) Update(ctx context.Context, actor Actor, id uuid.UUID, p AppointmentPatch) (*Appointment, error) {
	if p.Empty() {
		return nil, newError(KindInvalidPatch, "patch changes nothing")
	}

	var moved bool
	var prevStatus Status
	a, changed, err := s.mutate(ctx, actor, id, func(ctx context.Context, a *Appointment) (bool, error) {
		prevStatus = a.Status
		changed := false

		if p.Notes != nil {
			if err := validateNotes(*p.Notes); err != nil {
				return false, err
			}
			if *p.Notes != a.Notes {
				a.Notes = *p.Notes
				changed = true
			}
		}

		if (p.Kind != nil || p.Reschedules()) && a.Status != StatusScheduled {
			return false, newError(KindInvalidTransition, "appointment is %s", a.Status)
		}
		if p.Kind != nil {
			if err := validateKind(*p.Kind); err != nil {
				return false, err
			}
			if *p.Kind != a.Kind {
				a.Kind = *p.Kind
				changed = true
			}
		}
		if p.Reschedules() {
			ok, err := s.move(ctx, a, p)
			if err != nil {
				return false, err
			}
			moved = ok
			changed = changed || ok
		}

		if p.Status != nil && *p.Status != a.Status {
			if *p.Status == StatusCompleted && !actor.IsAdmin {
				return false, newError(KindForbidden, "only administrators may complete appointments")
			}
			if err := Transition(a.Status, *p.Status); err != nil {
				return false, err
			}
			a.Status = *p.Status
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return a, nil
	}

	event := EventAppointmentUpdated
	switch {
	case a.Status != prevStatus && a.Status == StatusCancelled:
		event = EventAppointmentCancelled
	case a.Status != prevStatus && a.Status == StatusCompleted:
		event = EventAppointmentCompleted
	case moved:
		event = EventAppointmentRescheduled
	}
	s.logger.Info().Str("appointment_id", id.String()).Str("actor", actor.ID).Str("event", event).Msg("appointment updated")
	s.publish(ctx, event, a)
	return a, nil
}

// move applies the start and duration parts of p to a, re-running the
// duration, start and conflict checks. It must run inside the therapist's
// atomic unit.
func (s *Service) move(ctx context.Context, a *Appointment, p AppointmentPatch) (bool, error) {
	start, minutes := a.Start, a.DurationMinutes
	if p.Start != nil {
		start = p.Start.UTC()
	}
	if p.DurationMinutes != nil {
		minutes = *p.DurationMinutes
	}
	if err := validateDuration(minutes); err != nil {
		return false, err
	}
	if start.Equal(a.Start) && minutes == a.DurationMinutes {
		return false, nil
	}
	if err := validateStart(start, s.now()); err != nil {
		return false, err
	}

	a.Start = start
	a.DurationMinutes = minutes
	a.End = start.Add(time.Duration(minutes) * time.Minute)
	if err := s.checkConflict(ctx, a, a.ID.String()); err != nil {
		return false, err
	}
	return true, nil
}

// CompleteElapsed completes every scheduled appointment that ended at least
// grace ago and returns how many it completed.
func (s *Service) CompleteElapsed(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := s.now().Add(-grace)
	done := 0
	for {
		batch, err := s.appts.ListElapsed(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return done, fmt.Errorf("list elapsed: %w", err)
		}
		progressed := 0
		for _, a := range batch {
			if _, err := s.Complete(ctx, System, a.ID); err != nil {
				s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("sweep could not complete appointment")
				continue
			}
			progressed++
		}
		done += progressed
		if len(batch) < sweepBatchSize || progressed == 0 {
			return done, nil
		}
	}
}

// -- Join --

// JoinGrant is what a participant needs to enter a video session.
type JoinGrant struct {
	URL        string    `json:"url"`
	ValidUntil time.Time `json:"validUntil"`
}

// Join opens the video session when the join window allows it. The join
// handle is created on the first successful join and reused afterwards.
func (s *Service) Join(ctx context.Context, actor Actor, id uuid.UUID) (*JoinGrant, error) {
	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	d := CanJoin(a, s.now())
	if !d.Allowed {
		return nil, d.Err()
	}

	handle, err := s.appts.SetJoinHandle(ctx, a.ID, s.joinBase+"/video/"+a.ID.String())
	if err != nil {
		return nil, fmt.Errorf("store join handle: %w", err)
	}
	a.JoinHandle = &handle

	s.logger.Info().Str("appointment_id", id.String()).Str("actor", actor.ID).Msg("session joined")
	s.publish(ctx, EventAppointmentJoined, a)
	return &JoinGrant{URL: handle, ValidUntil: d.ValidUntil}, nil
}

// -- Reviews --

// ReviewRequest is a patient's review input.
type ReviewRequest struct {
	AppointmentID *uuid.UUID `json:"appointmentId,omitempty"`
	Rating        int        `json:"rating"`
	Comment       string     `json:"comment,omitempty"`
}

// CreateReview records the actor's review of a therapist. When tied to an
// appointment the actor must be its patient, and each appointment may be
// reviewed once per reviewer.
func (s *Service) CreateReview(ctx context.Context, actor Actor, therapistID string, req ReviewRequest) (*Review, error) {
	if actor.ID == "" {
		return nil, newError(KindForbidden, "reviews require an identified user")
	}
	if actor.ID == therapistID {
		return nil, newError(KindForbidden, "therapists cannot review themselves")
	}
	r := &Review{
		ID:            uuid.New(),
		ReviewerID:    actor.ID,
		TherapistID:   therapistID,
		AppointmentID: req.AppointmentID,
		Rating:        req.Rating,
		Comment:       req.Comment,
	}
	if err := validateReview(r); err != nil {
		return nil, err
	}
	if err := s.ensureTherapist(ctx, therapistID); err != nil {
		return nil, err
	}

	if r.AppointmentID != nil {
		a, err := s.appts.GetByID(ctx, *r.AppointmentID)
		if err != nil {
			return nil, err
		}
		if a.PatientID != actor.ID {
			return nil, newError(KindForbidden, "only the patient of appointment %s may review it", a.ID)
		}
		if a.TherapistID != therapistID {
			return nil, newError(KindNotFound, "appointment %s is not with therapist %s", a.ID, therapistID)
		}
		exists, err := s.reviews.ExistsForAppointment(ctx, actor.ID, a.ID)
		if err != nil {
			return nil, fmt.Errorf("check review: %w", err)
		}
		if exists {
			return nil, newError(KindDuplicateReview, "appointment %s already reviewed", a.ID)
		}
	}

	if err := s.reviews.Create(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Info().Str("review_id", r.ID.String()).Str("therapist_id", therapistID).Int("rating", r.Rating).Msg("review created")
	s.emit(ctx, websocket.Event{
		Type:         EventReviewCreated,
		Topics:       []string{TherapistTopic(therapistID)},
		ResourceType: "Review",
		ResourceID:   r.ID.String(),
	}, r)
	return r, nil
}

// TherapistReviews is a review summary with the most recent reviews.
type TherapistReviews struct {
	ReviewSummary
	Items []*Review `json:"items"`
}

func (s *Service) Reviews(ctx context.Context, therapistID string) (*TherapistReviews, error) {
	all, err := retryRead(ctx, s.logger, "list reviews", func(ctx context.Context) ([]*Review, error) {
		return s.reviews.ListByTherapist(ctx, therapistID, 0)
	})
	if err != nil {
		return nil, err
	}
	out := &TherapistReviews{ReviewSummary: SummarizeReviews(all), Items: all}
	if len(out.Items) > reviewPreviewSize {
		out.Items = out.Items[:reviewPreviewSize]
	}
	if out.Items == nil {
		out.Items = []*Review{}
	}
	return out, nil
}

// -- Events --

func (s *Service) publish(ctx context.Context, eventType string, a *Appointment) {
	s.emit(ctx, websocket.Event{
		Type:         eventType,
		Topics:       appointmentTopics(a),
		ResourceType: "Appointment",
		ResourceID:   a.ID.String(),
	}, a)
}

func (s *Service) emit(ctx context.Context, evt websocket.Event, payload any) {
	if len(s.publishers) == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", evt.Type).Msg("failed to encode event payload")
		return
	}
	evt.Data = data
	evt.Timestamp = s.now()
	for _, p := range s.publishers {
		if err := p.Publish(ctx, evt); err != nil {
			s.logger.Warn().Err(err).Str("event", evt.Type).Str("resource_id", evt.ResourceID).Msg("event publish failed")
		}
	}
}

// retryRead runs read and retries it once when it fails for a reason other
// than a domain error or a cancelled context. Writes never go through here.
func retryRead[T any](ctx context.Context, logger zerolog.Logger, op string, read func(context.Context) (T, error)) (T, error) {
	v, err := read(ctx)
	if err == nil || KindOf(err) != "" || ctx.Err() != nil ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return v, err
	}
	logger.Warn().Err(err).Str("op", op).Msg("read failed, retrying once")
	return read(ctx)
}
