package scheduling

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps schedules, appointments and reviews in process memory.
// It serves tests and single-instance deployments with STORE_DRIVER=memory.
type MemoryStore struct {
	mu           sync.RWMutex
	schedules    map[string]*ScheduleConfig
	appointments map[uuid.UUID]*Appointment
	reviews      []*Review
	users        map[string]*User

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules:    make(map[string]*ScheduleConfig),
		appointments: make(map[uuid.UUID]*Appointment),
		users:        make(map[string]*User),
		locks:        make(map[string]*sync.Mutex),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) therapistLock(therapistID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[therapistID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[therapistID] = l
	}
	return l
}

// Schedules returns a ScheduleRepository view of the store.
func (s *MemoryStore) Schedules() ScheduleRepository { return (*memSchedules)(s) }

// Appointments returns an AppointmentRepository view of the store.
func (s *MemoryStore) Appointments() AppointmentRepository { return (*memAppointments)(s) }

// Reviews returns a ReviewRepository view of the store.
func (s *MemoryStore) Reviews() ReviewRepository { return (*memReviews)(s) }

// Directory returns a UserDirectory view of the store.
func (s *MemoryStore) Directory() UserDirectory { return (*memDirectory)(s) }

// AddUser registers a user with the in-memory directory.
func (s *MemoryStore) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// =========== Schedules ===========

type memSchedules MemoryStore

func (m *memSchedules) Get(_ context.Context, therapistID string) (*ScheduleConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.schedules[therapistID]
	if !ok {
		return nil, newError(KindNotFound, "schedule for therapist %s", therapistID)
	}
	cp := *c
	cp.WorkDays = slices.Clone(c.WorkDays)
	return &cp, nil
}

func (m *memSchedules) Upsert(_ context.Context, c *ScheduleConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	cp.WorkDays = slices.Clone(c.WorkDays)
	m.schedules[c.TherapistID] = &cp
	return nil
}

// =========== Appointments ===========

type memAppointments MemoryStore

func (m *memAppointments) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.appointments[a.ID]; exists {
		return newError(KindSlotConflict, "appointment %s already exists", a.ID)
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	m.appointments[a.ID] = a.Clone()
	return nil
}

func (m *memAppointments) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, newError(KindNotFound, "appointment %s", id)
	}
	return a.Clone(), nil
}

func (m *memAppointments) Update(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.appointments[a.ID]
	if !ok {
		return newError(KindNotFound, "appointment %s", a.ID)
	}
	a.UpdatedAt = time.Now().UTC()
	next := a.Clone()
	next.JoinHandle = cur.JoinHandle
	m.appointments[a.ID] = next
	return nil
}

func (m *memAppointments) SetJoinHandle(_ context.Context, id uuid.UUID, handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return "", newError(KindNotFound, "appointment %s", id)
	}
	if a.JoinHandle == nil {
		h := handle
		a.JoinHandle = &h
	}
	return *a.JoinHandle, nil
}

func (m *memAppointments) BusyIntervals(_ context.Context, therapistID string, window Interval, excludeID string) ([]Interval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var mine []*Appointment
	for _, a := range m.appointments {
		if a.TherapistID == therapistID {
			mine = append(mine, a)
		}
	}
	return BusyIntervals(mine, window, excludeID), nil
}

func (m *memAppointments) List(_ context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.RLock()
	var matched []*Appointment
	for _, a := range m.appointments {
		if f.Matches(a) {
			matched = append(matched, a.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(matched, func(x, y *Appointment) int { return x.Start.Compare(y.Start) })
	total := len(matched)
	if offset >= total {
		return []*Appointment{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (m *memAppointments) ListElapsed(_ context.Context, cutoff time.Time, limit int) ([]*Appointment, error) {
	m.mu.RLock()
	var out []*Appointment
	for _, a := range m.appointments {
		if a.Status == StatusScheduled && !a.End.After(cutoff) {
			out = append(out, a.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(x, y *Appointment) int { return x.End.Compare(y.End) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memAppointments) Atomically(ctx context.Context, therapistID string, fn func(ctx context.Context) error) error {
	l := (*MemoryStore)(m).therapistLock(therapistID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// =========== Reviews ===========

type memReviews MemoryStore

func (m *memReviews) Create(_ context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.AppointmentID != nil {
		for _, existing := range m.reviews {
			if existing.ReviewerID == r.ReviewerID && existing.AppointmentID != nil && *existing.AppointmentID == *r.AppointmentID {
				return ErrDuplicateReview
			}
		}
	}
	r.CreatedAt = time.Now().UTC()
	cp := *r
	m.reviews = append(m.reviews, &cp)
	return nil
}

func (m *memReviews) ListByTherapist(_ context.Context, therapistID string, limit int) ([]*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Review
	// Appended in creation order; walk backwards for newest first.
	for i := len(m.reviews) - 1; i >= 0; i-- {
		if m.reviews[i].TherapistID != therapistID {
			continue
		}
		cp := *m.reviews[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memReviews) ExistsForAppointment(_ context.Context, reviewerID string, appointmentID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reviews {
		if r.ReviewerID == reviewerID && r.AppointmentID != nil && *r.AppointmentID == appointmentID {
			return true, nil
		}
	}
	return false, nil
}

// =========== Directory ===========

type memDirectory MemoryStore

func (m *memDirectory) Lookup(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, newError(KindNotFound, "user %s", id)
	}
	cp := *u
	return &cp, nil
}
