package appointment

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process. Transactions are serialised
// and work on a copy of the appointment table that replaces the original on
// commit, so a failed unit of work leaves no trace.
type MemoryRepository struct {
	txMu sync.Mutex

	mu           sync.RWMutex
	doctors      map[uuid.UUID]Doctor
	types        map[uuid.UUID]AppointmentType
	patients     map[uuid.UUID]Patient
	appointments map[uuid.UUID]Appointment
	events       []EventLog
	syncEvents   []SyncEvent
	interactions []Interaction
	nextID       int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:      make(map[uuid.UUID]Doctor),
		types:        make(map[uuid.UUID]AppointmentType),
		patients:     make(map[uuid.UUID]Patient),
		appointments: make(map[uuid.UUID]Appointment),
	}
}

func (r *MemoryRepository) AddDoctor(d Doctor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.Templates = slices.Clone(d.Templates)
	r.doctors[d.ID] = d
}

func (r *MemoryRepository) AddAppointmentType(t AppointmentType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.ID] = t
}

func (r *MemoryRepository) AddPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
}

// AddAppointment stores a without overlap checks.
func (r *MemoryRepository) AddAppointment(a Appointment) {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appointments[a.ID] = a
}

func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.events)
}

func (r *MemoryRepository) SyncEvents() []SyncEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.syncEvents)
}

func (r *MemoryRepository) Interactions() []Interaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.interactions)
}

func (r *MemoryRepository) GetDoctor(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	d.Templates = slices.Clone(d.Templates)
	return &d, nil
}

func (r *MemoryRepository) GetAppointmentType(_ context.Context, id uuid.UUID) (*AppointmentType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	if !ok {
		return nil, ErrAppointmentTypeNotFound
	}
	return &t, nil
}

func (r *MemoryRepository) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetPatientByPhone(_ context.Context, phone string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.patients {
		if p.Phone == phone {
			return &p, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (r *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) ListActiveAppointments(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return activeBetween(r.appointments, doctorID, from, to), nil
}

func (r *MemoryRepository) NextActiveAppointmentForPatient(_ context.Context, patientID uuid.UUID, after time.Time) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var next *Appointment
	for _, a := range r.appointments {
		if a.PatientID != patientID || !a.Status.Active() || !a.Start.After(after) {
			continue
		}
		if next == nil || a.Start.Before(next.Start) {
			next = &a
		}
	}
	if next == nil {
		return nil, ErrAppointmentNotFound
	}
	return next, nil
}

func (r *MemoryRepository) LastCancelledAppointmentForPatient(_ context.Context, patientID uuid.UUID, since time.Time) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last *Appointment
	for _, a := range r.appointments {
		if a.PatientID != patientID || a.Status != StatusCancelled || a.UpdatedAt.Before(since) {
			continue
		}
		if last == nil || a.UpdatedAt.After(last.UpdatedAt) {
			last = &a
		}
	}
	if last == nil {
		return nil, ErrAppointmentNotFound
	}
	return last, nil
}

func activeBetween(appointments map[uuid.UUID]Appointment, doctorID uuid.UUID, from, to time.Time) []Appointment {
	var result []Appointment
	for _, a := range appointments {
		if a.DoctorID == doctorID && a.Status.Active() && a.Start.Before(to) && a.End.After(from) {
			result = append(result, a)
		}
	}
	slices.SortFunc(result, func(x, y Appointment) int { return x.Start.Compare(y.Start) })
	return result
}

func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return persistenceError("begin", err)
	}

	r.mu.RLock()
	tx := &memTx{
		appointments: maps.Clone(r.appointments),
		nextID:       r.nextID,
	}
	r.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.appointments = tx.appointments
	r.events = append(r.events, tx.events...)
	r.syncEvents = append(r.syncEvents, tx.syncEvents...)
	r.nextID = tx.nextID
	return nil
}

type memTx struct {
	appointments map[uuid.UUID]Appointment
	events       []EventLog
	syncEvents   []SyncEvent
	nextID       int64
}

func (t *memTx) GetAppointmentForUpdate(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (t *memTx) ListActiveAppointments(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return activeBetween(t.appointments, doctorID, from, to), nil
}

// overlaps mirrors the appointments_no_overlap constraint.
func (t *memTx) overlaps(a *Appointment) bool {
	if !a.Status.Active() {
		return false
	}
	for _, other := range activeBetween(t.appointments, a.DoctorID, a.Start, a.End) {
		if other.ID != a.ID {
			return true
		}
	}
	return false
}

func (t *memTx) InsertAppointment(_ context.Context, a *Appointment) error {
	if _, exists := t.appointments[a.ID]; exists {
		return persistenceError("insert appointment", fmt.Errorf("duplicate id %s", a.ID))
	}
	if t.overlaps(a) {
		return ErrSlotConflict
	}
	t.appointments[a.ID] = *a
	return nil
}

func (t *memTx) UpdateAppointment(_ context.Context, a *Appointment, from Status) error {
	current, ok := t.appointments[a.ID]
	if !ok || current.Status != from {
		return fmt.Errorf("%w: appointment changed concurrently", ErrInvalidTransition)
	}
	if t.overlaps(a) {
		return ErrSlotConflict
	}
	current.Status = a.Status
	current.Start = a.Start
	current.End = a.End
	current.Notes = a.Notes
	current.UpdatedAt = a.UpdatedAt
	t.appointments[a.ID] = current
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, ev EventLog) error {
	t.nextID++
	ev.ID = t.nextID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	t.events = append(t.events, ev)
	return nil
}

func (t *memTx) InsertSyncEvent(_ context.Context, ev *SyncEvent) error {
	t.nextID++
	ev.ID = t.nextID
	t.syncEvents = append(t.syncEvents, *ev)
	return nil
}

func (r *MemoryRepository) InsertInteraction(_ context.Context, in *Interaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in.ID = int64(len(r.interactions) + 1)
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	r.interactions = append(r.interactions, *in)
	return nil
}

func (r *MemoryRepository) ListDueSyncEvents(_ context.Context, now time.Time, limit int) ([]SyncEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := make(map[uuid.UUID]SyncEvent)
	for _, ev := range r.syncEvents {
		if ev.SyncedAt != nil {
			continue
		}
		if prev, ok := latest[ev.AppointmentID]; !ok || ev.ID > prev.ID {
			latest[ev.AppointmentID] = ev
		}
	}

	var due []SyncEvent
	for _, ev := range latest {
		if ev.NextAttemptAt.After(now) {
			continue
		}
		ev.ExternalEventID = r.appointments[ev.AppointmentID].CalendarEventID
		due = append(due, ev)
	}
	slices.SortFunc(due, func(x, y SyncEvent) int {
		if c := x.NextAttemptAt.Compare(y.NextAttemptAt); c != 0 {
			return c
		}
		return int(x.ID - y.ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryRepository) MarkSyncSucceeded(_ context.Context, ev SyncEvent, externalID string, at time.Time) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.syncEvents {
		e := &r.syncEvents[i]
		if e.AppointmentID == ev.AppointmentID && e.ID <= ev.ID && e.SyncedAt == nil {
			synced := at
			e.SyncedAt = &synced
		}
	}
	if a, ok := r.appointments[ev.AppointmentID]; ok {
		id := externalID
		a.CalendarEventID = &id
		r.appointments[a.ID] = a
	}
	return nil
}

func (r *MemoryRepository) MarkSyncFailed(_ context.Context, id int64, reason string, attempts int, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.syncEvents {
		e := &r.syncEvents[i]
		if e.ID == id {
			msg := reason
			e.LastError = &msg
			e.Attempts = attempts
			e.NextAttemptAt = next
			return nil
		}
	}
	return persistenceError("record calendar sync failure", fmt.Errorf("sync event %d not found", id))
}
