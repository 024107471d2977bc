package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/availability"
	"github.com/hackgods/clinic-scheduling/internal/lock"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(hhmm string) time.Time {
	return appointment.MustTimeOfDay(hhmm).On(monday)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []appointment.SyncEvent
	check  func(appointment.SyncEvent)
}

func (n *recordingNotifier) Notify(ev appointment.SyncEvent) {
	if n.check != nil {
		n.check(ev)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) Events() []appointment.SyncEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]appointment.SyncEvent(nil), n.events...)
}

type env struct {
	repo     *appointment.MemoryRepository
	svc      *Service
	clock    *clock
	notifier *recordingNotifier
	doctor   appointment.Doctor
	typ      appointment.AppointmentType
	patients []appointment.Patient
}

type envOption func(*appointment.Doctor, *appointment.AppointmentType)

func withTemplate(end string, granularity time.Duration, duration int) envOption {
	return func(d *appointment.Doctor, typ *appointment.AppointmentType) {
		d.Templates[0].End = appointment.MustTimeOfDay(end)
		d.Templates[0].Granularity = granularity
		typ.DurationMinutes = duration
	}
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	e := &env{
		repo:     appointment.NewMemoryRepository(),
		clock:    &clock{now: time.Date(2026, 2, 23, 8, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
	}

	typ := appointment.AppointmentType{ID: uuid.New(), Name: "Control", DurationMinutes: 20}
	doctor := appointment.Doctor{
		ID:     uuid.New(),
		Name:   "Dra. Soto",
		Active: true,
		Templates: []appointment.ScheduleTemplate{{
			ID:      uuid.New(),
			Weekday: time.Monday,
			Start:   appointment.MustTimeOfDay("09:00"),
			End:     appointment.MustTimeOfDay("10:00"),
			Active:  true,
		}},
	}
	for _, opt := range opts {
		opt(&doctor, &typ)
	}
	e.repo.AddDoctor(doctor)
	e.repo.AddAppointmentType(typ)
	e.doctor, e.typ = doctor, typ

	for i := range 3 {
		p := appointment.Patient{
			ID:    uuid.New(),
			Name:  fmt.Sprintf("Paciente %d", i+1),
			Phone: fmt.Sprintf("+5691234567%d", i),
		}
		e.repo.AddPatient(p)
		e.patients = append(e.patients, p)
	}

	slots := availability.NewGenerator(e.repo, availability.Options{
		Location: time.UTC,
		MinLead:  time.Hour,
		Now:      e.clock.Now,
	})
	e.svc = NewService(e.repo, slots, lock.NewMemoryLocker(5*time.Second, time.Second), e.notifier, Options{
		Now: e.clock.Now,
	})
	return e
}

func (e *env) request(patient int, start time.Time) BookRequest {
	return BookRequest{
		DoctorID:          e.doctor.ID,
		PatientID:         e.patients[patient].ID,
		AppointmentTypeID: e.typ.ID,
		Start:             start,
	}
}

func (e *env) eventTypes() []string {
	var out []string
	for _, ev := range e.repo.Events() {
		out = append(out, ev.EventType)
	}
	return out
}

func TestBookCreatesPendingAppointment(t *testing.T) {
	e := newEnv(t)

	a, err := e.svc.Book(context.Background(), e.request(0, at("09:20")))
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, a.Status)
	assert.Equal(t, at("09:40"), a.End)

	stored, err := e.repo.GetAppointment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Start, stored.Start)

	assert.Equal(t, []string{EventAppointmentCreated}, e.eventTypes())

	outbox := e.repo.SyncEvents()
	require.Len(t, outbox, 1)
	assert.Equal(t, appointment.StatusPending, outbox[0].Status)
	assert.Equal(t, e.clock.Now().Add(time.Minute), outbox[0].NextAttemptAt)
}

func TestBookConcurrentRequestsForSameSlot(t *testing.T) {
	e := newEnv(t)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.svc.Book(context.Background(), e.request(i, at("09:20")))
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, appointment.ErrSlotConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	active, err := e.repo.ListActiveAppointments(context.Background(), e.doctor.ID, at("09:00"), at("10:00"))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, at("09:20"), active[0].Start)
}

func TestBookManyConcurrentIdenticalRequests(t *testing.T) {
	e := newEnv(t)
	const n = 25

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.svc.Book(context.Background(), e.request(i%len(e.patients), at("09:00"))); err == nil {
				success.Add(1)
			} else {
				assert.ErrorIs(t, err, appointment.ErrSlotConflict)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	assert.Len(t, e.notifier.Events(), 1)
}

func TestBookRandomConcurrentRequestsNeverOverlap(t *testing.T) {
	// 40 minute visits on a 20 minute grid, so neighbouring starts collide.
	e := newEnv(t, withTemplate("12:00", 20*time.Minute, 40))
	faker := gofakeit.New(42)

	starts := make([]time.Time, 0, 8)
	for s := at("09:00"); !s.Add(40 * time.Minute).After(at("12:00")); s = s.Add(20 * time.Minute) {
		starts = append(starts, s)
	}

	var wg sync.WaitGroup
	for range 60 {
		start := starts[faker.Number(0, len(starts)-1)]
		patient := faker.Number(0, len(e.patients)-1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Book(context.Background(), e.request(patient, start))
			if err != nil {
				assert.ErrorIs(t, err, appointment.ErrSlotConflict)
			}
		}()
	}
	wg.Wait()

	active, err := e.repo.ListActiveAppointments(context.Background(), e.doctor.ID, at("00:00"), at("23:59"))
	require.NoError(t, err)
	require.NotEmpty(t, active)
	for i := range active {
		for j := i + 1; j < len(active); j++ {
			assert.False(t, availability.Overlaps(availability.IntervalOf(active[i]), availability.IntervalOf(active[j])),
				"%s overlaps %s", active[i].Start.Format("15:04"), active[j].Start.Format("15:04"))
		}
	}
}

func TestBookRejectsInvalidRequests(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Book(ctx, e.request(0, at("09:10")))
	assert.ErrorIs(t, err, appointment.ErrInvalidSlot)

	req := e.request(0, at("09:00"))
	req.PatientID = uuid.New()
	_, err = e.svc.Book(ctx, req)
	assert.ErrorIs(t, err, appointment.ErrPatientNotFound)

	req = e.request(0, at("09:00"))
	req.DoctorID = uuid.New()
	_, err = e.svc.Book(ctx, req)
	assert.ErrorIs(t, err, appointment.ErrDoctorNotFound)

	assert.Empty(t, e.notifier.Events())
	assert.Empty(t, e.repo.Events())
}

func TestNotifyRunsAfterCommit(t *testing.T) {
	e := newEnv(t)
	var seen atomic.Bool
	e.notifier.check = func(ev appointment.SyncEvent) {
		a, err := e.repo.GetAppointment(context.Background(), ev.AppointmentID)
		if assert.NoError(t, err) {
			assert.Equal(t, ev.Status, a.Status)
			seen.Store(true)
		}
	}

	a, err := e.svc.Book(context.Background(), e.request(0, at("09:00")))
	require.NoError(t, err)
	_, err = e.svc.Confirm(context.Background(), a.ID)
	require.NoError(t, err)

	assert.True(t, seen.Load())
	events := e.notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, appointment.StatusPending, events[0].Status)
	assert.Equal(t, appointment.StatusConfirmed, events[1].Status)
	assert.NotZero(t, events[1].ID)
}

func TestRescheduleMovesAppointment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.svc.Book(ctx, e.request(0, at("09:00")))
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, a.ID)
	require.NoError(t, err)

	moved, err := e.svc.Reschedule(ctx, a.ID, at("09:40"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, moved.ID)
	assert.Equal(t, appointment.StatusPending, moved.Status)
	assert.Equal(t, at("09:40"), moved.Start)
	assert.Equal(t, at("10:00"), moved.End)

	// The old start is free again.
	_, err = e.svc.Book(ctx, e.request(1, at("09:00")))
	require.NoError(t, err)

	assert.Contains(t, e.eventTypes(), EventAppointmentRescheduled)
	last := e.notifier.Events()
	assert.Equal(t, at("09:40"), last[2].Start)
}

func TestRescheduleOntoTakenSlotLeavesAppointmentUntouched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.svc.Book(ctx, e.request(0, at("09:00")))
	require.NoError(t, err)
	_, err = e.svc.Book(ctx, e.request(1, at("09:20")))
	require.NoError(t, err)

	_, err = e.svc.Reschedule(ctx, a.ID, at("09:20"))
	require.ErrorIs(t, err, appointment.ErrSlotConflict)

	_, err = e.svc.Reschedule(ctx, a.ID, at("09:15"))
	require.ErrorIs(t, err, appointment.ErrInvalidSlot)

	stored, err := e.repo.GetAppointment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, stored.Status)
	assert.Equal(t, at("09:00"), stored.Start)
}

func TestTransitions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.svc.Book(ctx, e.request(0, at("09:00")))
	require.NoError(t, err)

	_, err = e.svc.Complete(ctx, a.ID)
	require.ErrorIs(t, err, appointment.ErrInvalidTransition, "pending cannot be completed")

	_, err = e.svc.Confirm(ctx, a.ID)
	require.NoError(t, err)

	_, err = e.svc.Complete(ctx, a.ID)
	require.ErrorIs(t, err, appointment.ErrInvalidTransition, "not started yet")

	e.clock.Set(at("09:30"))
	done, err := e.svc.Complete(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCompleted, done.Status)

	_, err = e.svc.Cancel(ctx, a.ID, "")
	require.ErrorIs(t, err, appointment.ErrInvalidTransition)
}

func TestCancelAppendsReasonAndFreesSlot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	req := e.request(0, at("09:00"))
	req.Notes = "Primera consulta"
	a, err := e.svc.Book(ctx, req)
	require.NoError(t, err)

	cancelled, err := e.svc.Cancel(ctx, a.ID, "viaje")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.Notes)
	assert.Equal(t, "Primera consulta\nCancelado: viaje", *cancelled.Notes)

	_, err = e.svc.Book(ctx, e.request(1, at("09:00")))
	require.NoError(t, err)
}

func TestMarkNoShowAfterStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.svc.Book(ctx, e.request(0, at("09:00")))
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, a.ID)
	require.NoError(t, err)

	e.clock.Set(at("09:05"))
	got, err := e.svc.MarkNoShow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusNoShow, got.Status)
	assert.Contains(t, e.eventTypes(), EventAppointmentNoShow)
}

type busyLocker struct{ calls atomic.Int32 }

func (b *busyLocker) WithDoctorLock(context.Context, uuid.UUID, func(context.Context) error) error {
	b.calls.Add(1)
	return lock.ErrNotAcquired
}

func TestLockTimeoutIsReportedAsBookingTimeout(t *testing.T) {
	e := newEnv(t)
	locker := &busyLocker{}
	e.svc.locker = locker

	_, err := e.svc.Book(context.Background(), e.request(0, at("09:00")))
	require.ErrorIs(t, err, appointment.ErrBookingTimeout)
	assert.Equal(t, int32(2), locker.calls.Load())
	assert.Empty(t, e.repo.SyncEvents())
}

func TestCancelledCallerIsNotRetried(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.svc.Book(ctx, e.request(0, at("09:00")))
	require.ErrorIs(t, err, context.Canceled)
}

type flakyRepo struct {
	*appointment.MemoryRepository
	failures atomic.Int32
}

func (f *flakyRepo) InTx(ctx context.Context, fn func(tx appointment.Tx) error) error {
	if f.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: connection reset", appointment.ErrPersistence)
	}
	return f.MemoryRepository.InTx(ctx, fn)
}

func TestBookRetriesPersistenceFailureOnce(t *testing.T) {
	e := newEnv(t)
	flaky := &flakyRepo{MemoryRepository: e.repo}
	flaky.failures.Store(1)
	e.svc.repo = flaky

	a, err := e.svc.Book(context.Background(), e.request(0, at("09:00")))
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, a.Status)

	flaky.failures.Store(2)
	_, err = e.svc.Book(context.Background(), e.request(1, at("09:20")))
	require.ErrorIs(t, err, appointment.ErrPersistence)
}

func TestAlternativesSkipBookedSlots(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.svc.Book(ctx, e.request(0, at("09:00")))
	require.NoError(t, err)

	// Tuesday, so the free slots left on the 23rd are behind us.
	e.clock.Set(time.Date(2026, 2, 24, 8, 0, 0, 0, time.UTC))
	slots, err := e.svc.Alternatives(ctx, a, 14, 3)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	assert.Equal(t, at("09:20"), slots[0].Start)
	assert.Equal(t, at("09:40"), slots[1].Start)
	assert.Equal(t, at("09:00").AddDate(0, 0, 7), slots[2].Start)
}
