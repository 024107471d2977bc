package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

var (
	monday  = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	weekAgo = time.Date(2026, 2, 23, 8, 0, 0, 0, time.UTC)
)

func fixture(t *testing.T) (*appointment.MemoryRepository, *appointment.Doctor, *appointment.AppointmentType) {
	t.Helper()
	repo := appointment.NewMemoryRepository()
	typ := &appointment.AppointmentType{ID: uuid.New(), Name: "Control", DurationMinutes: 20}
	doctor := &appointment.Doctor{
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
	repo.AddDoctor(*doctor)
	repo.AddAppointmentType(*typ)
	return repo, doctor, typ
}

func newTestGenerator(store AppointmentLister, now time.Time) *Generator {
	return NewGenerator(store, Options{
		Location:     time.UTC,
		MinLead:      time.Hour,
		MaxRangeDays: 90,
		Now:          func() time.Time { return now },
	})
}

func collect(t *testing.T, g *Generator, doctor *appointment.Doctor, r DateRange, typ *appointment.AppointmentType) []appointment.Slot {
	t.Helper()
	seq, err := g.Slots(context.Background(), doctor, r, typ)
	require.NoError(t, err)
	var out []appointment.Slot
	for s, err := range seq {
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func starts(slots []appointment.Slot, onlyAvailable bool) []string {
	var out []string
	for _, s := range slots {
		if onlyAvailable && !s.Available {
			continue
		}
		out = append(out, s.Start.Format("15:04"))
	}
	return out
}

func TestSlotsFromMondayTemplate(t *testing.T) {
	repo, doctor, typ := fixture(t)
	g := newTestGenerator(repo, weekAgo)

	slots := collect(t, g, doctor, DateRange{From: monday, To: monday}, typ)
	assert.Equal(t, []string{"09:00", "09:20", "09:40"}, starts(slots, true))
	for _, s := range slots {
		assert.Equal(t, 20*time.Minute, s.End.Sub(s.Start))
		assert.Equal(t, doctor.ID, s.DoctorID)
	}

	booked := monday.Add(9*time.Hour + 20*time.Minute)
	repo.AddAppointment(appointment.Appointment{
		ID:       uuid.New(),
		DoctorID: doctor.ID,
		Start:    booked,
		End:      booked.Add(20 * time.Minute),
		Status:   appointment.StatusPending,
	})

	slots = collect(t, g, doctor, DateRange{From: monday, To: monday}, typ)
	assert.Equal(t, []string{"09:00", "09:20", "09:40"}, starts(slots, false))
	assert.Equal(t, []string{"09:00", "09:40"}, starts(slots, true))
}

func TestSlotsIgnoreInactiveBookings(t *testing.T) {
	repo, doctor, typ := fixture(t)
	g := newTestGenerator(repo, weekAgo)

	start := monday.Add(9 * time.Hour)
	repo.AddAppointment(appointment.Appointment{
		ID:       uuid.New(),
		DoctorID: doctor.ID,
		Start:    start,
		End:      start.Add(20 * time.Minute),
		Status:   appointment.StatusCancelled,
	})

	slots := collect(t, g, doctor, DateRange{From: monday, To: monday}, typ)
	assert.Equal(t, []string{"09:00", "09:20", "09:40"}, starts(slots, true))
}

func TestSlotsAreRestartable(t *testing.T) {
	repo, doctor, typ := fixture(t)
	g := newTestGenerator(repo, weekAgo)

	seq, err := g.Slots(context.Background(), doctor, DateRange{From: monday, To: monday.AddDate(0, 0, 13)}, typ)
	require.NoError(t, err)

	var first, second []appointment.Slot
	for s, err := range seq {
		require.NoError(t, err)
		first = append(first, s)
	}
	for s, err := range seq {
		require.NoError(t, err)
		second = append(second, s)
	}
	assert.Len(t, first, 6)
	assert.Equal(t, first, second)
}

func TestSlotsValidation(t *testing.T) {
	repo, doctor, typ := fixture(t)
	g := newTestGenerator(repo, weekAgo)
	ctx := context.Background()

	_, err := g.Slots(ctx, doctor, DateRange{From: monday, To: monday.AddDate(0, 0, 90)}, typ)
	assert.ErrorIs(t, err, appointment.ErrInvalidRange)

	_, err = g.Slots(ctx, doctor, DateRange{From: monday, To: monday.AddDate(0, 0, 89)}, typ)
	assert.NoError(t, err)

	_, err = g.Slots(ctx, doctor, DateRange{From: monday, To: monday.AddDate(0, 0, -1)}, typ)
	assert.ErrorIs(t, err, appointment.ErrInvalidRange)

	zero := &appointment.AppointmentType{ID: uuid.New(), DurationMinutes: 0}
	_, err = g.Slots(ctx, doctor, DateRange{From: monday, To: monday}, zero)
	assert.ErrorIs(t, err, appointment.ErrInvalidRange)

	inactive := *doctor
	inactive.Active = false
	_, err = g.Slots(ctx, &inactive, DateRange{From: monday, To: monday}, typ)
	assert.ErrorIs(t, err, appointment.ErrDoctorInactive)
}

func TestSlotsWithoutTemplatesIsEmpty(t *testing.T) {
	repo, doctor, typ := fixture(t)
	g := newTestGenerator(repo, weekAgo)

	bare := *doctor
	bare.Templates = nil
	assert.Empty(t, collect(t, g, &bare, DateRange{From: monday, To: monday.AddDate(0, 0, 6)}, typ))
}

func TestSlotsSkipLeadWindow(t *testing.T) {
	repo, doctor, typ := fixture(t)
	now := monday.Add(8*time.Hour + 10*time.Minute)
	g := newTestGenerator(repo, now)

	slots := collect(t, g, doctor, DateRange{From: monday, To: monday}, typ)
	assert.Equal(t, []string{"09:20", "09:40"}, starts(slots, true))
}

func TestSlotsUnionOverlappingTemplates(t *testing.T) {
	repo, doctor, typ := fixture(t)
	g := newTestGenerator(repo, weekAgo)

	doctor.Templates = append(doctor.Templates,
		appointment.ScheduleTemplate{
			ID:      uuid.New(),
			Weekday: time.Monday,
			Start:   appointment.MustTimeOfDay("09:20"),
			End:     appointment.MustTimeOfDay("10:20"),
			Active:  true,
		},
		appointment.ScheduleTemplate{
			ID:      uuid.New(),
			Weekday: time.Monday,
			Start:   appointment.MustTimeOfDay("15:00"),
			End:     appointment.MustTimeOfDay("16:00"),
			Active:  false,
		},
	)

	slots := collect(t, g, doctor, DateRange{From: monday, To: monday}, typ)
	assert.Equal(t, []string{"09:00", "09:20", "09:40", "10:00"}, starts(slots, true))
}

func TestSlotsHonourGranularityAndTypeRestriction(t *testing.T) {
	repo, doctor, typ := fixture(t)
	g := newTestGenerator(repo, weekAgo)

	other := uuid.New()
	doctor.Templates = []appointment.ScheduleTemplate{
		{
			ID:          uuid.New(),
			Weekday:     time.Monday,
			Start:       appointment.MustTimeOfDay("09:00"),
			End:         appointment.MustTimeOfDay("10:00"),
			Granularity: 30 * time.Minute,
			Active:      true,
		},
		{
			ID:                uuid.New(),
			Weekday:           time.Monday,
			Start:             appointment.MustTimeOfDay("11:00"),
			End:               appointment.MustTimeOfDay("12:00"),
			AppointmentTypeID: &other,
			Active:            true,
		},
	}

	slots := collect(t, g, doctor, DateRange{From: monday, To: monday}, typ)
	assert.Equal(t, []string{"09:00", "09:30"}, starts(slots, true))
}

func TestSlotsSurfaceStoreErrors(t *testing.T) {
	_, doctor, typ := fixture(t)
	boom := errors.New("db down")
	g := newTestGenerator(failingLister{err: boom}, weekAgo)

	seq, err := g.Slots(context.Background(), doctor, DateRange{From: monday, To: monday}, typ)
	require.NoError(t, err)
	for _, err := range seq {
		assert.ErrorIs(t, err, boom)
	}
}

func TestIsCandidate(t *testing.T) {
	repo, doctor, typ := fixture(t)
	g := newTestGenerator(repo, weekAgo)

	assert.NoError(t, g.IsCandidate(doctor, typ, monday.Add(9*time.Hour+20*time.Minute)))
	assert.ErrorIs(t, g.IsCandidate(doctor, typ, monday.Add(9*time.Hour+10*time.Minute)), appointment.ErrInvalidSlot)
	assert.ErrorIs(t, g.IsCandidate(doctor, typ, monday.Add(9*time.Hour+40*time.Minute).AddDate(0, 0, 1)), appointment.ErrInvalidSlot)
	assert.ErrorIs(t, g.IsCandidate(doctor, typ, monday.AddDate(0, 0, -14).Add(9*time.Hour)), appointment.ErrInvalidSlot)
}

func TestIsCandidateLeadWindowBoundary(t *testing.T) {
	repo, doctor, typ := fixture(t)
	sameDay := weekAgo.Add(time.Hour) // Monday 09:00, exactly now+lead

	assert.NoError(t, newTestGenerator(repo, weekAgo).IsCandidate(doctor, typ, sameDay))

	late := newTestGenerator(repo, weekAgo.Add(30*time.Minute))
	assert.ErrorIs(t, late.IsCandidate(doctor, typ, sameDay), appointment.ErrInvalidSlot)
	assert.NoError(t, late.IsCandidate(doctor, typ, sameDay.Add(40*time.Minute)))
}

func TestNextAvailable(t *testing.T) {
	repo, doctor, typ := fixture(t)
	g := newTestGenerator(repo, weekAgo)

	booked := monday.Add(9 * time.Hour)
	repo.AddAppointment(appointment.Appointment{
		ID:       uuid.New(),
		DoctorID: doctor.ID,
		Start:    booked,
		End:      booked.Add(20 * time.Minute),
		Status:   appointment.StatusConfirmed,
	})

	free, err := g.NextAvailable(context.Background(), doctor, typ, monday, 14, 4)
	require.NoError(t, err)
	require.Len(t, free, 4)
	assert.Equal(t, monday.Add(9*time.Hour+20*time.Minute), free[0].Start)
	assert.Equal(t, monday.Add(9*time.Hour+40*time.Minute), free[1].Start)
	assert.Equal(t, monday.AddDate(0, 0, 7).Add(9*time.Hour), free[2].Start)
}

func TestOverlapsIsHalfOpen(t *testing.T) {
	base := monday.Add(9 * time.Hour)
	a := Interval{Start: base, End: base.Add(20 * time.Minute)}

	assert.False(t, Overlaps(a, Interval{Start: a.End, End: a.End.Add(time.Minute)}))
	assert.False(t, Overlaps(a, Interval{Start: base.Add(-time.Minute), End: base}))
	assert.True(t, Overlaps(a, Interval{Start: base.Add(19 * time.Minute), End: base.Add(time.Hour)}))
	assert.True(t, Overlaps(a, Interval{Start: base.Add(-time.Hour), End: base.Add(time.Hour)}))
}

type failingLister struct{ err error }

func (f failingLister) ListActiveAppointments(context.Context, uuid.UUID, time.Time, time.Time) ([]appointment.Appointment, error) {
	return nil, f.err
}
