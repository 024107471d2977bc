package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/availability"
	"github.com/hackgods/clinic-scheduling/internal/booking"
	"github.com/hackgods/clinic-scheduling/internal/intent"
	"github.com/hackgods/clinic-scheduling/internal/lock"
)

const patientPhone = "+12015550123"

var (
	now        = time.Date(2026, 2, 24, 8, 0, 0, 0, time.UTC)
	visitStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

type harness struct {
	repo    *appointment.MemoryRepository
	handler *Handler
	appt    appointment.Appointment
}

func newHarness(t *testing.T, deduper Deduper) *harness {
	t.Helper()
	repo := appointment.NewMemoryRepository()
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
	patient := appointment.Patient{ID: uuid.New(), Name: "Ana Pérez", Phone: patientPhone}
	appt := appointment.Appointment{
		ID:                uuid.New(),
		PatientID:         patient.ID,
		DoctorID:          doctor.ID,
		AppointmentTypeID: typ.ID,
		Start:             visitStart,
		End:               visitStart.Add(20 * time.Minute),
		Status:            appointment.StatusPending,
	}
	repo.AddDoctor(doctor)
	repo.AddAppointmentType(typ)
	repo.AddPatient(patient)
	repo.AddAppointment(appt)

	clock := func() time.Time { return now }
	slots := availability.NewGenerator(repo, availability.Options{Location: time.UTC, MinLead: time.Hour, Now: clock})
	svc := booking.NewService(repo, slots, lock.NewMemoryLocker(5*time.Second, time.Second), nil, booking.Options{Now: clock})

	h := NewHandler(repo, intent.NewClassifier(nil, nil, time.Second), svc, Options{
		Deduper:    deduper,
		Region:     "US",
		Location:   time.UTC,
		ClinicName: "CESFAM Futrono",
		Now:        clock,
	})
	return &harness{repo: repo, handler: h, appt: appt}
}

func (h *harness) status(t *testing.T) appointment.Status {
	t.Helper()
	a, err := h.repo.GetAppointment(context.Background(), h.appt.ID)
	require.NoError(t, err)
	return a.Status
}

func TestHandleConfirm(t *testing.T) {
	h := newHarness(t, nil)

	reply, err := h.handler.Handle(context.Background(), Inbound{
		SenderID:  "whatsapp:" + patientPhone,
		Text:      "Sí, confirmo mi hora",
		MessageID: "SM1",
	})
	require.NoError(t, err)
	assert.Equal(t, intent.Confirm, reply.Intent)
	assert.Equal(t, 0.7, reply.Confidence)
	assert.Equal(t, intent.SourceFallback, reply.Source)
	assert.Contains(t, reply.Text, "CONFIRMADA")
	assert.Contains(t, reply.Text, "lunes 2 de marzo, 09:00")
	assert.Contains(t, reply.Text, "Dra. Soto")
	require.NotNil(t, reply.AppointmentID)
	assert.Equal(t, h.appt.ID, *reply.AppointmentID)
	assert.Equal(t, appointment.StatusConfirmed, h.status(t))

	// Confirming again is answered without another transition.
	reply, err = h.handler.Handle(context.Background(), Inbound{SenderID: patientPhone, Text: "confirmo"})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "CONFIRMADA")

	interactions := h.repo.Interactions()
	require.Len(t, interactions, 4)
	assert.Equal(t, appointment.DirectionInbound, interactions[0].Direction)
	assert.Equal(t, "CONFIRM", interactions[0].Intent)
	assert.Equal(t, "SM1", interactions[0].MessageID)
	assert.Equal(t, appointment.DirectionOutbound, interactions[1].Direction)
	assert.Equal(t, reply.Text, interactions[3].Body)
}

func TestHandleCancel(t *testing.T) {
	h := newHarness(t, nil)

	reply, err := h.handler.Handle(context.Background(), Inbound{SenderID: patientPhone, Text: "No voy a poder ir"})
	require.NoError(t, err)
	assert.Equal(t, intent.Cancel, reply.Intent)
	assert.Contains(t, reply.Text, "CANCELADA")
	assert.Equal(t, appointment.StatusCancelled, h.status(t))

	a, err := h.repo.GetAppointment(context.Background(), h.appt.ID)
	require.NoError(t, err)
	require.NotNil(t, a.Notes)
	assert.Contains(t, *a.Notes, patientCancelReason)

	// Nothing left to act on.
	reply, err = h.handler.Handle(context.Background(), Inbound{SenderID: patientPhone, Text: "confirmo"})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "No encontramos citas pendientes")
	assert.Nil(t, reply.AppointmentID)
}

func TestHandleRescheduleAfterCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	reply, err := h.handler.Handle(ctx, Inbound{SenderID: patientPhone, Text: "cancelar"})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "reagendar")
	assert.Equal(t, appointment.StatusCancelled, h.status(t))

	reply, err = h.handler.Handle(ctx, Inbound{SenderID: patientPhone, Text: "reagendar"})
	require.NoError(t, err)
	assert.Equal(t, intent.Reschedule, reply.Intent)
	assert.NotContains(t, reply.Text, "No encontramos citas pendientes")
	// The freed slot is offered back.
	assert.Contains(t, reply.Text, "1. lunes 2 de marzo, 09:00")
	require.NotNil(t, reply.AppointmentID)
	assert.Equal(t, h.appt.ID, *reply.AppointmentID)
}

func TestHandleRescheduleAfterOldCancel(t *testing.T) {
	h := newHarness(t, nil)
	old := h.appt
	old.Status = appointment.StatusCancelled
	old.UpdatedAt = now.Add(-30 * 24 * time.Hour)
	h.repo.AddAppointment(old)

	reply, err := h.handler.Handle(context.Background(), Inbound{SenderID: patientPhone, Text: "reagendar"})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "No encontramos citas pendientes")
	assert.Nil(t, reply.AppointmentID)
}

func TestHandleRescheduleOffersAlternatives(t *testing.T) {
	h := newHarness(t, nil)

	reply, err := h.handler.Handle(context.Background(), Inbound{SenderID: patientPhone, Text: "Necesito reagendar"})
	require.NoError(t, err)
	assert.Equal(t, intent.Reschedule, reply.Intent)
	assert.Contains(t, reply.Text, "1. lunes 2 de marzo, 09:20")
	assert.Contains(t, reply.Text, "2. lunes 2 de marzo, 09:40")
	assert.Contains(t, reply.Text, "3. lunes 9 de marzo, 09:00")
	assert.Equal(t, appointment.StatusPending, h.status(t))
}

func TestHandleUnknownIntent(t *testing.T) {
	h := newHarness(t, nil)

	reply, err := h.handler.Handle(context.Background(), Inbound{SenderID: patientPhone, Text: "Hola, ¿a qué hora abren?"})
	require.NoError(t, err)
	assert.Equal(t, intent.Unknown, reply.Intent)
	assert.Equal(t, 0.3, reply.Confidence)
	assert.Contains(t, reply.Text, "No entendí tu mensaje")
	assert.Equal(t, appointment.StatusPending, h.status(t))
}

func TestHandleUnregisteredSender(t *testing.T) {
	h := newHarness(t, nil)

	for _, sender := range []string{"whatsapp:+12025550142", "whatsapp:hola"} {
		reply, err := h.handler.Handle(context.Background(), Inbound{SenderID: sender, Text: "confirmo"})
		require.NoError(t, err)
		assert.Contains(t, reply.Text, "Número no registrado")
	}

	interactions := h.repo.Interactions()
	require.Len(t, interactions, 4)
	for _, in := range interactions {
		assert.Nil(t, in.PatientID)
	}
	assert.Equal(t, appointment.StatusPending, h.status(t))
}

func TestHandleIgnoresDuplicateMessages(t *testing.T) {
	h := newHarness(t, NewMemoryDeduper(time.Hour))
	msg := Inbound{SenderID: patientPhone, Text: "cancelo", MessageID: "SM42"}

	first, err := h.handler.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := h.handler.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.Text)

	assert.Len(t, h.repo.Interactions(), 2)
}

type brokenDeduper struct{}

func (brokenDeduper) FirstSeen(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestHandleProcessesWhenDedupeIsDown(t *testing.T) {
	h := newHarness(t, brokenDeduper{})

	reply, err := h.handler.Handle(context.Background(), Inbound{SenderID: patientPhone, Text: "confirmo", MessageID: "SM7"})
	require.NoError(t, err)
	assert.False(t, reply.Duplicate)
	assert.Equal(t, appointment.StatusConfirmed, h.status(t))
}

func TestHandleRejectsEmptyMessages(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.handler.Handle(context.Background(), Inbound{SenderID: patientPhone, Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, h.repo.Interactions())
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		sender, region, want string
	}{
		{"whatsapp:+12015550123", "CL", "+12015550123"},
		{"+1 (201) 555-0123", "CL", "+12015550123"},
		{"(201) 555-0123", "US", "+12015550123"},
	}
	for _, tc := range cases {
		got, err := NormalizePhone(tc.sender, tc.region)
		require.NoError(t, err, tc.sender)
		assert.Equal(t, tc.want, got)
	}

	for _, bad := range []string{"", "whatsapp:", "hola", "+1 555"} {
		_, err := NormalizePhone(bad, "US")
		assert.ErrorIs(t, err, ErrInvalidSender, bad)
	}
}

func TestMemoryDeduperExpires(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	current := now
	d.now = func() time.Time { return current }
	ctx := context.Background()

	first, err := d.FirstSeen(ctx, "a")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.FirstSeen(ctx, "a")
	require.NoError(t, err)
	assert.False(t, again)

	current = current.Add(time.Minute)
	after, err := d.FirstSeen(ctx, "a")
	require.NoError(t, err)
	assert.True(t, after)
}
