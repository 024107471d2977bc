package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/intent"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
)

var ErrEmptyMessage = errors.New("inbound message has no sender or text")

// Inbound is one patient message as delivered by the transport.
type Inbound struct {
	SenderID  string
	Text      string
	MessageID string
	Language  string
}

type Reply struct {
	Text          string
	Intent        intent.Intent
	Confidence    float64
	Source        intent.Source
	AppointmentID *uuid.UUID
	Duplicate     bool
}

type Classifier interface {
	Classify(ctx context.Context, utterance, language string) intent.Result
}

// Appointments is the part of the booking service a patient can drive.
type Appointments interface {
	Confirm(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*appointment.Appointment, error)
	Alternatives(ctx context.Context, a *appointment.Appointment, days, limit int) ([]appointment.Slot, error)
}

type Store interface {
	appointment.Reader
	InsertInteraction(ctx context.Context, in *appointment.Interaction) error
}

type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.SchedulingMetrics
	Deduper    Deduper
	Region     string         // default region for numbers without a country code
	Location   *time.Location // zone dates are shown in
	ClinicName string
	Now        func() time.Time
	// AlternativeDays and AlternativeLimit bound the slots offered on a
	// reschedule request.
	AlternativeDays  int
	AlternativeLimit int
	// RebookWindow is how far back a cancelled appointment can still seed a
	// reschedule request.
	RebookWindow time.Duration
}

const patientCancelReason = "solicitado por el paciente por mensaje"

// Handler turns patient messages into appointment actions and replies.
type Handler struct {
	store        Store
	classifier   Classifier
	appointments Appointments
	deduper      Deduper

	logger  *slog.Logger
	metrics *metrics.SchedulingMetrics
	replies replies
	region  string
	now     func() time.Time
	tracer  trace.Tracer

	days         int
	limit        int
	rebookWindow time.Duration
}

func NewHandler(store Store, classifier Classifier, appointments Appointments, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Region == "" {
		opts.Region = "CL"
	}
	if opts.ClinicName == "" {
		opts.ClinicName = "Centro Médico"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AlternativeDays <= 0 {
		opts.AlternativeDays = 14
	}
	if opts.AlternativeLimit <= 0 {
		opts.AlternativeLimit = 3
	}
	if opts.RebookWindow <= 0 {
		opts.RebookWindow = 7 * 24 * time.Hour
	}
	return &Handler{
		store:        store,
		classifier:   classifier,
		appointments: appointments,
		deduper:      opts.Deduper,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		replies:      replies{clinic: opts.ClinicName, loc: opts.Location},
		region:       opts.Region,
		now:          opts.Now,
		days:         opts.AlternativeDays,
		limit:        opts.AlternativeLimit,
		rebookWindow: opts.RebookWindow,
		tracer:       otel.Tracer("github.com/hackgods/clinic-scheduling/internal/messaging"),
	}
}

// Handle processes one inbound message. Failures past validation are logged
// and answered with a generic reply; the returned error is reserved for
// messages that cannot be processed at all.
func (h *Handler) Handle(ctx context.Context, in Inbound) (Reply, error) {
	ctx, span := h.tracer.Start(ctx, "messaging.handle")
	defer span.End()

	if strings.TrimSpace(in.SenderID) == "" || strings.TrimSpace(in.Text) == "" {
		h.metrics.ObserveInbound("invalid")
		return Reply{}, ErrEmptyMessage
	}

	if in.MessageID != "" && h.deduper != nil {
		first, err := h.deduper.FirstSeen(ctx, in.MessageID)
		switch {
		case err != nil:
			h.logger.Warn("message dedupe unavailable, processing anyway", "message_id", in.MessageID, "error", err)
		case !first:
			h.logger.Info("duplicate inbound message ignored", "message_id", in.MessageID)
			h.metrics.ObserveInbound("duplicate")
			return Reply{Duplicate: true}, nil
		}
	}

	language := in.Language
	if language == "" {
		language = "es"
	}
	result := h.classifier.Classify(ctx, in.Text, language)
	reply := Reply{Intent: result.Intent, Confidence: result.Confidence, Source: result.Source}
	span.SetAttributes(attribute.String("intent", string(result.Intent)))

	var (
		patient *appointment.Patient
		appt    *appointment.Appointment
		outcome string
	)
	patient, appt, reply.Text, outcome = h.respond(ctx, in, result)
	if appt != nil {
		id := appt.ID
		reply.AppointmentID = &id
	}

	h.audit(ctx, in, patient, reply)
	h.metrics.ObserveInbound(outcome)
	h.logger.Info("inbound message handled",
		"message_id", in.MessageID,
		"intent", result.Intent,
		"confidence", result.Confidence,
		"source", result.Source,
		"outcome", outcome,
	)
	return reply, nil
}

func (h *Handler) respond(ctx context.Context, in Inbound, result intent.Result) (*appointment.Patient, *appointment.Appointment, string, string) {
	phone, err := NormalizePhone(in.SenderID, h.region)
	if err != nil {
		h.logger.Warn("inbound sender is not a phone number", "error", err)
		return nil, nil, h.replies.notRegistered(), "unknown_sender"
	}

	patient, err := h.store.GetPatientByPhone(ctx, phone)
	if errors.Is(err, appointment.ErrPatientNotFound) {
		return nil, nil, h.replies.notRegistered(), "unknown_sender"
	}
	if err != nil {
		h.logger.Error("load patient for inbound message", "error", err)
		return nil, nil, h.replies.failure(), "error"
	}

	if result.Intent == intent.Unknown {
		return patient, nil, h.replies.unknown(), "unknown_intent"
	}

	appt, err := h.store.NextActiveAppointmentForPatient(ctx, patient.ID, h.now())
	if errors.Is(err, appointment.ErrAppointmentNotFound) && result.Intent == intent.Reschedule {
		// A patient who just cancelled may still ask for a new time.
		appt, err = h.store.LastCancelledAppointmentForPatient(ctx, patient.ID, h.now().Add(-h.rebookWindow))
	}
	if errors.Is(err, appointment.ErrAppointmentNotFound) {
		return patient, nil, h.replies.noAppointment(), "no_appointment"
	}
	if err != nil {
		h.logger.Error("load next appointment", "patient_id", patient.ID, "error", err)
		return patient, nil, h.replies.failure(), "error"
	}

	doctorName := "tu doctor(a)"
	if doctor, err := h.store.GetDoctor(ctx, appt.DoctorID); err == nil {
		doctorName = doctor.Name
	}

	switch result.Intent {
	case intent.Confirm:
		confirmed := appt
		if appt.Status != appointment.StatusConfirmed {
			if confirmed, err = h.appointments.Confirm(ctx, appt.ID); err != nil {
				return patient, appt, h.actionFailed(appt, "confirm", err), "error"
			}
		}
		return patient, confirmed, h.replies.confirmed(patient.Name, doctorName, confirmed.Start), "confirmed"

	case intent.Cancel:
		cancelled, err := h.appointments.Cancel(ctx, appt.ID, patientCancelReason)
		if err != nil {
			return patient, appt, h.actionFailed(appt, "cancel", err), "error"
		}
		return patient, cancelled, h.replies.cancelled(patient.Name, doctorName, cancelled.Start), "cancelled"

	case intent.Reschedule:
		slots, err := h.appointments.Alternatives(ctx, appt, h.days, h.limit)
		if err != nil {
			return patient, appt, h.actionFailed(appt, "alternatives", err), "error"
		}
		return patient, appt, h.replies.alternatives(patient.Name, doctorName, slots), "alternatives"
	}
	return patient, appt, h.replies.unknown(), "unknown_intent"
}

func (h *Handler) actionFailed(appt *appointment.Appointment, action string, err error) string {
	attrs := []any{"action", action, "error", err}
	if appt != nil {
		attrs = append(attrs, "appointment_id", appt.ID)
	}
	h.logger.Error("patient action failed", attrs...)
	return h.replies.failure()
}

// audit appends the inbound message and the reply to the interaction log.
// A failed write is logged; the patient still gets the reply.
func (h *Handler) audit(ctx context.Context, in Inbound, patient *appointment.Patient, reply Reply) {
	var patientID *uuid.UUID
	if patient != nil {
		id := patient.ID
		patientID = &id
	}
	now := h.now()

	rows := []appointment.Interaction{
		{
			PatientID:     patientID,
			AppointmentID: reply.AppointmentID,
			Direction:     appointment.DirectionInbound,
			Sender:        in.SenderID,
			Body:          in.Text,
			Intent:        string(reply.Intent),
			Confidence:    reply.Confidence,
			IntentSource:  string(reply.Source),
			MessageID:     in.MessageID,
			CreatedAt:     now,
		},
		{
			PatientID:     patientID,
			AppointmentID: reply.AppointmentID,
			Direction:     appointment.DirectionOutbound,
			Sender:        "system",
			Body:          reply.Text,
			CreatedAt:     now,
		},
	}
	for i := range rows {
		if err := h.store.InsertInteraction(ctx, &rows[i]); err != nil {
			h.logger.Error("record interaction", "direction", rows[i].Direction, "error", err)
		}
	}
}
