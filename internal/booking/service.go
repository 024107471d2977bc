package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/availability"
	"github.com/hackgods/clinic-scheduling/internal/lock"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
)

var eventTypes = map[appointment.Event]string{
	appointment.EventConfirm:  EventAppointmentConfirmed,
	appointment.EventCancel:   EventAppointmentCancelled,
	appointment.EventComplete: EventAppointmentCompleted,
	appointment.EventNoShow:   EventAppointmentNoShow,
}

// Notifier receives calendar sync events once their transaction committed.
type Notifier interface {
	Notify(ev appointment.SyncEvent)
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.SchedulingMetrics
	Now     func() time.Time
	// SyncGrace delays the retry worker's first look at a new outbox row so
	// it does not race the immediate dispatch.
	SyncGrace time.Duration
}

type Service struct {
	repo     appointment.Repository
	slots    *availability.Generator
	locker   lock.Locker
	notifier Notifier

	logger    *slog.Logger
	metrics   *metrics.SchedulingMetrics
	now       func() time.Time
	syncGrace time.Duration
	tracer    trace.Tracer
}

func NewService(repo appointment.Repository, slots *availability.Generator, locker lock.Locker, notifier Notifier, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SyncGrace <= 0 {
		opts.SyncGrace = time.Minute
	}
	return &Service{
		repo:      repo,
		slots:     slots,
		locker:    locker,
		notifier:  notifier,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		syncGrace: opts.SyncGrace,
		tracer:    otel.Tracer("github.com/hackgods/clinic-scheduling/internal/booking"),
	}
}

type BookRequest struct {
	DoctorID          uuid.UUID
	PatientID         uuid.UUID
	AppointmentTypeID uuid.UUID
	Start             time.Time
	Notes             string
}

// Book reserves a slot for a patient.
// Availability was computed without the lock, so the doctor's schedule is
// checked again inside the critical section before inserting.
func (s *Service) Book(ctx context.Context, req BookRequest) (*appointment.Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "booking.book", trace.WithAttributes(
		attribute.String("doctor_id", req.DoctorID.String()),
	))
	defer span.End()

	if _, err := s.repo.GetPatient(ctx, req.PatientID); err != nil {
		return nil, s.finish(span, "book", err)
	}
	doctor, err := s.repo.GetDoctor(ctx, req.DoctorID)
	if err != nil {
		return nil, s.finish(span, "book", err)
	}
	typ, err := s.repo.GetAppointmentType(ctx, req.AppointmentTypeID)
	if err != nil {
		return nil, s.finish(span, "book", err)
	}
	if err := s.slots.IsCandidate(doctor, typ, req.Start); err != nil {
		return nil, s.finish(span, "book", err)
	}

	now := s.now()
	appt := &appointment.Appointment{
		ID:                uuid.New(),
		PatientID:         req.PatientID,
		DoctorID:          req.DoctorID,
		AppointmentTypeID: req.AppointmentTypeID,
		Start:             req.Start,
		End:               req.Start.Add(typ.Duration()),
		Status:            appointment.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		appt.Notes = &notes
	}

	err = s.withRetry(ctx, "book", func() error {
		return s.locked(ctx, doctor.ID, func(lockCtx context.Context) (appointment.SyncEvent, error) {
			var ev appointment.SyncEvent
			err := s.repo.InTx(lockCtx, func(tx appointment.Tx) error {
				if err := ensureFree(lockCtx, tx, doctor.ID, availability.IntervalOf(*appt), uuid.Nil); err != nil {
					return err
				}

				if err := tx.InsertAppointment(lockCtx, appt); err != nil {
					return err
				}

				if err := s.logEvent(lockCtx, tx, appt.ID, EventAppointmentCreated, map[string]any{
					"doctor_id":           appt.DoctorID.String(),
					"patient_id":          appt.PatientID.String(),
					"appointment_type_id": appt.AppointmentTypeID.String(),
					"starts_at":           appt.Start,
				}); err != nil {
					return err
				}

				queued, err := s.queueSync(lockCtx, tx, appt)
				if err != nil {
					return err
				}
				ev = queued
				return nil
			})
			return ev, err
		})
	})
	if err != nil {
		return nil, s.finish(span, "book", err)
	}

	s.logger.Info("appointment booked",
		"appointment_id", appt.ID,
		"doctor_id", appt.DoctorID,
		"starts_at", appt.Start,
	)
	s.finish(span, "book", nil)
	return appt, nil
}

// Reschedule moves an appointment to newStart. The appointment passes through
// RESCHEDULED and lands in PENDING at the new time within one transaction.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time) (*appointment.Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "booking.reschedule", trace.WithAttributes(
		attribute.String("appointment_id", id.String()),
	))
	defer span.End()

	current, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, s.finish(span, "reschedule", err)
	}
	if _, err := appointment.Next(current.Status, appointment.EventReschedule); err != nil {
		return nil, s.finish(span, "reschedule", err)
	}
	doctor, err := s.repo.GetDoctor(ctx, current.DoctorID)
	if err != nil {
		return nil, s.finish(span, "reschedule", err)
	}
	typ, err := s.repo.GetAppointmentType(ctx, current.AppointmentTypeID)
	if err != nil {
		return nil, s.finish(span, "reschedule", err)
	}
	if err := s.slots.IsCandidate(doctor, typ, newStart); err != nil {
		return nil, s.finish(span, "reschedule", err)
	}

	var moved *appointment.Appointment
	err = s.withRetry(ctx, "reschedule", func() error {
		return s.locked(ctx, doctor.ID, func(lockCtx context.Context) (appointment.SyncEvent, error) {
			var ev appointment.SyncEvent
			err := s.repo.InTx(lockCtx, func(tx appointment.Tx) error {
				appt, err := tx.GetAppointmentForUpdate(lockCtx, id)
				if err != nil {
					return err
				}
				transient, err := appointment.Next(appt.Status, appointment.EventReschedule)
				if err != nil {
					return err
				}
				final, err := appointment.Next(transient, appointment.EventRebook)
				if err != nil {
					return err
				}

				target := availability.Interval{Start: newStart, End: newStart.Add(typ.Duration())}
				if err := ensureFree(lockCtx, tx, doctor.ID, target, appt.ID); err != nil {
					return err
				}

				oldStart := appt.Start
				from := appt.Status
				appt.UpdatedAt = s.now()

				appt.Status = transient
				if err := tx.UpdateAppointment(lockCtx, appt, from); err != nil {
					return err
				}

				appt.Status = final
				appt.Start = target.Start
				appt.End = target.End
				if err := tx.UpdateAppointment(lockCtx, appt, transient); err != nil {
					return err
				}

				if err := s.logEvent(lockCtx, tx, appt.ID, EventAppointmentRescheduled, map[string]any{
					"from_status":   from,
					"old_starts_at": oldStart,
					"new_starts_at": appt.Start,
				}); err != nil {
					return err
				}

				queued, err := s.queueSync(lockCtx, tx, appt)
				if err != nil {
					return err
				}
				ev, moved = queued, appt
				return nil
			})
			return ev, err
		})
	})
	if err != nil {
		return nil, s.finish(span, "reschedule", err)
	}

	s.logger.Info("appointment rescheduled",
		"appointment_id", moved.ID,
		"doctor_id", moved.DoctorID,
		"starts_at", moved.Start,
	)
	s.finish(span, "reschedule", nil)
	return moved, nil
}

func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.transition(ctx, id, appointment.EventConfirm, "")
}

// Cancel cancels an appointment. A non-empty reason is appended to its notes.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*appointment.Appointment, error) {
	return s.transition(ctx, id, appointment.EventCancel, reason)
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.transition(ctx, id, appointment.EventComplete, "")
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.transition(ctx, id, appointment.EventNoShow, "")
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, event appointment.Event, reason string) (*appointment.Appointment, error) {
	op := string(event)
	ctx, span := s.tracer.Start(ctx, "booking."+op, trace.WithAttributes(
		attribute.String("appointment_id", id.String()),
	))
	defer span.End()

	current, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, s.finish(span, op, err)
	}

	var updated *appointment.Appointment
	err = s.withRetry(ctx, op, func() error {
		return s.locked(ctx, current.DoctorID, func(lockCtx context.Context) (appointment.SyncEvent, error) {
			var ev appointment.SyncEvent
			err := s.repo.InTx(lockCtx, func(tx appointment.Tx) error {
				appt, err := tx.GetAppointmentForUpdate(lockCtx, id)
				if err != nil {
					return err
				}
				to, err := appointment.Next(appt.Status, event)
				if err != nil {
					return err
				}
				now := s.now()
				if appointment.RequiresElapsedStart(event) && now.Before(appt.Start) {
					return fmt.Errorf("%w: cannot %s before the appointment starts", appointment.ErrInvalidTransition, event)
				}

				from := appt.Status
				appt.Status = to
				appt.UpdatedAt = now
				if reason = strings.TrimSpace(reason); reason != "" {
					notes := "Cancelado: " + reason
					if appt.Notes != nil && *appt.Notes != "" {
						notes = *appt.Notes + "\n" + notes
					}
					appt.Notes = &notes
				}
				if err := tx.UpdateAppointment(lockCtx, appt, from); err != nil {
					return err
				}

				payload := map[string]any{"from_status": from, "to_status": to}
				if reason != "" {
					payload["reason"] = reason
				}
				if err := s.logEvent(lockCtx, tx, appt.ID, eventTypes[event], payload); err != nil {
					return err
				}

				ev, err = s.queueSync(lockCtx, tx, appt)
				if err != nil {
					return err
				}
				updated = appt
				return nil
			})
			return ev, err
		})
	})
	if err != nil {
		return nil, s.finish(span, op, err)
	}

	s.logger.Info("appointment status changed",
		"appointment_id", updated.ID,
		"event", event,
		"status", updated.Status,
	)
	s.finish(span, op, nil)
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.repo.GetAppointment(ctx, id)
}

// Availability resolves the doctor and type and returns the slot sequence.
func (s *Service) Availability(ctx context.Context, doctorID uuid.UUID, r availability.DateRange, typeID uuid.UUID) (iter.Seq2[appointment.Slot, error], error) {
	doctor, err := s.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	typ, err := s.repo.GetAppointmentType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	return s.slots.Slots(ctx, doctor, r, typ)
}

// Alternatives lists free slots with the same doctor and type as the given
// appointment, starting now.
func (s *Service) Alternatives(ctx context.Context, a *appointment.Appointment, days, limit int) ([]appointment.Slot, error) {
	doctor, err := s.repo.GetDoctor(ctx, a.DoctorID)
	if err != nil {
		return nil, err
	}
	typ, err := s.repo.GetAppointmentType(ctx, a.AppointmentTypeID)
	if err != nil {
		return nil, err
	}
	return s.slots.NextAvailable(ctx, doctor, typ, s.now(), days, limit)
}

// locked runs fn under the doctor lock and hands the committed sync event to
// the notifier before the lock is released, which keeps calendar updates for
// one doctor in commit order.
func (s *Service) locked(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) (appointment.SyncEvent, error)) error {
	waitStart := time.Now()
	entered := false

	err := s.locker.WithDoctorLock(ctx, doctorID, func(lockCtx context.Context) error {
		entered = true
		s.metrics.ObserveLockWait(true, time.Since(waitStart).Seconds())

		ev, err := fn(lockCtx)
		if err != nil {
			return err
		}
		if s.notifier != nil {
			s.notifier.Notify(ev)
		}
		return nil
	})
	if err == nil || entered {
		return err
	}

	s.metrics.ObserveLockWait(false, time.Since(waitStart).Seconds())
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, lock.ErrNotAcquired):
		return appointment.ErrBookingTimeout
	default:
		return fmt.Errorf("%w: %w", appointment.ErrBookingTimeout, err)
	}
}

// withRetry repeats fn once when it failed in a way a second attempt may
// fix. Domain errors are never retried.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || !appointment.Retryable(err) || ctx.Err() != nil {
		return err
	}
	s.logger.Warn("retrying booking operation", "operation", op, "error", err)
	return fn()
}

func (s *Service) queueSync(ctx context.Context, tx appointment.Tx, a *appointment.Appointment) (appointment.SyncEvent, error) {
	now := s.now()
	ev := appointment.SyncEvent{
		AppointmentID:   a.ID,
		Status:          a.Status,
		Start:           a.Start,
		End:             a.End,
		ExternalEventID: a.CalendarEventID,
		NextAttemptAt:   now.Add(s.syncGrace),
		CreatedAt:       now,
	}
	if err := tx.InsertSyncEvent(ctx, &ev); err != nil {
		return appointment.SyncEvent{}, err
	}
	return ev, nil
}

func (s *Service) logEvent(ctx context.Context, tx appointment.Tx, appointmentID uuid.UUID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	apptID := appointmentID
	return tx.InsertEvent(ctx, appointment.EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	})
}

// finish records the outcome on the span and in metrics and returns err.
func (s *Service) finish(span trace.Span, op string, err error) error {
	result := outcome(err)
	s.metrics.ObserveBooking(op, result)
	if err != nil {
		span.RecordError(err)
		if result == "error" {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.SetAttributes(attribute.String("result", result))
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, appointment.ErrSlotConflict):
		return "conflict"
	case errors.Is(err, appointment.ErrInvalidSlot), errors.Is(err, appointment.ErrInvalidRange):
		return "invalid"
	case errors.Is(err, appointment.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, appointment.ErrBookingTimeout):
		return "timeout"
	case errors.Is(err, appointment.ErrPatientNotFound),
		errors.Is(err, appointment.ErrDoctorNotFound),
		errors.Is(err, appointment.ErrAppointmentTypeNotFound),
		errors.Is(err, appointment.ErrAppointmentNotFound),
		errors.Is(err, appointment.ErrDoctorInactive):
		return "not_found"
	}
	return "error"
}

// ensureFree re-checks the window inside the transaction, after the doctor
// lock is held.
func ensureFree(ctx context.Context, tx appointment.Tx, doctorID uuid.UUID, iv availability.Interval, exclude uuid.UUID) error {
	hits, err := availability.NewDetector(tx).Conflicts(ctx, doctorID, iv, exclude)
	if err != nil {
		return err
	}
	if len(hits) > 0 {
		return appointment.ErrSlotConflict
	}
	return nil
}
