package api

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/availability"
	"github.com/hackgods/clinic-scheduling/internal/booking"
	"github.com/hackgods/clinic-scheduling/internal/breaker"
	"github.com/hackgods/clinic-scheduling/internal/messaging"
)

type BookingService interface {
	Book(ctx context.Context, req booking.BookRequest) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time) (*appointment.Appointment, error)
	Confirm(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*appointment.Appointment, error)
	Complete(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	MarkNoShow(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Availability(ctx context.Context, doctorID uuid.UUID, r availability.DateRange, typeID uuid.UUID) (iter.Seq2[appointment.Slot, error], error)
}

type MessageHandler interface {
	Handle(ctx context.Context, in messaging.Inbound) (messaging.Reply, error)
}

type ClassifierState interface {
	State() breaker.State
}

type RouterConfig struct {
	Booking    BookingService
	Messages   MessageHandler
	Classifier ClassifierState
	Health     *HealthHandler
	Metrics    http.Handler
	Logger     *slog.Logger
	Location   *time.Location // zone slot query dates are read in
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Health == nil {
		cfg.Health = NewHealthHandler("", "")
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Get("/doctors/{id}/slots", listSlotsHandler(cfg.Booking, cfg.Location))

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", bookAppointmentHandler(cfg.Booking))
		r.Get("/{id}", getAppointmentHandler(cfg.Booking))
		r.Post("/{id}/reschedule", rescheduleAppointmentHandler(cfg.Booking))
		r.Post("/{id}/confirm", transitionHandler(cfg.Booking, appointment.EventConfirm))
		r.Post("/{id}/cancel", cancelAppointmentHandler(cfg.Booking))
		r.Post("/{id}/complete", transitionHandler(cfg.Booking, appointment.EventComplete))
		r.Post("/{id}/no-show", transitionHandler(cfg.Booking, appointment.EventNoShow))
	})

	if cfg.Messages != nil {
		r.Post("/messages/inbound", inboundMessageHandler(cfg.Messages, cfg.Logger))
	}
	if cfg.Classifier != nil {
		r.Get("/classifier/state", classifierStateHandler(cfg.Classifier))
	}

	return r
}
