package calendar

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// ErrSync is reported through the event log and never fails a booking.
var ErrSync = errors.New("calendar sync failed")

// Event is what the calendar provider is asked to show for an appointment.
type Event struct {
	AppointmentID uuid.UUID
	ExternalID    string // empty creates a new entry
	Summary       string
	Description   string
	Status        appointment.Status
	ColorID       string
	Start         time.Time
	End           time.Time
}

// Adapter creates or updates one calendar entry and returns its id.
type Adapter interface {
	UpsertEvent(ctx context.Context, ev Event) (string, error)
}

// Google Calendar colour ids.
const (
	colorLavender = "1"
	colorFlamingo = "4"
	colorBanana   = "5"
	colorGraphite = "8"
	colorBasil    = "10"
	colorTomato   = "11"
)

func ColorForStatus(s appointment.Status) string {
	switch s {
	case appointment.StatusPending:
		return colorBanana
	case appointment.StatusConfirmed:
		return colorBasil
	case appointment.StatusCancelled:
		return colorTomato
	case appointment.StatusCompleted:
		return colorGraphite
	case appointment.StatusNoShow:
		return colorFlamingo
	}
	return colorLavender
}

// NopAdapter only logs. It stands in when no calendar is configured and
// hands back a stable id per appointment.
type NopAdapter struct {
	Logger *slog.Logger
}

func (n NopAdapter) UpsertEvent(_ context.Context, ev Event) (string, error) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("calendar event upsert skipped",
		"appointment_id", ev.AppointmentID,
		"status", ev.Status,
		"color_id", ev.ColorID,
	)
	if ev.ExternalID != "" {
		return ev.ExternalID, nil
	}
	return "local-" + ev.AppointmentID.String(), nil
}
