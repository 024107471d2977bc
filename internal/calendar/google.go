package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/hackgods/clinic-scheduling/internal/config"
)

// GoogleAdapter writes appointments into one Google Calendar.
type GoogleAdapter struct {
	events     *gcal.EventsService
	calendarID string
	timezone   string
}

func NewGoogleAdapter(ctx context.Context, calendarID, timezone string, opts ...option.ClientOption) (*GoogleAdapter, error) {
	if strings.TrimSpace(calendarID) == "" {
		return nil, errors.New("calendar: calendar id is required")
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: create google calendar service: %w", err)
	}
	return &GoogleAdapter{events: svc.Events, calendarID: calendarID, timezone: timezone}, nil
}

func (g *GoogleAdapter) UpsertEvent(ctx context.Context, ev Event) (string, error) {
	body := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		ColorId:     ev.ColorID,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: g.timezone},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: g.timezone},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{
				"appointment_id": ev.AppointmentID.String(),
				"status":         string(ev.Status),
			},
		},
	}

	if ev.ExternalID == "" {
		created, err := g.events.Insert(g.calendarID, body).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("insert calendar event: %w", err)
		}
		return created.Id, nil
	}

	updated, err := g.events.Patch(g.calendarID, ev.ExternalID, body).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("patch calendar event %s: %w", ev.ExternalID, err)
	}
	return updated.Id, nil
}

// NewAdapter returns the Google adapter when credentials are configured and
// a NopAdapter otherwise.
func NewAdapter(ctx context.Context, cfg config.Config, logger *slog.Logger) (Adapter, error) {
	if cfg.GoogleCredentialsFile == "" {
		logger.Warn("GOOGLE_CREDENTIALS_FILE not set, calendar sync only logs")
		return NopAdapter{Logger: logger}, nil
	}
	g, err := NewGoogleAdapter(ctx, cfg.CalendarID, cfg.ClinicTimezone,
		option.WithCredentialsFile(cfg.GoogleCredentialsFile),
		option.WithScopes(gcal.CalendarEventsScope),
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}
