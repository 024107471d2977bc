package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

func TestGoogleAdapterInsertsThenPatches(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Cita - Dr. González", body["summary"])

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/calendars/clinic@example.com/events"):
			assert.Equal(t, "5", body["colorId"])
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "evt-123"})
		case r.Method == http.MethodPatch && strings.HasSuffix(r.URL.Path, "/calendars/clinic@example.com/events/evt-123"):
			assert.Equal(t, "10", body["colorId"])
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "evt-123"})
		default:
			http.Error(w, "unexpected", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	adapter, err := NewGoogleAdapter(ctx, "clinic@example.com", "America/Santiago",
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ev := Event{
		AppointmentID: uuid.New(),
		Summary:       "Cita - Dr. González",
		Status:        appointment.StatusPending,
		ColorID:       ColorForStatus(appointment.StatusPending),
		Start:         start,
		End:           start.Add(30 * time.Minute),
	}

	id, err := adapter.UpsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "evt-123", id)

	ev.ExternalID = id
	ev.Status = appointment.StatusConfirmed
	ev.ColorID = ColorForStatus(appointment.StatusConfirmed)
	id, err = adapter.UpsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "evt-123", id)

	require.Len(t, calls, 2)
	assert.True(t, strings.HasPrefix(calls[0], "POST "))
	assert.True(t, strings.HasPrefix(calls[1], "PATCH "))
}

func TestGoogleAdapterSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"forbidden"}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	ctx := context.Background()
	adapter, err := NewGoogleAdapter(ctx, "primary", "UTC",
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	_, err = adapter.UpsertEvent(ctx, Event{AppointmentID: uuid.New(), Start: time.Now(), End: time.Now().Add(time.Hour)})
	assert.Error(t, err)
}
