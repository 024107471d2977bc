package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
)

const (
	queueSize        = 256
	syncTimeout      = 15 * time.Second
	retryPassTimeout = 20 * time.Second
)

type DispatcherOptions struct {
	Logger      *slog.Logger
	Metrics     *metrics.SchedulingMetrics
	Now         func() time.Time
	RetryBase   time.Duration
	RetryMax    time.Duration
	SyncTimeout time.Duration
}

// Dispatcher pushes committed appointment changes to the calendar. Changes
// queued with Notify are sent in order by a single loop; anything that fails
// stays in the outbox for RetryDue.
type Dispatcher struct {
	store   appointment.Repository
	adapter Adapter
	logger  *slog.Logger
	metrics *metrics.SchedulingMetrics
	now     func() time.Time
	retry   *backoff.Backoff
	timeout time.Duration

	queue chan appointment.SyncEvent
}

func NewDispatcher(store appointment.Repository, adapter Adapter, opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Minute
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = time.Hour
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = syncTimeout
	}
	return &Dispatcher{
		store:   store,
		adapter: adapter,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		retry:   &backoff.Backoff{Min: opts.RetryBase, Max: opts.RetryMax, Factor: 2},
		timeout: opts.SyncTimeout,
		queue:   make(chan appointment.SyncEvent, queueSize),
	}
}

// Notify queues ev without blocking. A full queue drops ev; the outbox row
// is still picked up by RetryDue.
func (d *Dispatcher) Notify(ev appointment.SyncEvent) {
	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("calendar sync queue full, deferring to retry worker",
			"appointment_id", ev.AppointmentID,
			"sync_event_id", ev.ID,
		)
	}
}

// Run sends queued events until ctx is cancelled, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.syncOne(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx := context.Background()
	for {
		select {
		case ev := <-d.queue:
			d.syncOne(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) syncOne(ctx context.Context, ev appointment.SyncEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	_ = d.Sync(ctx, ev)
}

// RetryDue sends the newest pending event of every appointment whose retry
// time has come. It returns how many were delivered.
func (d *Dispatcher) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := d.store.ListDueSyncEvents(ctx, d.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due calendar sync events: %w", err)
	}

	synced := 0
	for _, ev := range due {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		if err := d.Sync(ctx, ev); err == nil {
			synced++
		}
	}
	return synced, nil
}

// RunRetries calls RetryDue once straight away and then every interval
// until ctx is cancelled.
func (d *Dispatcher) RunRetries(ctx context.Context, interval time.Duration, limit int) error {
	d.retryPass(ctx, limit)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.retryPass(ctx, limit)
		}
	}
}

func (d *Dispatcher) retryPass(ctx context.Context, limit int) {
	passCtx, cancel := context.WithTimeout(ctx, retryPassTimeout)
	defer cancel()

	start := time.Now()
	synced, err := d.RetryDue(passCtx, limit)
	switch {
	case err != nil && ctx.Err() == nil:
		d.logger.Error("calendar sync retry pass failed", "synced", synced, "error", err)
	case synced > 0:
		d.logger.Info("calendar sync retry pass complete", "synced", synced, "duration", time.Since(start))
	default:
		d.logger.Debug("calendar sync retry pass complete", "synced", synced, "duration", time.Since(start))
	}
}

// Sync delivers one event. Failures are recorded on the outbox row and in
// the event log and returned wrapped in ErrSync.
func (d *Dispatcher) Sync(ctx context.Context, ev appointment.SyncEvent) error {
	calEvent, err := d.buildEvent(ctx, ev)
	if err != nil {
		return d.fail(ctx, ev, err)
	}

	externalID, err := d.adapter.UpsertEvent(ctx, calEvent)
	if err != nil {
		return d.fail(ctx, ev, err)
	}

	if err := d.store.MarkSyncSucceeded(ctx, ev, externalID, d.now()); err != nil {
		d.logger.Error("calendar event stored but outbox not updated",
			"appointment_id", ev.AppointmentID,
			"external_id", externalID,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrSync, err)
	}

	d.metrics.ObserveCalendarSync("ok")
	d.logger.Info("calendar event synced",
		"appointment_id", ev.AppointmentID,
		"status", ev.Status,
		"external_id", externalID,
	)
	return nil
}

func (d *Dispatcher) buildEvent(ctx context.Context, ev appointment.SyncEvent) (Event, error) {
	a, err := d.store.GetAppointment(ctx, ev.AppointmentID)
	if err != nil {
		return Event{}, err
	}

	out := Event{
		AppointmentID: ev.AppointmentID,
		Status:        ev.Status,
		ColorID:       ColorForStatus(ev.Status),
		Start:         ev.Start,
		End:           ev.End,
		Summary:       "Cita médica",
	}
	// The appointment row is fresher than an event queued before the first
	// sync stored the external id.
	if a.CalendarEventID != nil {
		out.ExternalID = *a.CalendarEventID
	} else if ev.ExternalEventID != nil {
		out.ExternalID = *ev.ExternalEventID
	}

	if doctor, err := d.store.GetDoctor(ctx, a.DoctorID); err == nil {
		out.Summary = "Cita - " + doctor.Name
	}
	if patient, err := d.store.GetPatient(ctx, a.PatientID); err == nil {
		out.Description = fmt.Sprintf("Paciente: %s\nTeléfono: %s\nEstado: %s", patient.Name, patient.Phone, ev.Status)
	}
	return out, nil
}

func (d *Dispatcher) fail(ctx context.Context, ev appointment.SyncEvent, cause error) error {
	attempts := ev.Attempts + 1
	next := d.now().Add(d.retry.ForAttempt(float64(attempts - 1)))

	d.metrics.ObserveCalendarSync("failed")
	d.logger.Warn("calendar sync failed",
		"appointment_id", ev.AppointmentID,
		"sync_event_id", ev.ID,
		"attempts", attempts,
		"next_attempt_at", next,
		"error", cause,
	)

	if err := d.store.MarkSyncFailed(ctx, ev.ID, cause.Error(), attempts, next); err != nil {
		d.logger.Error("record calendar sync failure", "sync_event_id", ev.ID, "error", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"sync_event_id": ev.ID,
		"status":        ev.Status,
		"attempts":      attempts,
		"error":         cause.Error(),
	})
	appointmentID := ev.AppointmentID
	if err := d.store.InTx(ctx, func(tx appointment.Tx) error {
		return tx.InsertEvent(ctx, appointment.EventLog{
			EventType:     "CALENDAR_SYNC_FAILED",
			AppointmentID: &appointmentID,
			Payload:       payload,
		})
	}); err != nil {
		d.logger.Error("log calendar sync failure", "sync_event_id", ev.ID, "error", err)
	}

	return fmt.Errorf("%w: %w", ErrSync, cause)
}
