package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// exclusionViolation is raised by the appointments_no_overlap constraint.
const exclusionViolation = "23P01"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxPool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	pool pgxPool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func newPgRepository(pool pgxPool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, patient_id, doctor_id, appointment_type_id, starts_at, ends_at, status,
	calendar_event_id, notes, created_at, updated_at`

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(&p.ID, &p.Name, &p.Phone, &email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, persistenceError("scan patient", err)
	}

	p.Email = email
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var calendarEventID, notes *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.AppointmentTypeID,
		&a.Start,
		&a.End,
		&a.Status,
		&calendarEventID,
		&notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, persistenceError("scan appointment", err)
	}

	if !a.Status.Valid() {
		return nil, fmt.Errorf("scan appointment %s: unknown status %q", a.ID, a.Status)
	}

	a.CalendarEventID = calendarEventID
	a.Notes = notes
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate appointments", err)
	}
	return result, nil
}

func listActiveAppointments(ctx context.Context, q querier, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND status IN ('PENDING', 'CONFIRMED')
		  AND starts_at < $3
		  AND ends_at > $2
		ORDER BY starts_at
	`, doctorID, from, to)
	if err != nil {
		return nil, persistenceError("list active appointments", err)
	}
	return collectAppointments(rows)
}

// Reader

func (r *PgRepository) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var d Doctor
	var specialty *string

	err := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, active, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id).Scan(&d.ID, &d.Name, &specialty, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, persistenceError("get doctor", err)
	}
	d.Specialty = specialty

	rows, err := r.pool.Query(ctx, `
		SELECT id, weekday, start_minute, end_minute, granularity_minutes, appointment_type_id, active
		FROM schedule_templates
		WHERE doctor_id = $1
		ORDER BY position, weekday, start_minute
	`, id)
	if err != nil {
		return nil, persistenceError("list schedule templates", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t           ScheduleTemplate
			weekday     int
			start, end  int
			granularity int
			typeID      *uuid.UUID
		)
		if err := rows.Scan(&t.ID, &weekday, &start, &end, &granularity, &typeID, &t.Active); err != nil {
			return nil, persistenceError("scan schedule template", err)
		}
		t.DoctorID = d.ID
		t.Weekday = time.Weekday(weekday)
		t.Start = TimeOfDay(start)
		t.End = TimeOfDay(end)
		t.Granularity = time.Duration(granularity) * time.Minute
		t.AppointmentTypeID = typeID
		d.Templates = append(d.Templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate schedule templates", err)
	}

	return &d, nil
}

func (r *PgRepository) GetAppointmentType(ctx context.Context, id uuid.UUID) (*AppointmentType, error) {
	var t AppointmentType
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, duration_minutes
		FROM appointment_types
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.DurationMinutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentTypeNotFound
		}
		return nil, persistenceError("get appointment type", err)
	}
	return &t, nil
}

func (r *PgRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, phone, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetPatientByPhone(ctx context.Context, phone string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, phone, email, created_at, updated_at
		FROM patients
		WHERE phone = $1
	`, phone)
	return scanPatient(row)
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListActiveAppointments(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return listActiveAppointments(ctx, r.pool, doctorID, from, to)
}

func (r *PgRepository) NextActiveAppointmentForPatient(ctx context.Context, patientID uuid.UUID, after time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND status IN ('PENDING', 'CONFIRMED')
		  AND starts_at > $2
		ORDER BY starts_at
		LIMIT 1
	`, patientID, after)
	return scanAppointment(row)
}

// LastCancelledAppointmentForPatient returns the patient's most recently
// cancelled appointment, if it was cancelled at or after since.
func (r *PgRepository) LastCancelledAppointmentForPatient(ctx context.Context, patientID uuid.UUID, since time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND status = 'CANCELLED'
		  AND updated_at >= $2
		ORDER BY updated_at DESC
		LIMIT 1
	`, patientID, since)
	return scanAppointment(row)
}

// Transactions

func (r *PgRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return persistenceError("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return persistenceError("commit", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (t *pgTx) ListActiveAppointments(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return listActiveAppointments(ctx, t.tx, doctorID, from, to)
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, appointment_type_id, starts_at, ends_at, status,
			calendar_event_id, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.PatientID, a.DoctorID, a.AppointmentTypeID, a.Start, a.End, a.Status,
		a.CalendarEventID, a.Notes, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isExclusionViolation(err) {
			return ErrSlotConflict
		}
		return persistenceError("insert appointment", err)
	}
	return nil
}

func (t *pgTx) UpdateAppointment(ctx context.Context, a *Appointment, from Status) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    starts_at = $3,
		    ends_at = $4,
		    notes = $5,
		    updated_at = $6
		WHERE id = $1
		  AND status = $7
	`, a.ID, a.Status, a.Start, a.End, a.Notes, a.UpdatedAt, from)
	if err != nil {
		if isExclusionViolation(err) {
			return ErrSlotConflict
		}
		return persistenceError("update appointment", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: appointment changed concurrently", ErrInvalidTransition)
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return persistenceError("insert event log", err)
	}
	return nil
}

func (t *pgTx) InsertSyncEvent(ctx context.Context, ev *SyncEvent) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO calendar_sync_events (appointment_id, status, starts_at, ends_at, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, ev.AppointmentID, ev.Status, ev.Start, ev.End, ev.NextAttemptAt, ev.CreatedAt).Scan(&ev.ID)
	if err != nil {
		return persistenceError("insert calendar sync event", err)
	}
	return nil
}

// Audit trail

func (r *PgRepository) InsertInteraction(ctx context.Context, in *Interaction) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO interactions (patient_id, appointment_id, direction, sender, body, detected_intent,
			confidence, intent_source, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), NULLIF($9, ''), COALESCE($10, now()))
		RETURNING id, created_at
	`, in.PatientID, in.AppointmentID, in.Direction, in.Sender, in.Body, in.Intent,
		in.Confidence, in.IntentSource, in.MessageID, nullableTime(in.CreatedAt)).Scan(&in.ID, &in.CreatedAt)
	if err != nil {
		return persistenceError("insert interaction", err)
	}
	return nil
}

// Calendar outbox

func (r *PgRepository) ListDueSyncEvents(ctx context.Context, now time.Time, limit int) ([]SyncEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, status, starts_at, ends_at, attempts, last_error,
		       next_attempt_at, created_at, calendar_event_id
		FROM (
			SELECT DISTINCT ON (e.appointment_id)
			       e.id, e.appointment_id, e.status, e.starts_at, e.ends_at, e.attempts, e.last_error,
			       e.next_attempt_at, e.created_at, a.calendar_event_id
			FROM calendar_sync_events e
			JOIN appointments a ON a.id = e.appointment_id
			WHERE e.synced_at IS NULL
			ORDER BY e.appointment_id, e.id DESC
		) latest
		WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, persistenceError("list due calendar sync events", err)
	}
	defer rows.Close()

	var result []SyncEvent
	for rows.Next() {
		var ev SyncEvent
		if err := rows.Scan(&ev.ID, &ev.AppointmentID, &ev.Status, &ev.Start, &ev.End, &ev.Attempts,
			&ev.LastError, &ev.NextAttemptAt, &ev.CreatedAt, &ev.ExternalEventID); err != nil {
			return nil, persistenceError("scan calendar sync event", err)
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("iterate calendar sync events", err)
	}
	return result, nil
}

// MarkSyncSucceeded settles ev and every older pending event of the same
// appointment, and records the external calendar id.
func (r *PgRepository) MarkSyncSucceeded(ctx context.Context, ev SyncEvent, externalID string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return persistenceError("begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE calendar_sync_events
		SET synced_at = $3
		WHERE appointment_id = $1
		  AND id <= $2
		  AND synced_at IS NULL
	`, ev.AppointmentID, ev.ID, at); err != nil {
		return persistenceError("mark calendar sync event", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE appointments
		SET calendar_event_id = $2
		WHERE id = $1
	`, ev.AppointmentID, externalID); err != nil {
		return persistenceError("store calendar event id", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return persistenceError("commit", err)
	}
	return nil
}

func (r *PgRepository) MarkSyncFailed(ctx context.Context, id int64, reason string, attempts int, next time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE calendar_sync_events
		SET attempts = $2,
		    last_error = $3,
		    next_attempt_at = $4
		WHERE id = $1
	`, id, attempts, reason, next)
	if err != nil {
		return persistenceError("record calendar sync failure", err)
	}
	return nil
}

func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == exclusionViolation
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
