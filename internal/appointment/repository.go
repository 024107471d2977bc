package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reader is the read side shared by slot generation, booking and messaging.
type Reader interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetAppointmentType(ctx context.Context, id uuid.UUID) (*AppointmentType, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatientByPhone(ctx context.Context, phone string) (*Patient, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// ListActiveAppointments returns PENDING and CONFIRMED appointments of the
	// doctor that intersect [from, to).
	ListActiveAppointments(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error)
	NextActiveAppointmentForPatient(ctx context.Context, patientID uuid.UUID, after time.Time) (*Appointment, error)
	LastCancelledAppointmentForPatient(ctx context.Context, patientID uuid.UUID, since time.Time) (*Appointment, error)
}

// Tx is the unit of work used by the booking transaction manager. Everything
// written through a Tx commits or aborts together.
type Tx interface {
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListActiveAppointments(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error)

	InsertAppointment(ctx context.Context, a *Appointment) error
	// UpdateAppointment writes a only if the stored status still equals from.
	UpdateAppointment(ctx context.Context, a *Appointment, from Status) error

	InsertEvent(ctx context.Context, ev EventLog) error
	InsertSyncEvent(ctx context.Context, ev *SyncEvent) error
}

// Repository contains all storage interactions needed by the core.
type Repository interface {
	Reader

	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Audit trail
	InsertInteraction(ctx context.Context, in *Interaction) error

	// Calendar outbox
	ListDueSyncEvents(ctx context.Context, now time.Time, limit int) ([]SyncEvent, error)
	MarkSyncSucceeded(ctx context.Context, ev SyncEvent, externalID string, at time.Time) error
	MarkSyncFailed(ctx context.Context, id int64, reason string, attempts int, next time.Time) error
}
