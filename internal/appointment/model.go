package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending     Status = "PENDING"
	StatusConfirmed   Status = "CONFIRMED"
	StatusCancelled   Status = "CANCELLED"
	StatusRescheduled Status = "RESCHEDULED"
	StatusCompleted   Status = "COMPLETED"
	StatusNoShow      Status = "NO_SHOW"
)

func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusRescheduled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// TimeOfDay is a wall-clock time expressed in minutes since midnight.
type TimeOfDay int

// endOfDay closes a window that runs to midnight.
const endOfDay = TimeOfDay(24 * 60)

// ParseTimeOfDay reads "HH:MM". "24:00" is accepted as the end of the day.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if s == "24:00" {
		return endOfDay, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// On returns the instant this wall-clock time falls on for the given day,
// in the day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, day.Location())
}

type ScheduleTemplate struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	Weekday     time.Weekday
	Start       TimeOfDay
	End         TimeOfDay
	Granularity time.Duration // zero steps by the appointment type duration
	// AppointmentTypeID restricts the window to one appointment type when set.
	AppointmentTypeID *uuid.UUID
	Active            bool
}

// Serves reports whether the template accepts bookings of the given type.
func (t ScheduleTemplate) Serves(typeID uuid.UUID) bool {
	return t.AppointmentTypeID == nil || *t.AppointmentTypeID == typeID
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	Templates []ScheduleTemplate
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type AppointmentType struct {
	ID              uuid.UUID
	Name            string
	DurationMinutes int
}

func (t AppointmentType) Duration() time.Duration {
	return time.Duration(t.DurationMinutes) * time.Minute
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Phone     string // E.164
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID                uuid.UUID
	PatientID         uuid.UUID
	DoctorID          uuid.UUID
	AppointmentTypeID uuid.UUID
	Start             time.Time
	End               time.Time
	Status            Status
	CalendarEventID   *string
	Notes             *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Slot is a computed candidate window and is never persisted.
type Slot struct {
	DoctorID  uuid.UUID
	Start     time.Time
	End       time.Time
	Available bool
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Interaction is an append-only audit row for a patient message or reply.
type Interaction struct {
	ID            int64
	PatientID     *uuid.UUID
	AppointmentID *uuid.UUID
	Direction     Direction
	Sender        string
	Body          string
	Intent        string
	Confidence    float64
	IntentSource  string
	MessageID     string
	CreatedAt     time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// SyncEvent is a committed status change waiting to reach the external calendar.
type SyncEvent struct {
	ID              int64
	AppointmentID   uuid.UUID
	Status          Status
	Start           time.Time
	End             time.Time
	ExternalEventID *string
	Attempts        int
	LastError       *string
	NextAttemptAt   time.Time
	SyncedAt        *time.Time
	CreatedAt       time.Time
}
