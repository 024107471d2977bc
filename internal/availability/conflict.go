package availability

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// Interval is a half-open time window [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func IntervalOf(a appointment.Appointment) Interval {
	return Interval{Start: a.Start, End: a.End}
}

// Overlaps reports whether a and b share any instant. Touching intervals do
// not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// FindConflicts returns the active appointments in existing that overlap iv.
// The appointment with id exclude is ignored, which lets a reschedule move an
// appointment onto a window that intersects its own old one.
func FindConflicts(existing []appointment.Appointment, iv Interval, exclude uuid.UUID) []appointment.Appointment {
	var hits []appointment.Appointment
	for _, a := range existing {
		if a.ID == exclude || !a.Status.Active() {
			continue
		}
		if Overlaps(IntervalOf(a), iv) {
			hits = append(hits, a)
		}
	}
	return hits
}

// AppointmentLister is satisfied by both the repository and an open
// transaction.
type AppointmentLister interface {
	ListActiveAppointments(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]appointment.Appointment, error)
}

type Detector struct {
	store AppointmentLister
}

func NewDetector(store AppointmentLister) *Detector {
	return &Detector{store: store}
}

func (d *Detector) Conflicts(ctx context.Context, doctorID uuid.UUID, iv Interval, exclude uuid.UUID) ([]appointment.Appointment, error) {
	existing, err := d.store.ListActiveAppointments(ctx, doctorID, iv.Start, iv.End)
	if err != nil {
		return nil, err
	}
	return FindConflicts(existing, iv, exclude), nil
}
