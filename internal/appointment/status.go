package appointment

import "fmt"

// Event is a request to move an appointment between statuses.
type Event string

const (
	EventConfirm    Event = "confirm"
	EventCancel     Event = "cancel"
	EventReschedule Event = "reschedule"
	// EventRebook moves a rescheduled appointment back to PENDING at its new time.
	EventRebook   Event = "rebook"
	EventComplete Event = "complete"
	EventNoShow   Event = "no_show"
)

var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventConfirm:    StatusConfirmed,
		EventCancel:     StatusCancelled,
		EventReschedule: StatusRescheduled,
	},
	StatusConfirmed: {
		EventCancel:     StatusCancelled,
		EventReschedule: StatusRescheduled,
		EventComplete:   StatusCompleted,
		EventNoShow:     StatusNoShow,
	},
	StatusRescheduled: {
		EventRebook: StatusPending,
	},
}

// Next returns the status reached by applying ev to from.
func Next(from Status, ev Event) (Status, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: cannot %s an appointment that is %s", ErrInvalidTransition, ev, from)
}

// RequiresElapsedStart reports whether ev may only happen once the
// appointment start time has passed.
func RequiresElapsedStart(ev Event) bool {
	return ev == EventComplete || ev == EventNoShow
}

// Events lists every known event.
func Events() []Event {
	return []Event{EventConfirm, EventCancel, EventReschedule, EventRebook, EventComplete, EventNoShow}
}

// Statuses lists every known status.
func Statuses() []Status {
	return []Status{StatusPending, StatusConfirmed, StatusCancelled, StatusRescheduled, StatusCompleted, StatusNoShow}
}
