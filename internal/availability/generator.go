package availability

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// DateRange is an inclusive range of calendar days. Only the dates of From and
// To matter; they are read in the generator's location.
type DateRange struct {
	From time.Time
	To   time.Time
}

type Options struct {
	Location     *time.Location // zone the schedule templates are written in
	MinLead      time.Duration  // slots starting before now+MinLead are skipped
	MaxRangeDays int
	Now          func() time.Time
}

// Generator turns schedule templates into concrete slots. It only reads, so
// it never takes the doctor lock; booking re-validates whatever it returns.
type Generator struct {
	store AppointmentLister
	opts  Options
}

func NewGenerator(store AppointmentLister, opts Options) *Generator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxRangeDays <= 0 {
		opts.MaxRangeDays = 90
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Generator{store: store, opts: opts}
}

// Slots validates its inputs eagerly and returns a sequence that loads one
// day of appointments at a time. Ranging over the sequence again repeats the
// queries, so unchanged data reproduces the same output.
func (g *Generator) Slots(ctx context.Context, doctor *appointment.Doctor, r DateRange, typ *appointment.AppointmentType) (iter.Seq2[appointment.Slot, error], error) {
	if !doctor.Active {
		return nil, appointment.ErrDoctorInactive
	}
	if typ.Duration() <= 0 {
		return nil, fmt.Errorf("%w: appointment type %s has no duration", appointment.ErrInvalidRange, typ.ID)
	}

	first := g.day(r.From)
	last := g.day(r.To)
	if last.Before(first) {
		return nil, fmt.Errorf("%w: range ends before it starts", appointment.ErrInvalidRange)
	}
	if days := daysBetween(first, last) + 1; days > g.opts.MaxRangeDays {
		return nil, fmt.Errorf("%w: %d days exceeds the %d day limit", appointment.ErrInvalidRange, days, g.opts.MaxRangeDays)
	}

	earliest := g.opts.Now().Add(g.opts.MinLead)

	return func(yield func(appointment.Slot, error) bool) {
		for day := first; !day.After(last); day = nextDay(day) {
			starts := candidateStarts(doctor.Templates, day, typ)
			if len(starts) == 0 {
				continue
			}

			existing, err := g.store.ListActiveAppointments(ctx, doctor.ID, day, nextDay(day))
			if err != nil {
				yield(appointment.Slot{}, err)
				return
			}

			for _, start := range starts {
				if start.Before(earliest) {
					continue
				}
				iv := Interval{Start: start, End: start.Add(typ.Duration())}
				slot := appointment.Slot{
					DoctorID:  doctor.ID,
					Start:     iv.Start,
					End:       iv.End,
					Available: len(FindConflicts(existing, iv, uuid.Nil)) == 0,
				}
				if !yield(slot, nil) {
					return
				}
			}
		}
	}, nil
}

// IsCandidate reports, as ErrInvalidSlot, whether start is not a template
// slot for the type or falls before the lead window. It does not look at
// existing bookings.
func (g *Generator) IsCandidate(doctor *appointment.Doctor, typ *appointment.AppointmentType, start time.Time) error {
	if !doctor.Active {
		return appointment.ErrDoctorInactive
	}
	if typ.Duration() <= 0 {
		return fmt.Errorf("%w: appointment type %s has no duration", appointment.ErrInvalidSlot, typ.ID)
	}
	if start.Before(g.opts.Now().Add(g.opts.MinLead)) {
		return fmt.Errorf("%w: %s is in the past or inside the minimum lead time", appointment.ErrInvalidSlot, start.Format(time.RFC3339))
	}
	for _, c := range candidateStarts(doctor.Templates, g.day(start), typ) {
		if c.Equal(start) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is outside the doctor's schedule", appointment.ErrInvalidSlot, start.In(g.opts.Location).Format(time.RFC3339))
}

// NextAvailable collects up to limit free slots starting from the day of
// from, looking at most days ahead.
func (g *Generator) NextAvailable(ctx context.Context, doctor *appointment.Doctor, typ *appointment.AppointmentType, from time.Time, days, limit int) ([]appointment.Slot, error) {
	days = max(1, min(days, g.opts.MaxRangeDays))
	seq, err := g.Slots(ctx, doctor, DateRange{From: from, To: from.AddDate(0, 0, days-1)}, typ)
	if err != nil {
		return nil, err
	}

	var free []appointment.Slot
	for slot, err := range seq {
		if err != nil {
			return nil, err
		}
		if !slot.Available || slot.Start.Before(from) {
			continue
		}
		free = append(free, slot)
		if len(free) == limit {
			break
		}
	}
	return free, nil
}

func (g *Generator) day(t time.Time) time.Time {
	y, m, d := t.In(g.opts.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, g.opts.Location)
}

func nextDay(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, day.Location())
}

func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

// candidateStarts unions the windows of every active template that applies
// to day and typ, de-duplicated and in order.
func candidateStarts(templates []appointment.ScheduleTemplate, day time.Time, typ *appointment.AppointmentType) []time.Time {
	duration := typ.Duration()
	seen := make(map[int64]struct{})
	var starts []time.Time

	for _, t := range templates {
		if !t.Active || t.Weekday != day.Weekday() || !t.Serves(typ.ID) {
			continue
		}
		step := t.Granularity
		if step <= 0 {
			step = duration
		}
		windowEnd := t.End.On(day)
		for start := t.Start.On(day); !start.Add(duration).After(windowEnd); start = start.Add(step) {
			key := start.Unix()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			starts = append(starts, start)
		}
	}

	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })
	return starts
}
