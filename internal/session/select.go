package session

import (
	"slices"
	"time"

	"nextsession/internal/model"
)

type candidate struct {
	ev    model.SessionEvent
	start time.Time
}

// eligible returns non-cancelled sessions starting strictly after now,
// ordered by start time. Ties keep their input order.
func eligible(events []model.SessionEvent, now time.Time, loc *time.Location) []candidate {
	out := make([]candidate, 0, len(events))
	for _, ev := range events {
		if ev.IsCancelled {
			continue
		}
		start, err := ev.StartAt(loc)
		if err != nil {
			// Unparseable schedules can never be "after now".
			continue
		}
		if !start.After(now) {
			continue
		}
		out = append(out, candidate{ev: ev, start: start})
	}
	slices.SortStableFunc(out, func(a, b candidate) int {
		return a.start.Compare(b.start)
	})
	return out
}

// SelectNext returns the soonest non-cancelled session that starts strictly
// after now. Session date and start time are read as wall-clock values in loc.
// The boolean is false when nothing is eligible, which is a normal outcome.
func SelectNext(events []model.SessionEvent, now time.Time, loc *time.Location) (model.SessionEvent, bool) {
	c := eligible(events, now, loc)
	if len(c) == 0 {
		return model.SessionEvent{}, false
	}
	return c[0].ev, true
}

// Upcoming returns up to limit eligible sessions in the order SelectNext
// would pick them. A limit <= 0 returns all of them.
func Upcoming(events []model.SessionEvent, now time.Time, loc *time.Location, limit int) []model.SessionEvent {
	c := eligible(events, now, loc)
	if limit > 0 && len(c) > limit {
		c = c[:limit]
	}
	out := make([]model.SessionEvent, 0, len(c))
	for _, x := range c {
		out = append(out, x.ev)
	}
	return out
}
