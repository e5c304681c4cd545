package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "nextsession/internal/log"
)

const defaultMaxOccurrencesPerEvent = 1000

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Location is the zone occurrences are converted to. Nil means time.Local.
	Location *time.Location

	// RangeStart / RangeEnd bound occurrence start times (inclusive).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway rules. Zero uses the default.
	MaxOccurrencesPerEvent int
}

// Occurrence is one concrete class meeting taken from a calendar.
type Occurrence struct {
	FeedID string
	UID    string

	// InstanceKey is unique per occurrence of a recurring event.
	InstanceKey string

	Summary     string
	Description string
	Location    string
	Status      string
	URL         string

	// Start / End are in ExpandConfig.Location.
	Start time.Time
	End   time.Time
}

// Expand turns parsed events into occurrences starting inside the range.
// RRULE, EXDATE and RECURRENCE-ID overrides are honored. The result is not
// sorted.
func Expand(events []ParsedEvent, cfg ExpandConfig) ([]Occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	bases := make([]ParsedEvent, 0, len(events))
	overrides := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	out := make([]Occurrence, 0)
	for _, ev := range bases {
		starts := []time.Time{ev.Start}
		if ev.RawRRule != "" {
			var err error
			starts, err = recurrenceStarts(ev, cfg)
			if err != nil {
				appLog.Error("expand: bad RRULE, event skipped", err, "uid", ev.UID, "rrule", ev.RawRRule)
				continue
			}
		}

		dur := ev.End.Sub(ev.Start)
		for _, start := range starts {
			inst := ev
			instStart, instEnd := start, start.Add(dur)
			if o, ok := findOverride(overrides[ev.UID], start); ok {
				inst = o
				instStart, instEnd = o.Start, o.End
			}
			if instStart.Before(cfg.RangeStart) || instStart.After(cfg.RangeEnd) {
				continue
			}
			out = append(out, makeOccurrence(inst, start, instStart, instEnd, cfg.Location))
		}
	}
	return out, nil
}

func recurrenceStarts(ev ParsedEvent, cfg ExpandConfig) ([]time.Time, error) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		return nil, err
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	starts := set.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		appLog.Warn("expand: occurrences truncated", "uid", ev.UID, "cap", cfg.MaxOccurrencesPerEvent)
		starts = starts[:cfg.MaxOccurrencesPerEvent]
	}
	return starts, nil
}

// findOverride matches RECURRENCE-ID against the original instance start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return ParsedEvent{}, false
}

func makeOccurrence(ev ParsedEvent, original, start, end time.Time, loc *time.Location) Occurrence {
	return Occurrence{
		FeedID:      ev.FeedID,
		UID:         ev.UID,
		InstanceKey: original.In(loc).Format(time.RFC3339),
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      ev.Status,
		URL:         ev.URL,
		Start:       start.In(loc),
		End:         end.In(loc),
	}
}
