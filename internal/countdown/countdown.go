// Package countdown computes the remaining time to a session start and keeps
// it current with a recurring tick.
package countdown

import (
	"time"

	"nextsession/internal/model"
)

const (
	msPerSecond = int64(1000)
	msPerMinute = 60 * msPerSecond
	msPerHour   = 60 * msPerMinute
	msPerDay    = 24 * msPerHour
)

// Thresholds are the inclusive upper bounds of the urgent classes.
type Thresholds struct {
	Soon     time.Duration
	Imminent time.Duration
}

// DefaultThresholds: soon within 30 minutes, imminent within 5 minutes.
var DefaultThresholds = Thresholds{
	Soon:     30 * time.Minute,
	Imminent: 5 * time.Minute,
}

func (t Thresholds) normalized() Thresholds {
	if t.Imminent <= 0 {
		t.Imminent = DefaultThresholds.Imminent
	}
	if t.Soon <= 0 {
		t.Soon = DefaultThresholds.Soon
	}
	if t.Soon < t.Imminent {
		t.Soon = t.Imminent
	}
	return t
}

// Breakdown splits totalMs into days/hours/minutes/seconds. Negative input
// is clamped to zero.
func Breakdown(totalMs int64) model.Remaining {
	if totalMs < 0 {
		totalMs = 0
	}
	return model.Remaining{
		Days:              totalMs / msPerDay,
		Hours:             (totalMs % msPerDay) / msPerHour,
		Minutes:           (totalMs % msPerHour) / msPerMinute,
		Seconds:           (totalMs % msPerMinute) / msPerSecond,
		TotalMilliseconds: totalMs,
	}
}

// Classify maps a remaining duration to an urgency level.
func Classify(totalMs int64, th Thresholds) model.Urgency {
	th = th.normalized()
	switch {
	case totalMs <= th.Imminent.Milliseconds():
		return model.UrgencyImminent
	case totalMs <= th.Soon.Milliseconds():
		return model.UrgencySoon
	default:
		return model.UrgencyNormal
	}
}

// Compute returns the countdown from now to target, or nil once target is
// due (remaining <= 0).
func Compute(target, now time.Time, th Thresholds) *model.CountdownState {
	totalMs := target.Sub(now).Milliseconds()
	if totalMs <= 0 {
		return nil
	}
	return &model.CountdownState{
		Remaining: Breakdown(totalMs),
		Urgency:   Classify(totalMs, th),
	}
}
