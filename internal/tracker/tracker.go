// Package tracker keeps the selected next session and its countdown in sync
// with the latest session list.
package tracker

import (
	"reflect"
	"slices"
	"sync"
	"time"

	"nextsession/internal/countdown"
	appLog "nextsession/internal/log"
	"nextsession/internal/model"
	"nextsession/internal/session"
)

// View is what the presentation layer gets to render.
type View struct {
	Phase     countdown.Phase       `json:"phase"`
	Session   *model.SessionEvent   `json:"session"`
	StartAt   *time.Time            `json:"start_at,omitempty"`
	EndAt     *time.Time            `json:"end_at,omitempty"`
	Countdown *model.CountdownState `json:"countdown"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Config holds the tracker's dependencies. Zero values use defaults.
type Config struct {
	Location   *time.Location
	Clock      countdown.Clock
	NewTicker  countdown.TickerFunc
	Interval   time.Duration
	Thresholds countdown.Thresholds
}

// Tracker re-runs selection whenever the session list changes or the
// current countdown expires, and drives a single countdown engine.
type Tracker struct {
	loc   *time.Location
	clock countdown.Clock

	engine *countdown.Engine

	mu        sync.Mutex
	sessions  []model.SessionEvent
	selected  *model.SessionEvent
	updatedAt time.Time
	closed    bool

	urgencyMu   sync.Mutex
	lastUrgency model.Urgency
}

// New creates a Tracker with an idle engine.
func New(cfg Config) *Tracker {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	t := &Tracker{
		loc:   cfg.Location,
		clock: cfg.Clock,
	}
	t.engine = countdown.New(countdown.Options{
		Clock:      cfg.Clock,
		NewTicker:  cfg.NewTicker,
		Interval:   cfg.Interval,
		Thresholds: cfg.Thresholds,
		Location:   cfg.Location,
		OnUpdate:   t.observe,
		OnExpire:   t.expired,
	})
	return t
}

// Update replaces the session list and re-selects. The countdown restarts
// only if the selected session changed.
func (t *Tracker) Update(events []model.SessionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.sessions = slices.Clone(events)
	t.updatedAt = t.clock()
	t.reselectLocked("update")
}

// Sessions returns the eligible upcoming sessions in selection order.
func (t *Tracker) Sessions(limit int) []model.SessionEvent {
	t.mu.Lock()
	events := t.sessions
	t.mu.Unlock()
	return session.Upcoming(events, t.clock(), t.loc, limit)
}

// Snapshot returns the selected session and its live countdown.
func (t *Tracker) Snapshot() View {
	t.mu.Lock()
	updatedAt := t.updatedAt
	t.mu.Unlock()

	s := t.engine.Snapshot()
	v := View{
		Phase:     s.Phase,
		Session:   s.Target,
		Countdown: s.Countdown,
		UpdatedAt: updatedAt,
	}
	if s.Target != nil {
		at := s.StartAt
		v.StartAt = &at
		if end, err := s.Target.EndAt(t.loc); err == nil {
			v.EndAt = &end
		}
	}
	return v
}

// Close stops the countdown. Later updates are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.selected = nil
	t.mu.Unlock()
	t.engine.Stop()
}

func (t *Tracker) expired(ev model.SessionEvent) {
	appLog.Info("session started", "session_id", string(ev.ID), "topic", ev.DisplayTopic())

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.selected = nil
	t.reselectLocked("expired")
}

// reselectLocked picks the next session and points the engine at it.
// Caller must hold t.mu.
func (t *Tracker) reselectLocked(reason string) {
	for {
		next, ok := session.SelectNext(t.sessions, t.clock(), t.loc)
		if !ok {
			if t.selected != nil || t.engine.Snapshot().Phase == countdown.PhaseCounting {
				appLog.Info("no upcoming session", "reason", reason)
			}
			t.selected = nil
			t.engine.Stop()
			return
		}

		if t.selected != nil && reflect.DeepEqual(*t.selected, next) {
			return
		}
		refreshed := t.selected != nil && sameSession(*t.selected, next)

		started, err := t.engine.Start(next)
		if err != nil {
			// SelectNext only returns parseable sessions.
			appLog.Error("countdown start failed", err, "session_id", string(next.ID))
			t.selected = nil
			t.engine.Stop()
			return
		}
		if !started {
			// Became due between selection and start; it is in the past now.
			continue
		}

		sel := next
		t.selected = &sel
		if refreshed {
			appLog.Debug("selected session details changed", "session_id", string(next.ID))
			return
		}
		appLog.Info("next session selected",
			"reason", reason,
			"session_id", string(next.ID),
			"topic", next.DisplayTopic(),
			"date", next.SessionDate,
			"start", next.StartTime,
			"location_type", string(next.Group.LocationType),
		)
		return
	}
}

// observe logs urgency transitions of the live countdown.
func (t *Tracker) observe(s countdown.Snapshot) {
	t.urgencyMu.Lock()
	defer t.urgencyMu.Unlock()

	if s.Countdown == nil {
		t.lastUrgency = ""
		return
	}
	if s.Countdown.Urgency == t.lastUrgency {
		return
	}
	prev := t.lastUrgency
	t.lastUrgency = s.Countdown.Urgency
	if prev == "" {
		return
	}
	id := ""
	if s.Target != nil {
		id = string(s.Target.ID)
	}
	appLog.Info("countdown urgency changed",
		"session_id", id,
		"from", string(prev),
		"to", string(s.Countdown.Urgency),
		"remaining_ms", s.Countdown.Remaining.TotalMilliseconds,
	)
}

func sameSession(a, b model.SessionEvent) bool {
	return a.ID == b.ID &&
		a.Group.LocationType == b.Group.LocationType &&
		a.SessionDate == b.SessionDate &&
		a.StartTime == b.StartTime
}
