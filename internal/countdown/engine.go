package countdown

import (
	"context"
	"errors"
	"sync"
	"time"

	appLog "nextsession/internal/log"
	"nextsession/internal/model"
)

// Phase is the engine's lifecycle state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseCounting Phase = "counting"
	PhaseExpired  Phase = "expired"
)

// Clock returns the current instant.
type Clock func() time.Time

// Ticker is the subset of *time.Ticker the engine needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Snapshot is a consistent view of the engine.
type Snapshot struct {
	Phase     Phase
	Target    *model.SessionEvent
	StartAt   time.Time
	Countdown *model.CountdownState
}

// Options configure an Engine. Zero values fall back to defaults.
type Options struct {
	Clock      Clock
	NewTicker  TickerFunc
	Interval   time.Duration
	Thresholds Thresholds
	Location   *time.Location

	// OnUpdate is called after every state change, outside the engine lock.
	OnUpdate func(Snapshot)
	// OnExpire is called once when the current target becomes due. The
	// engine is already detached from that target; the callback may Start
	// a new one.
	OnExpire func(model.SessionEvent)
}

// run is one ticking goroutine bound to one target.
type run struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine keeps a live countdown for at most one session. It owns at most
// one ticker at a time.
type Engine struct {
	opts Options

	// lifecycle serializes Start/Stop so that replacing a run is atomic.
	lifecycle sync.Mutex

	mu       sync.Mutex
	gen      uint64
	phase    Phase
	target   *model.SessionEvent
	targetAt time.Time
	state    *model.CountdownState
	active   *run
}

var ErrNoTarget = errors.New("countdown: session has no valid start time")

// New creates an idle Engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewRealTicker
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	opts.Thresholds = opts.Thresholds.normalized()
	return &Engine{opts: opts, phase: PhaseIdle}
}

// Start counts down to ev, replacing any running countdown. The previous
// ticker is stopped and its goroutine has exited when Start returns.
// It returns false when ev is already due, leaving the engine expired.
func (e *Engine) Start(ev model.SessionEvent) (bool, error) {
	startAt, err := ev.StartAt(e.opts.Location)
	if err != nil {
		return false, errors.Join(ErrNoTarget, err)
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.halt()

	now := e.opts.Clock()
	state := Compute(startAt, now, e.opts.Thresholds)

	e.mu.Lock()
	e.gen++
	if state == nil {
		e.phase = PhaseExpired
		e.target, e.state = nil, nil
		e.targetAt = time.Time{}
		snap := e.snapshotLocked()
		e.mu.Unlock()
		e.notify(snap)
		return false, nil
	}

	target := ev
	e.phase = PhaseCounting
	e.target = &target
	e.targetAt = startAt
	e.state = state

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{gen: e.gen, cancel: cancel, done: make(chan struct{})}
	e.active = r
	ticker := e.opts.NewTicker(e.opts.Interval)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	go e.loop(ctx, r, ticker)

	appLog.Debug("countdown started",
		"session_id", string(ev.ID),
		"start_at", startAt.Format(time.RFC3339),
		"urgency", string(state.Urgency),
	)
	e.notify(snap)
	return true, nil
}

// Stop cancels the running countdown, if any, and returns the engine to
// idle. The ticker is stopped before Stop returns.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.halt()

	e.mu.Lock()
	changed := e.phase != PhaseIdle
	e.gen++
	e.phase = PhaseIdle
	e.target, e.state = nil, nil
	e.targetAt = time.Time{}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if changed {
		e.notify(snap)
	}
}

// Snapshot returns the current phase, target and countdown.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// halt detaches the active run and waits for its goroutine to exit.
// Caller must hold e.lifecycle but not e.mu.
func (e *Engine) halt() {
	e.mu.Lock()
	r := e.active
	e.active = nil
	if r != nil {
		// Invalidate in-flight ticks of the old run.
		e.gen++
	}
	e.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (e *Engine) loop(ctx context.Context, r *run, ticker Ticker) {
	defer close(r.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if !e.tick(r) {
				return
			}
		}
	}
}

// tick recomputes the countdown for run r. It reports whether r should keep
// ticking.
func (e *Engine) tick(r *run) bool {
	e.mu.Lock()
	if r.gen != e.gen || e.active != r {
		e.mu.Unlock()
		return false
	}

	state := Compute(e.targetAt, e.opts.Clock(), e.opts.Thresholds)
	if state != nil {
		e.state = state
		snap := e.snapshotLocked()
		e.mu.Unlock()
		e.notify(snap)
		return true
	}

	// Due: leave counting in this very tick and detach so a Start from
	// OnExpire does not wait on this goroutine.
	expired := *e.target
	e.gen++
	e.active = nil
	e.phase = PhaseExpired
	e.target, e.state = nil, nil
	e.targetAt = time.Time{}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	r.cancel()
	appLog.Debug("countdown expired", "session_id", string(expired.ID))
	e.notify(snap)
	if e.opts.OnExpire != nil {
		e.opts.OnExpire(expired)
	}
	return false
}

func (e *Engine) snapshotLocked() Snapshot {
	s := Snapshot{Phase: e.phase, StartAt: e.targetAt}
	if e.target != nil {
		t := *e.target
		s.Target = &t
	}
	if e.state != nil {
		st := *e.state
		s.Countdown = &st
	}
	return s
}

func (e *Engine) notify(s Snapshot) {
	if e.opts.OnUpdate != nil {
		e.opts.OnUpdate(s)
	}
}
