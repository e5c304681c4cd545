package countdown

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nextsession/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type manualTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.c }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

// fire delivers one tick and reports whether the loop received it.
func (m *manualTicker) fire() bool {
	select {
	case m.c <- time.Time{}:
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

type manualTickers struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (f *manualTickers) New(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &manualTicker{c: make(chan time.Time)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *manualTickers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

func (f *manualTickers) get(i int) *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers[i]
}

type harness struct {
	clock   *fakeClock
	tickers *manualTickers
	updates chan Snapshot
	expired chan model.SessionEvent
	engine  *Engine
}

var base = time.Date(2026, 3, 2, 8, 57, 0, 0, time.UTC)

func newHarness(t *testing.T, onExpire func(*Engine, model.SessionEvent)) *harness {
	t.Helper()
	h := &harness{
		clock:   &fakeClock{now: base},
		tickers: &manualTickers{},
		updates: make(chan Snapshot, 64),
		expired: make(chan model.SessionEvent, 4),
	}
	h.engine = New(Options{
		Clock:     h.clock.Now,
		NewTicker: h.tickers.New,
		Location:  time.UTC,
		OnUpdate:  func(s Snapshot) { h.updates <- s },
		OnExpire: func(ev model.SessionEvent) {
			h.expired <- ev
			if onExpire != nil {
				onExpire(h.engine, ev)
			}
		},
	})
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) nextUpdate(t *testing.T) Snapshot {
	t.Helper()
	select {
	case s := <-h.updates:
		return s
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return Snapshot{}
	}
}

func session(id, date, start string) model.SessionEvent {
	return model.SessionEvent{ID: model.ID(id), SessionDate: date, StartTime: start}
}

func TestEngineCountsDownThroughUrgencyLevels(t *testing.T) {
	h := newHarness(t, nil)

	ok, err := h.engine.Start(session("1", "2026-03-02", "09:37"))
	require.NoError(t, err)
	require.True(t, ok)

	s := h.nextUpdate(t)
	require.Equal(t, PhaseCounting, s.Phase)
	require.NotNil(t, s.Countdown)
	assert.Equal(t, model.UrgencyNormal, s.Countdown.Urgency)
	assert.Equal(t, int64(40), s.Countdown.Remaining.Minutes)
	require.Equal(t, 1, h.tickers.count())

	h.clock.Set(base.Add(15 * time.Minute))
	require.True(t, h.tickers.get(0).fire())
	s = h.nextUpdate(t)
	assert.Equal(t, model.UrgencySoon, s.Countdown.Urgency)
	assert.Equal(t, int64(25), s.Countdown.Remaining.Minutes)

	h.clock.Set(base.Add(35 * time.Minute))
	require.True(t, h.tickers.get(0).fire())
	s = h.nextUpdate(t)
	assert.Equal(t, model.UrgencyImminent, s.Countdown.Urgency)
	assert.Equal(t, int64(5), s.Countdown.Remaining.Minutes)
	assert.Equal(t, int64(0), s.Countdown.Remaining.Seconds)
}

func TestEngineExpiresInTheDetectingTick(t *testing.T) {
	h := newHarness(t, nil)

	ok, err := h.engine.Start(session("1", "2026-03-02", "08:58"))
	require.NoError(t, err)
	require.True(t, ok)
	h.nextUpdate(t)

	h.clock.Set(base.Add(59 * time.Second))
	require.True(t, h.tickers.get(0).fire())
	s := h.nextUpdate(t)
	require.Equal(t, PhaseCounting, s.Phase)
	assert.Equal(t, int64(1), s.Countdown.Remaining.Seconds)

	// Clock jumps well past the start: never a negative display.
	h.clock.Set(base.Add(10 * time.Minute))
	require.True(t, h.tickers.get(0).fire())
	s = h.nextUpdate(t)
	assert.Equal(t, PhaseExpired, s.Phase)
	assert.Nil(t, s.Countdown)
	assert.Nil(t, s.Target)

	select {
	case ev := <-h.expired:
		assert.Equal(t, model.ID("1"), ev.ID)
	case <-time.After(time.Second):
		t.Fatal("OnExpire not called")
	}

	require.Eventually(t, h.tickers.get(0).stopped.Load, time.Second, 5*time.Millisecond)
	assert.False(t, h.tickers.get(0).fire(), "expired run no longer ticks")
	assert.Equal(t, PhaseExpired, h.engine.Snapshot().Phase)
}

func TestEngineReplaceLeavesSingleTicker(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.Start(session("1", "2026-03-02", "10:00"))
	require.NoError(t, err)
	_, err = h.engine.Start(session("2", "2026-03-02", "11:00"))
	require.NoError(t, err)

	require.Equal(t, 2, h.tickers.count())
	old := h.tickers.get(0)
	assert.True(t, old.stopped.Load(), "old ticker stopped before Start returns")
	assert.False(t, h.tickers.get(1).stopped.Load())

	// The old ticker has no reader left, so it cannot mutate state.
	h.clock.Set(base.Add(2 * time.Hour))
	assert.False(t, old.fire())

	s := h.engine.Snapshot()
	require.NotNil(t, s.Target)
	assert.Equal(t, model.ID("2"), s.Target.ID)
	assert.Equal(t, PhaseCounting, s.Phase)
}

func TestEngineStopIsSynchronous(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.Start(session("1", "2026-03-02", "10:00"))
	require.NoError(t, err)

	h.engine.Stop()
	assert.True(t, h.tickers.get(0).stopped.Load())
	s := h.engine.Snapshot()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Nil(t, s.Target)
	assert.Nil(t, s.Countdown)

	// Stopping an idle engine is a no-op.
	h.engine.Stop()
	assert.Equal(t, PhaseIdle, h.engine.Snapshot().Phase)
}

func TestEngineStartWithDueTarget(t *testing.T) {
	h := newHarness(t, nil)

	ok, err := h.engine.Start(session("1", "2026-03-02", "08:57"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, h.tickers.count(), "no ticker for a target that is already due")
	assert.Equal(t, PhaseExpired, h.engine.Snapshot().Phase)
}

func TestEngineStartRejectsUnparseableTarget(t *testing.T) {
	h := newHarness(t, nil)

	ok, err := h.engine.Start(session("1", "someday", "10:00"))
	require.ErrorIs(t, err, ErrNoTarget)
	assert.False(t, ok)
	assert.Equal(t, PhaseIdle, h.engine.Snapshot().Phase)
}

func TestEngineOnExpireCanStartNextTarget(t *testing.T) {
	next := session("2", "2026-03-03", "10:00")
	h := newHarness(t, func(e *Engine, _ model.SessionEvent) {
		_, _ = e.Start(next)
	})

	_, err := h.engine.Start(session("1", "2026-03-02", "09:00"))
	require.NoError(t, err)

	h.clock.Set(base.Add(3 * time.Minute))
	require.True(t, h.tickers.get(0).fire())

	require.Eventually(t, func() bool {
		s := h.engine.Snapshot()
		return s.Phase == PhaseCounting && s.Target != nil && s.Target.ID == "2"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, h.tickers.count())
	require.Eventually(t, h.tickers.get(0).stopped.Load, time.Second, 5*time.Millisecond)
}

func TestEngineWithRealTicker(t *testing.T) {
	done := make(chan model.SessionEvent, 1)
	start := time.Now().Add(1500 * time.Millisecond).Truncate(time.Second).Add(time.Second)
	e := New(Options{
		Interval: 20 * time.Millisecond,
		Location: time.Local,
		OnExpire: func(ev model.SessionEvent) { done <- ev },
	})
	t.Cleanup(e.Stop)

	ev := model.SessionEvent{
		ID:          "rt",
		SessionDate: start.Format("2006-01-02"),
		StartTime:   start.Format("15:04:05"),
	}
	ok, err := e.Start(ev)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case got := <-done:
		assert.Equal(t, model.ID("rt"), got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("countdown did not expire")
	}
	assert.Equal(t, PhaseExpired, e.Snapshot().Phase)
}
