package tracker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nextsession/internal/countdown"
	"nextsession/internal/model"
	"nextsession/internal/session"
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

type stubTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (s *stubTicker) C() <-chan time.Time { return s.c }
func (s *stubTicker) Stop()               { s.stopped.Store(true) }

type stubTickers struct {
	mu   sync.Mutex
	list []*stubTicker
}

func (f *stubTickers) New(time.Duration) countdown.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &stubTicker{c: make(chan time.Time)}
	f.list = append(f.list, t)
	return t
}

func (f *stubTickers) last() *stubTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list[len(f.list)-1]
}

func (f *stubTickers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.list)
}

func (f *stubTickers) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.list {
		if !t.stopped.Load() {
			n++
		}
	}
	return n
}

var today = time.Date(2026, 3, 2, 8, 57, 0, 0, time.UTC)

func newTracker(t *testing.T) (*Tracker, *fakeClock, *stubTickers) {
	t.Helper()
	clock := &fakeClock{now: today}
	tickers := &stubTickers{}
	tr := New(Config{
		Location:  time.UTC,
		Clock:     clock.Now,
		NewTicker: tickers.New,
	})
	t.Cleanup(tr.Close)
	return tr, clock, tickers
}

func offline(id, date, start, reason string) session.Record {
	return session.OfflineRecord{ID: model.ID(id), SessionDate: date, StartTime: start, CancellationReason: reason}
}

func TestEndToEndScenario(t *testing.T) {
	tr, _, _ := newTracker(t)

	events := session.Normalize(session.Feed{
		Name:         "offline",
		LocationType: model.LocationOffline,
		Records: []session.Record{
			offline("1", "2026-03-03", "10:00", ""),
			offline("2", "2026-03-02", "08:00", ""),
			offline("3", "2026-03-02", "09:00", "room closed"),
		},
	})
	tr.Update(events)

	v := tr.Snapshot()
	require.Equal(t, countdown.PhaseCounting, v.Phase)
	require.NotNil(t, v.Session)
	assert.Equal(t, model.ID("1"), v.Session.ID)
	require.NotNil(t, v.Countdown)
	assert.Equal(t, model.UrgencyNormal, v.Countdown.Urgency)
	assert.Equal(t, int64(1), v.Countdown.Remaining.Days)
	assert.Equal(t, int64(1), v.Countdown.Remaining.Hours)
	assert.Equal(t, int64(3), v.Countdown.Remaining.Minutes)
	require.NotNil(t, v.StartAt)
	assert.Equal(t, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), *v.StartAt)
	assert.Nil(t, v.EndAt, "no end time in the feed")
}

func TestSnapshotCarriesEndInstant(t *testing.T) {
	tr, _, _ := newTracker(t)

	tr.Update([]model.SessionEvent{
		{ID: "late", SessionDate: "2026-03-02", StartTime: "23:00", EndTime: "00:30"},
	})

	v := tr.Snapshot()
	require.NotNil(t, v.StartAt)
	require.NotNil(t, v.EndAt)
	assert.Equal(t, time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC), *v.StartAt)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 30, 0, 0, time.UTC), *v.EndAt)
}

func TestUpdateKeepsTickerWhenSelectionUnchanged(t *testing.T) {
	tr, _, tickers := newTracker(t)

	events := []model.SessionEvent{
		{ID: "1", SessionDate: "2026-03-02", StartTime: "10:00"},
	}
	tr.Update(events)
	require.Equal(t, 1, tickers.count())

	// A later session does not disturb the running countdown.
	tr.Update(append(events, model.SessionEvent{ID: "2", SessionDate: "2026-03-05", StartTime: "10:00"}))
	assert.Equal(t, 1, tickers.count())

	// An earlier one replaces it and leaves a single live ticker.
	tr.Update(append(events, model.SessionEvent{ID: "0", SessionDate: "2026-03-02", StartTime: "09:30"}))
	assert.Equal(t, 2, tickers.count())
	assert.Equal(t, 1, tickers.active())
	assert.Equal(t, model.ID("0"), tr.Snapshot().Session.ID)
}

func TestUpdateRestartsWhenMeetingGoesLive(t *testing.T) {
	tr, _, tickers := newTracker(t)

	ev := model.SessionEvent{ID: "1", SessionDate: "2026-03-02", StartTime: "10:00"}
	tr.Update([]model.SessionEvent{ev})
	assert.Nil(t, tr.Snapshot().Session.JoinURL)

	url := "https://meet.example.com/1"
	ev.HasMeeting = true
	ev.JoinURL = &url
	tr.Update([]model.SessionEvent{ev})

	v := tr.Snapshot()
	require.NotNil(t, v.Session.JoinURL)
	assert.Equal(t, url, *v.Session.JoinURL)
	assert.Equal(t, 1, tickers.active())
}

func TestEmptyListStopsCountdown(t *testing.T) {
	tr, _, tickers := newTracker(t)

	tr.Update([]model.SessionEvent{{ID: "1", SessionDate: "2026-03-02", StartTime: "10:00"}})
	require.Equal(t, countdown.PhaseCounting, tr.Snapshot().Phase)

	tr.Update(nil)
	v := tr.Snapshot()
	assert.Equal(t, countdown.PhaseIdle, v.Phase)
	assert.Nil(t, v.Session)
	assert.Nil(t, v.Countdown)
	assert.Equal(t, 0, tickers.active())
}

func TestExpiryReselectsNextSession(t *testing.T) {
	tr, clock, tickers := newTracker(t)

	tr.Update([]model.SessionEvent{
		{ID: "b", SessionDate: "2026-03-02", StartTime: "11:00"},
		{ID: "a", SessionDate: "2026-03-02", StartTime: "09:00"},
	})
	require.Equal(t, model.ID("a"), tr.Snapshot().Session.ID)

	clock.Set(today.Add(4 * time.Minute))
	first := tickers.last()
	first.c <- time.Time{}

	require.Eventually(t, func() bool {
		v := tr.Snapshot()
		return v.Session != nil && v.Session.ID == "b" && v.Phase == countdown.PhaseCounting
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, first.stopped.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, tickers.active())

	// The last session expiring leaves the tracker with nothing to show.
	clock.Set(today.Add(3 * time.Hour))
	tickers.last().c <- time.Time{}
	require.Eventually(t, func() bool {
		return tr.Snapshot().Session == nil
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return tickers.active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSessionsListsUpcoming(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.Update([]model.SessionEvent{
		{ID: "late", SessionDate: "2026-03-04", StartTime: "10:00"},
		{ID: "past", SessionDate: "2026-03-01", StartTime: "10:00"},
		{ID: "soon", SessionDate: "2026-03-02", StartTime: "09:10"},
	})
	got := tr.Sessions(0)
	require.Len(t, got, 2)
	assert.Equal(t, model.ID("soon"), got[0].ID)
	assert.Equal(t, model.ID("late"), got[1].ID)
}

func TestCloseIgnoresLaterUpdates(t *testing.T) {
	tr, _, tickers := newTracker(t)
	tr.Update([]model.SessionEvent{{ID: "1", SessionDate: "2026-03-02", StartTime: "10:00"}})
	tr.Close()
	assert.Equal(t, 0, tickers.active())

	tr.Update([]model.SessionEvent{{ID: "2", SessionDate: "2026-03-02", StartTime: "11:00"}})
	assert.Equal(t, countdown.PhaseIdle, tr.Snapshot().Phase)
	assert.Equal(t, 1, tickers.count())
}
