// Package feed loads session feeds from HTTP or disk and normalizes them.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"nextsession/internal/config"
	"nextsession/internal/ics"
	appLog "nextsession/internal/log"
	"nextsession/internal/model"
	"nextsession/internal/session"
)

// Loader reads every configured feed and returns normalized sessions.
type Loader struct {
	feeds   []config.FeedConfig
	fetcher *Fetcher
	loc     *time.Location
	horizon time.Duration
	now     func() time.Time
}

// LoaderOptions configure a Loader. Zero values use defaults.
type LoaderOptions struct {
	CacheDir    string
	Client      *http.Client
	Location    *time.Location
	HorizonDays int
	Now         func() time.Time
}

// NewLoader builds a Loader for the given feeds.
func NewLoader(feeds []config.FeedConfig, opts LoaderOptions) *Loader {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 14
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loader{
		feeds:   feeds,
		fetcher: NewFetcher(opts.CacheDir, opts.Client),
		loc:     opts.Location,
		horizon: time.Duration(opts.HorizonDays) * 24 * time.Hour,
		now:     opts.Now,
	}
}

// Load reads all feeds. A failing feed is logged and skipped; its error is
// joined into the returned error while sessions from the other feeds are
// still returned.
func (l *Loader) Load(ctx context.Context) ([]model.SessionEvent, error) {
	feeds := make([]session.Feed, 0, len(l.feeds))
	var errs []error

	for _, fc := range l.feeds {
		f, err := l.loadOne(ctx, fc)
		if err != nil {
			appLog.Error("feed load failed", err, "id", fc.ID)
			errs = append(errs, err)
			continue
		}
		feeds = append(feeds, f)
	}

	events := session.Normalize(feeds...)
	appLog.Info("feeds loaded",
		"feeds", len(l.feeds),
		"failed", len(errs),
		"sessions", len(events),
	)
	return events, errors.Join(errs...)
}

func (l *Loader) loadOne(ctx context.Context, fc config.FeedConfig) (session.Feed, error) {
	kind := model.LocationType(fc.Kind)
	if !kind.Valid() {
		return session.Feed{}, fmt.Errorf("feed %s: unknown kind %q", fc.ID, fc.Kind)
	}

	body, err := l.read(ctx, fc)
	if err != nil {
		return session.Feed{}, err
	}

	switch fc.Format {
	case "", "json":
		return session.DecodeFeed(fc.ID, kind, body)
	case "ics":
		return l.calendarFeed(fc, kind, body)
	default:
		return session.Feed{}, fmt.Errorf("feed %s: unknown format %q", fc.ID, fc.Format)
	}
}

func (l *Loader) read(ctx context.Context, fc config.FeedConfig) ([]byte, error) {
	if fc.URL != "" {
		res, err := l.fetcher.Fetch(ctx, Source{ID: fc.ID, URL: fc.URL, Headers: fc.Headers})
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	}
	if fc.Path != "" {
		body, err := os.ReadFile(fc.Path)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", fc.ID, err)
		}
		return body, nil
	}
	return nil, fmt.Errorf("feed %s: url or path is required", fc.ID)
}

// calendarFeed expands an ICS body around now and renders every occurrence
// as wall-clock date/time strings in the display zone.
func (l *Loader) calendarFeed(fc config.FeedConfig, kind model.LocationType, body []byte) (session.Feed, error) {
	parsed, err := ics.Parse(fc.ID, body)
	if err != nil {
		return session.Feed{}, err
	}

	now := l.now().In(l.loc)
	occ, err := ics.Expand(parsed, ics.ExpandConfig{
		Location:   l.loc,
		RangeStart: now.AddDate(0, 0, -1),
		RangeEnd:   now.Add(l.horizon),
	})
	if err != nil {
		return session.Feed{}, err
	}

	name := fc.Name
	if name == "" {
		name = fc.ID
	}
	feed := session.Feed{Name: fc.ID, LocationType: kind}
	for _, o := range occ {
		feed.Records = append(feed.Records, session.CalendarRecord{
			UID:          o.UID,
			InstanceKey:  o.InstanceKey,
			CalendarName: name,
			SessionDate:  o.Start.Format("2006-01-02"),
			StartTime:    o.Start.Format("15:04:05"),
			EndTime:      o.End.Format("15:04:05"),
			Summary:      o.Summary,
			Location:     o.Location,
			Status:       o.Status,
			Description:  o.Description,
			URL:          o.URL,
		})
	}
	return feed, nil
}
