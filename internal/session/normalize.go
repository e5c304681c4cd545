// Package session turns provider feeds into canonical sessions and picks the
// one a learner should be counting down to.
package session

import (
	"errors"
	"strings"

	appLog "nextsession/internal/log"
	"nextsession/internal/model"
)

var (
	errMissingID       = errors.New("missing id")
	errMissingSchedule = errors.New("missing session date and start time")
)

// Normalize maps every record of every feed into a SessionEvent. Malformed
// records are logged and dropped; they never stop the rest of the batch.
func Normalize(feeds ...Feed) []model.SessionEvent {
	out := make([]model.SessionEvent, 0)
	for _, feed := range feeds {
		dropped := 0
		for i, rec := range feed.Records {
			if rec == nil {
				dropped++
				continue
			}
			ev, err := normalizeOne(rec.fields(), feed.LocationType)
			if err != nil {
				dropped++
				appLog.Warn("session record dropped",
					"feed", feed.Name,
					"index", i,
					"reason", err.Error(),
				)
				continue
			}
			out = append(out, ev)
		}
		appLog.Debug("feed normalized",
			"feed", feed.Name,
			"location_type", string(feed.LocationType),
			"records", len(feed.Records),
			"dropped", dropped,
		)
	}
	return out
}

func normalizeOne(f rawFields, kind model.LocationType) (model.SessionEvent, error) {
	if strings.TrimSpace(string(f.ID)) == "" {
		return model.SessionEvent{}, errMissingID
	}
	if strings.TrimSpace(f.SessionDate) == "" && strings.TrimSpace(f.StartTime) == "" {
		return model.SessionEvent{}, errMissingSchedule
	}

	ev := model.SessionEvent{
		ID:    f.ID,
		Group: model.Group{
			ID:           f.GroupID,
			Name:         f.GroupName,
			LocationType: kind,
		},
		Lesson: model.Lesson{
			ID:    f.LessonID,
			Title: f.LessonTitle,
		},
		SessionDate:     strings.TrimSpace(f.SessionDate),
		StartTime:       strings.TrimSpace(f.StartTime),
		EndTime:         strings.TrimSpace(f.EndTime),
		Topic:           f.Topic,
		IsCancelled:     strings.TrimSpace(f.CancelReason) != "",
		MeetingProvider: f.MeetingProvider,
		MeetingID:       f.MeetingID,
		HasMeeting:      f.HasMeeting != nil && *f.HasMeeting,
	}
	if ev.IsCancelled {
		ev.CancellationReason = f.CancelReason
	}
	if strings.TrimSpace(ev.Topic) == "" {
		ev.Topic = f.LessonTitle
	}

	// Offline fields are meaningless for online sessions.
	if kind == model.LocationOffline {
		ev.Group.Location = f.Location
		ev.Group.LocationMapURL = f.LocationMapURL
	}

	// A join link is only exposed while a meeting is live.
	if ev.HasMeeting && f.JoinURL != "" {
		u := f.JoinURL
		ev.JoinURL = &u
	}

	return ev, nil
}
