package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	appLog "nextsession/internal/log"
	"nextsession/internal/model"
)

// Record is a provider-specific session row. Each provider maps its own
// field names onto the shared fields before normalization.
type Record interface {
	fields() rawFields
}

// rawFields is the provider-neutral view of a record. Normalization rules
// are applied on this type only, so every provider gets the same treatment.
type rawFields struct {
	ID model.ID

	GroupID   model.ID
	GroupName string

	Location       string
	LocationMapURL string

	SessionDate string
	StartTime   string
	EndTime     string

	Topic       string
	LessonID    model.ID
	LessonTitle string

	CancelReason string

	MeetingProvider string
	MeetingID       string
	HasMeeting      *bool
	JoinURL         string
}

type groupRef struct {
	ID   model.ID `json:"id"`
	Name string   `json:"name"`
}

type lessonRef struct {
	ID    model.ID `json:"id"`
	Title string   `json:"title"`
}

// OnlineRecord is a row of the online (video meeting) session feed.
type OnlineRecord struct {
	ID          model.ID  `json:"id"`
	Group       groupRef  `json:"group"`
	SessionDate string    `json:"session_date"`
	StartTime   string    `json:"start_time"`
	EndTime     string    `json:"end_time"`
	Topic       string    `json:"topic"`
	Lesson      lessonRef `json:"lesson"`
	Reason      string    `json:"reason"`

	MeetingProvider string `json:"meeting_provider"`
	BBBMeetingID    string `json:"bbbMeetingId"`
	HasMeeting      *bool  `json:"has_meeting"`
	JoinURL         string `json:"join_url"`
}

// UnmarshalJSON reads has_meeting as a JSON bool, 0/1 or a quoted form of
// either.
func (r *OnlineRecord) UnmarshalJSON(data []byte) error {
	type plain OnlineRecord
	aux := struct {
		*plain
		HasMeeting *flexBool `json:"has_meeting"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.HasMeeting != nil {
		b := bool(*aux.HasMeeting)
		r.HasMeeting = &b
	}
	return nil
}

// flexBool is a boolean that some backends send as 0/1 or "true".
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("cannot read %s as a boolean", data)
	}
	*b = flexBool(v)
	return nil
}

func (r OnlineRecord) fields() rawFields {
	provider := r.MeetingProvider
	if provider == "" && r.BBBMeetingID != "" {
		provider = "bbb"
	}
	return rawFields{
		ID:              r.ID,
		GroupID:         r.Group.ID,
		GroupName:       r.Group.Name,
		SessionDate:     r.SessionDate,
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		Topic:           r.Topic,
		LessonID:        r.Lesson.ID,
		LessonTitle:     r.Lesson.Title,
		CancelReason:    r.Reason,
		MeetingProvider: provider,
		MeetingID:       r.BBBMeetingID,
		HasMeeting:      r.HasMeeting,
		JoinURL:         r.JoinURL,
	}
}

// OfflineRecord is a row of the in-person session feed.
type OfflineRecord struct {
	ID                 model.ID  `json:"id"`
	Group              groupRef  `json:"group"`
	SessionDate        string    `json:"session_date"`
	StartTime          string    `json:"start_time"`
	EndTime            string    `json:"end_time"`
	Topic              string    `json:"topic"`
	Lesson             lessonRef `json:"lesson"`
	OfflineLocation    string    `json:"offlineLocation"`
	LocationMapURL     string    `json:"location_map_url"`
	CancellationReason string    `json:"cancellation_reason"`
}

func (r OfflineRecord) fields() rawFields {
	return rawFields{
		ID:             r.ID,
		GroupID:        r.Group.ID,
		GroupName:      r.Group.Name,
		Location:       r.OfflineLocation,
		LocationMapURL: r.LocationMapURL,
		SessionDate:    r.SessionDate,
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		Topic:          r.Topic,
		LessonID:       r.Lesson.ID,
		LessonTitle:    r.Lesson.Title,
		CancelReason:   r.CancellationReason,
	}
}

// CalendarRecord is one occurrence taken from an ICS calendar feed, with
// date and times already rendered in the display timezone.
type CalendarRecord struct {
	UID         string
	InstanceKey string

	CalendarName string
	SessionDate  string
	StartTime    string
	EndTime      string
	Summary      string
	Location     string

	// Status is the VEVENT STATUS; "CANCELLED" marks the occurrence cancelled.
	Status      string
	Description string
	URL         string
}

func (r CalendarRecord) fields() rawFields {
	f := rawFields{
		GroupName:   r.CalendarName,
		Location:    r.Location,
		SessionDate: r.SessionDate,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		Topic:       r.Summary,
		LessonTitle: r.Summary,
		JoinURL:     r.URL,
	}
	if r.UID != "" {
		f.ID = model.ID(r.UID + "@" + r.InstanceKey)
	}
	if r.Status == "CANCELLED" {
		f.CancelReason = r.Description
		if f.CancelReason == "" {
			f.CancelReason = "cancelled"
		}
	}
	// ICS carries no meeting flag; a URL on the event stands in for it.
	hasMeeting := r.URL != ""
	f.HasMeeting = &hasMeeting
	return f
}

// Feed is one source list. Every record in a feed shares its location type.
type Feed struct {
	Name         string
	LocationType model.LocationType
	Records      []Record
}

// DecodeFeed decodes a JSON feed body into records of the provider type that
// matches kind. Both a bare array and a {"data": [...]} envelope are accepted.
// Rows are decoded one by one; a row that does not fit the provider type is
// logged and skipped.
func DecodeFeed(name string, kind model.LocationType, body []byte) (Feed, error) {
	feed := Feed{Name: name, LocationType: kind}

	raw := bytes.TrimSpace(body)
	if len(raw) > 0 && raw[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return feed, fmt.Errorf("decode %s feed envelope: %w", name, err)
		}
		raw = env.Data
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return feed, nil
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return feed, fmt.Errorf("decode %s feed: %w", name, err)
	}

	switch kind {
	case model.LocationOnline:
		feed.Records = decodeRows[OnlineRecord](name, rows)
	case model.LocationOffline:
		feed.Records = decodeRows[OfflineRecord](name, rows)
	default:
		return feed, fmt.Errorf("decode %s feed: unknown location type %q", name, kind)
	}
	return feed, nil
}

func decodeRows[T Record](feed string, rows []json.RawMessage) []Record {
	out := make([]Record, 0, len(rows))
	for i, row := range rows {
		var rec T
		if err := json.Unmarshal(row, &rec); err != nil {
			appLog.Warn("session record dropped",
				"feed", feed,
				"index", i,
				"reason", err.Error(),
			)
			continue
		}
		out = append(out, rec)
	}
	return out
}
