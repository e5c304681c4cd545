package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LocationType tells whether a session happens online or in a room.
type LocationType string

const (
	LocationOnline  LocationType = "online"
	LocationOffline LocationType = "offline"
)

// Valid reports whether t is one of the known location types.
func (t LocationType) Valid() bool {
	return t == LocationOnline || t == LocationOffline
}

// ID is a session/group/lesson identifier. Upstream APIs send either JSON
// numbers or strings; both are kept as their decimal/string form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: expected number or string, got %s", data)
	}
	*id = ID(n.String())
	return nil
}

// Group is the class group a session belongs to.
type Group struct {
	ID             ID           `json:"id"`
	Name           string       `json:"name"`
	LocationType   LocationType `json:"locationType"`
	Location       string       `json:"location"`
	LocationMapURL string       `json:"locationMapUrl"`
}

// Lesson is the curriculum lesson a session covers.
type Lesson struct {
	ID    ID     `json:"id"`
	Title string `json:"title"`
}

// SessionEvent is the canonical shape of a scheduled class occurrence,
// regardless of which feed it came from.
type SessionEvent struct {
	ID     ID     `json:"id"`
	Group  Group  `json:"group"`
	Lesson Lesson `json:"lesson"`

	// SessionDate is YYYY-MM-DD, StartTime/EndTime are HH:MM[:SS].
	// None of them carry a timezone.
	SessionDate string `json:"sessionDate"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`

	Topic string `json:"topic"`

	IsCancelled        bool   `json:"isCancelled"`
	CancellationReason string `json:"cancellationReason,omitempty"`

	MeetingProvider string `json:"meetingProvider,omitempty"`
	MeetingID       string `json:"meetingId,omitempty"`
	HasMeeting      bool   `json:"hasMeeting"`
	// JoinURL is nil whenever HasMeeting is false.
	JoinURL *string `json:"joinUrl"`
}

const (
	dateLayout    = "2006-01-02"
	timeLayoutHMS = "15:04:05"
	timeLayoutHM  = "15:04"
)

var ErrInvalidSchedule = errors.New("invalid session date/time")

// StartAt combines SessionDate and StartTime into a wall-clock instant in loc.
// The values are taken as-is in loc; no timezone conversion is applied.
func (s SessionEvent) StartAt(loc *time.Location) (time.Time, error) {
	return combine(s.SessionDate, s.StartTime, loc)
}

// EndAt is StartAt for EndTime. Sessions ending before they start are
// assumed to cross midnight.
func (s SessionEvent) EndAt(loc *time.Location) (time.Time, error) {
	end, err := combine(s.SessionDate, s.EndTime, loc)
	if err != nil {
		return time.Time{}, err
	}
	if start, err := s.StartAt(loc); err == nil && end.Before(start) {
		end = end.AddDate(0, 0, 1)
	}
	return end, nil
}

// DisplayTopic returns Topic, or the lesson title when Topic is empty.
func (s SessionEvent) DisplayTopic() string {
	if strings.TrimSpace(s.Topic) != "" {
		return s.Topic
	}
	return s.Lesson.Title
}

func combine(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, ErrInvalidSchedule
	}

	layout := timeLayoutHMS
	if strings.Count(clock, ":") == 1 {
		layout = timeLayoutHM
	}
	t, err := time.ParseInLocation(dateLayout+" "+layout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q %q", ErrInvalidSchedule, date, clock)
	}
	return t, nil
}

// Urgency classifies how soon a session starts.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencySoon     Urgency = "soon"
	UrgencyImminent Urgency = "imminent"
)

// Remaining is a non-negative duration broken into calendar-free units.
type Remaining struct {
	Days              int64 `json:"days"`
	Hours             int64 `json:"hours"`
	Minutes           int64 `json:"minutes"`
	Seconds           int64 `json:"seconds"`
	TotalMilliseconds int64 `json:"totalMilliseconds"`
}

// CountdownState is derived on every tick and never persisted.
type CountdownState struct {
	Remaining Remaining `json:"remaining"`
	Urgency   Urgency   `json:"urgency"`
}
