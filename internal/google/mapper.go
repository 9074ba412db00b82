package google

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/macjediwizard/wallsync/internal/db"
	"github.com/macjediwizard/wallsync/internal/syncer"
)

const (
	dateLayout = "2006-01-02"

	statusCancelled = "cancelled"

	// Opaque Google blue, used when the calendar list entry has no color.
	defaultCalendarColor = 0xFF4285F4
)

var ErrInvalidEvent = errors.New("invalid event")

// Cancelled reports whether a listed event is a deletion marker.
func Cancelled(event *calendar.Event) bool {
	return event.Status == statusCancelled
}

// FromGoogle converts a Calendar v3 event into local fields.
func FromGoogle(event *calendar.Event) (syncer.RemoteEvent, error) {
	if event.Id == "" {
		return syncer.RemoteEvent{}, fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}

	start, startAllDay, err := parseEventTime(event.Start)
	if err != nil {
		return syncer.RemoteEvent{}, fmt.Errorf("%w: start: %w", ErrInvalidEvent, err)
	}
	end, _, err := parseEventTime(event.End)
	if err != nil {
		end = start
		if startAllDay {
			end = start.AddDate(0, 0, 1)
		}
	}

	local := &db.Event{
		RemoteID:       event.Id,
		ProviderType:   db.ProviderGoogle,
		Title:          event.Summary,
		Description:    event.Description,
		Location:       event.Location,
		StartTime:      start,
		EndTime:        end,
		AllDay:         startAllDay,
		RecurrenceRule: recurrenceRule(event.Recurrence),
		ETag:           event.Etag,
	}

	var modified time.Time
	if event.Updated != "" {
		if t, err := time.Parse(time.RFC3339, event.Updated); err == nil {
			modified = t.UTC()
		}
	}

	return syncer.RemoteEvent{Event: local, Modified: modified}, nil
}

// ToGoogle converts a local event into the Calendar v3 request body.
func ToGoogle(event *db.Event) *calendar.Event {
	out := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
	}

	if event.AllDay {
		start := event.StartTime.UTC()
		end := event.EndTime.UTC()
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
		out.Start = &calendar.EventDateTime{Date: start.Format(dateLayout)}
		out.End = &calendar.EventDateTime{Date: end.Format(dateLayout)}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: event.StartTime.UTC().Format(time.RFC3339), TimeZone: "UTC"}
		out.End = &calendar.EventDateTime{DateTime: event.EndTime.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	}

	if event.RecurrenceRule != "" {
		out.Recurrence = []string{"RRULE:" + event.RecurrenceRule}
	}
	return out
}

// localCalendar converts a calendar list entry into a local calendar row.
func localCalendar(entry *calendar.CalendarListEntry, email string) *db.Calendar {
	name := entry.SummaryOverride
	if name == "" {
		name = entry.Summary
	}
	if name == "" {
		name = entry.Id
	}

	color := defaultCalendarColor
	if c, ok := parseHexColor(entry.BackgroundColor); ok {
		color = c
	}

	return &db.Calendar{
		ID:           entry.Id,
		Name:         name,
		Color:        color,
		ProviderType: db.ProviderGoogle,
		AccountEmail: email,
		IsReadOnly:   readOnlyRole(entry.AccessRole),
	}
}

func readOnlyRole(role string) bool {
	return role == "reader" || role == "freeBusyReader"
}

// parseEventTime reads a date (all-day) or an RFC3339 date-time.
func parseEventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	if t == nil {
		return time.Time{}, false, errors.New("missing time")
	}
	if t.Date != "" {
		d, err := time.Parse(dateLayout, t.Date)
		if err != nil {
			return time.Time{}, false, err
		}
		return d, true, nil
	}
	if t.DateTime == "" {
		return time.Time{}, false, errors.New("empty time")
	}
	dt, err := time.Parse(time.RFC3339, t.DateTime)
	if err != nil {
		return time.Time{}, false, err
	}
	return dt.UTC(), false, nil
}

// recurrenceRule returns the first RRULE line without its property name.
func recurrenceRule(lines []string) string {
	for _, line := range lines {
		if rule, ok := strings.CutPrefix(line, "RRULE:"); ok {
			return rule
		}
	}
	return ""
}

// parseHexColor converts #RRGGBB to opaque packed ARGB.
func parseHexColor(s string) (int, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return 0, false
	}
	rgb, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false
	}
	return int(0xFF000000 | rgb), true
}
