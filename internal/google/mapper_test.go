package google

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/macjediwizard/wallsync/internal/db"
)

func TestFromGoogle(t *testing.T) {
	t.Run("timed event", func(t *testing.T) {
		remote, err := FromGoogle(&calendar.Event{
			Id:          "abc",
			Etag:        `"42"`,
			Summary:     "Dentist",
			Description: "Bring card",
			Location:    "Main St",
			Start:       &calendar.EventDateTime{DateTime: "2026-03-10T09:00:00-05:00"},
			End:         &calendar.EventDateTime{DateTime: "2026-03-10T10:00:00-05:00"},
			Updated:     "2026-02-01T12:00:00Z",
		})
		if err != nil {
			t.Fatalf("FromGoogle failed: %v", err)
		}

		event := remote.Event
		if event.RemoteID != "abc" || event.ETag != `"42"` || event.Title != "Dentist" {
			t.Errorf("unexpected event %+v", event)
		}
		if event.Description != "Bring card" || event.Location != "Main St" || event.AllDay {
			t.Errorf("unexpected event %+v", event)
		}
		if !event.StartTime.Equal(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected start %v", event.StartTime)
		}
		if event.EndTime.Sub(event.StartTime) != time.Hour {
			t.Errorf("unexpected end %v", event.EndTime)
		}
		if !remote.Modified.Equal(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected modified %v", remote.Modified)
		}
	})

	t.Run("all-day recurring event", func(t *testing.T) {
		remote, err := FromGoogle(&calendar.Event{
			Id:         "bday",
			Summary:    "Birthday",
			Start:      &calendar.EventDateTime{Date: "2026-06-01"},
			End:        &calendar.EventDateTime{Date: "2026-06-02"},
			Recurrence: []string{"EXDATE;VALUE=DATE:20270601", "RRULE:FREQ=YEARLY"},
		})
		if err != nil {
			t.Fatalf("FromGoogle failed: %v", err)
		}
		if !remote.Event.AllDay || remote.Event.RecurrenceRule != "FREQ=YEARLY" {
			t.Errorf("unexpected event %+v", remote.Event)
		}
		if !remote.Event.StartTime.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected start %v", remote.Event.StartTime)
		}
		if !remote.Modified.IsZero() {
			t.Errorf("expected no modification time, got %v", remote.Modified)
		}
	})

	t.Run("missing end defaults to one day for all-day", func(t *testing.T) {
		remote, err := FromGoogle(&calendar.Event{Id: "x", Start: &calendar.EventDateTime{Date: "2026-06-01"}})
		if err != nil {
			t.Fatalf("FromGoogle failed: %v", err)
		}
		if remote.Event.EndTime.Sub(remote.Event.StartTime) != 24*time.Hour {
			t.Errorf("unexpected end %v", remote.Event.EndTime)
		}
	})

	testCases := []struct {
		name  string
		event *calendar.Event
	}{
		{"missing id", &calendar.Event{Start: &calendar.EventDateTime{Date: "2026-06-01"}}},
		{"missing start", &calendar.Event{Id: "x"}},
		{"bad date", &calendar.Event{Id: "x", Start: &calendar.EventDateTime{Date: "June 1"}}},
		{"empty start", &calendar.Event{Id: "x", Start: &calendar.EventDateTime{}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromGoogle(tc.event); !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestToGoogle(t *testing.T) {
	t.Run("timed event", func(t *testing.T) {
		start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
		out := ToGoogle(&db.Event{
			Title:          "Standup",
			Location:       "Room 1",
			StartTime:      start,
			EndTime:        start.Add(30 * time.Minute),
			RecurrenceRule: "FREQ=DAILY;COUNT=5",
		})

		if out.Summary != "Standup" || out.Location != "Room 1" {
			t.Errorf("unexpected event %+v", out)
		}
		if out.Start.DateTime != "2026-03-10T09:00:00Z" || out.End.DateTime != "2026-03-10T09:30:00Z" {
			t.Errorf("unexpected times %+v %+v", out.Start, out.End)
		}
		if len(out.Recurrence) != 1 || out.Recurrence[0] != "RRULE:FREQ=DAILY;COUNT=5" {
			t.Errorf("unexpected recurrence %v", out.Recurrence)
		}
	})

	t.Run("all-day event gets an exclusive end date", func(t *testing.T) {
		day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
		out := ToGoogle(&db.Event{Title: "Holiday", StartTime: day, EndTime: day, AllDay: true})

		if out.Start.Date != "2026-06-01" || out.End.Date != "2026-06-02" {
			t.Errorf("unexpected dates %+v %+v", out.Start, out.End)
		}
		if out.Start.DateTime != "" {
			t.Error("all-day events must not carry a date-time")
		}
	})

	t.Run("round trips through FromGoogle", func(t *testing.T) {
		start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
		out := ToGoogle(&db.Event{Title: "Standup", StartTime: start, EndTime: start.Add(time.Hour)})
		out.Id = "id"

		back, err := FromGoogle(out)
		if err != nil {
			t.Fatalf("FromGoogle failed: %v", err)
		}
		if back.Event.Title != "Standup" || !back.Event.StartTime.Equal(start) {
			t.Errorf("unexpected round trip %+v", back.Event)
		}
	})
}

func TestLocalCalendar(t *testing.T) {
	testCases := []struct {
		name     string
		entry    *calendar.CalendarListEntry
		wantName string
		color    int
		readOnly bool
	}{
		{
			name:     "owner with color",
			entry:    &calendar.CalendarListEntry{Id: "me", Summary: "Me", BackgroundColor: "#16a765", AccessRole: "owner"},
			wantName: "Me",
			color:    0xFF16A765,
		},
		{
			name:     "override name and reader",
			entry:    &calendar.CalendarListEntry{Id: "shared", Summary: "Team", SummaryOverride: "Work team", AccessRole: "reader"},
			wantName: "Work team",
			color:    defaultCalendarColor,
			readOnly: true,
		},
		{
			name:     "free busy only",
			entry:    &calendar.CalendarListEntry{Id: "boss", BackgroundColor: "blue", AccessRole: "freeBusyReader"},
			wantName: "boss",
			color:    defaultCalendarColor,
			readOnly: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cal := localCalendar(tc.entry, "me@gmail.com")
			if cal.Name != tc.wantName || cal.Color != tc.color || cal.IsReadOnly != tc.readOnly {
				t.Errorf("unexpected calendar %+v", cal)
			}
			if cal.ProviderType != db.ProviderGoogle || cal.ID != tc.entry.Id || cal.AccountEmail != "me@gmail.com" {
				t.Errorf("unexpected calendar identity %+v", cal)
			}
		})
	}
}
