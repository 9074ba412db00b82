package agenda

import (
	"errors"
	"testing"
	"time"

	"github.com/macjediwizard/wallsync/internal/db"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func timed(id, title string, start time.Time, d time.Duration, rule string) *db.Event {
	return &db.Event{
		ID:             id,
		CalendarID:     "cal",
		Title:          title,
		StartTime:      start,
		EndTime:        start.Add(d),
		RecurrenceRule: rule,
	}
}

func TestExpand(t *testing.T) {
	week := Options{From: monday, To: monday.AddDate(0, 0, 7), Location: time.UTC}

	testCases := []struct {
		name   string
		events []*db.Event
		want   []time.Time
	}{
		{
			name:   "single event inside window",
			events: []*db.Event{timed("a", "Dentist", monday.Add(10*time.Hour), time.Hour, "")},
			want:   []time.Time{monday.Add(10 * time.Hour)},
		},
		{
			name:   "single event outside window",
			events: []*db.Event{timed("a", "Dentist", monday.AddDate(0, 0, 8), time.Hour, "")},
		},
		{
			name:   "event running into the window",
			events: []*db.Event{timed("a", "Night shift", monday.Add(-2*time.Hour), 4*time.Hour, "")},
			want:   []time.Time{monday.Add(-2 * time.Hour)},
		},
		{
			name:   "daily rule started before the window",
			events: []*db.Event{timed("a", "Standup", monday.AddDate(0, 0, -10).Add(9*time.Hour), 15*time.Minute, "FREQ=DAILY;COUNT=13")},
			want: []time.Time{
				monday.Add(9 * time.Hour),
				monday.AddDate(0, 0, 1).Add(9 * time.Hour),
				monday.AddDate(0, 0, 2).Add(9 * time.Hour),
			},
		},
		{
			name:   "weekly rule by day",
			events: []*db.Event{timed("a", "Piano", monday.Add(17*time.Hour), time.Hour, "FREQ=WEEKLY;BYDAY=MO,TH")},
			want:   []time.Time{monday.Add(17 * time.Hour), monday.AddDate(0, 0, 3).Add(17 * time.Hour)},
		},
		{
			name: "excluded dates are skipped",
			events: []*db.Event{func() *db.Event {
				e := timed("a", "Standup", monday.Add(9*time.Hour), 15*time.Minute, "FREQ=DAILY;COUNT=5")
				e.ExDates = []time.Time{monday.AddDate(0, 0, 1).Add(9 * time.Hour), monday.AddDate(0, 0, 3).Add(9 * time.Hour)}
				return e
			}()},
			want: []time.Time{
				monday.Add(9 * time.Hour),
				monday.AddDate(0, 0, 2).Add(9 * time.Hour),
				monday.AddDate(0, 0, 4).Add(9 * time.Hour),
			},
		},
		{
			name:   "invalid rule shows the stored instance",
			events: []*db.Event{timed("a", "Odd", monday.Add(8*time.Hour), time.Hour, "FREQ=SOMETIMES")},
			want:   []time.Time{monday.Add(8 * time.Hour)},
		},
		{
			name: "tombstones are hidden",
			events: []*db.Event{{
				ID: "a", Title: "Gone", StartTime: monday.Add(time.Hour), EndTime: monday.Add(2 * time.Hour), IsDeleted: true,
			}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Expand(tc.events, week)
			if err != nil {
				t.Fatalf("Expand failed: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d occurrences, got %d: %+v", len(tc.want), len(got), got)
			}
			for i, start := range tc.want {
				if !got[i].Start.Equal(start) {
					t.Errorf("occurrence %d: expected %v, got %v", i, start, got[i].Start)
				}
			}
		})
	}
}

func TestExpandOrderingAndFields(t *testing.T) {
	events := []*db.Event{
		timed("late", "Late", monday.Add(20*time.Hour), time.Hour, ""),
		timed("rec", "Gym", monday.Add(7*time.Hour), time.Hour, "FREQ=DAILY"),
		{ID: "day", CalendarID: "cal", Title: "Holiday", StartTime: monday, EndTime: monday.AddDate(0, 0, 1), AllDay: true},
	}

	got, err := Expand(events, Options{From: monday, To: monday.AddDate(0, 0, 1), Location: time.UTC})
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 occurrences, got %+v", got)
	}
	if got[0].EventID != "day" || !got[0].AllDay {
		t.Errorf("expected all-day event first, got %+v", got[0])
	}
	if got[1].EventID != "rec" || !got[1].Recurring || got[1].End.Sub(got[1].Start) != time.Hour {
		t.Errorf("unexpected recurring occurrence %+v", got[1])
	}
	if got[2].EventID != "late" || got[2].Recurring {
		t.Errorf("unexpected single occurrence %+v", got[2])
	}
}

func TestExpandLimits(t *testing.T) {
	t.Run("caps occurrences per event", func(t *testing.T) {
		events := []*db.Event{timed("a", "Tick", monday, time.Minute, "FREQ=HOURLY")}
		got, err := Expand(events, Options{From: monday, To: monday.AddDate(0, 0, 7), MaxOccurrences: 5})
		if err != nil {
			t.Fatalf("Expand failed: %v", err)
		}
		if len(got) != 5 {
			t.Errorf("expected 5 occurrences, got %d", len(got))
		}
	})

	t.Run("rejects inverted range", func(t *testing.T) {
		_, err := Expand(nil, Options{From: monday, To: monday.Add(-time.Hour)})
		if !errors.Is(err, ErrInvalidRange) {
			t.Errorf("expected ErrInvalidRange, got %v", err)
		}
	})
}

func TestValidateRule(t *testing.T) {
	testCases := []struct {
		rule  string
		valid bool
	}{
		{"", true},
		{"FREQ=WEEKLY;BYDAY=MO,WE", true},
		{"FREQ=DAILY;COUNT=3", true},
		{"FREQ=SOMETIMES", false},
		{"not a rule", false},
	}

	for _, tc := range testCases {
		t.Run(tc.rule, func(t *testing.T) {
			err := ValidateRule(tc.rule)
			if tc.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.valid && !errors.Is(err, ErrInvalidRule) {
				t.Errorf("expected ErrInvalidRule, got %v", err)
			}
		})
	}
}
