// Package agenda turns stored events into the concrete occurrences shown on
// the display.
package agenda

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/macjediwizard/wallsync/internal/db"
)

const defaultMaxOccurrences = 1000

var (
	ErrInvalidRange = errors.New("range end is before range start")
	ErrInvalidRule  = errors.New("invalid recurrence rule")
)

// Occurrence is one instance of an event inside the requested window.
type Occurrence struct {
	EventID    string    `json:"event_id"`
	CalendarID string    `json:"calendar_id"`
	Title      string    `json:"title"`
	Location   string    `json:"location,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	AllDay     bool      `json:"all_day"`
	Recurring  bool      `json:"recurring"`
}

// Options controls expansion.
type Options struct {
	From time.Time
	To   time.Time
	// Location is applied to every occurrence. Nil means time.Local.
	Location *time.Location
	// MaxOccurrences caps instances per recurring event. Zero means 1000.
	MaxOccurrences int
}

// Expand returns the occurrences of events overlapping [From, To), sorted by
// start time. Events whose rule does not parse are shown once at their stored
// time.
func Expand(events []*db.Event, opts Options) ([]Occurrence, error) {
	if opts.To.Before(opts.From) {
		return nil, ErrInvalidRange
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = defaultMaxOccurrences
	}

	out := make([]Occurrence, 0, len(events))
	for _, event := range events {
		if event.IsDeleted {
			continue
		}
		out = append(out, expandEvent(event, opts)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].Title < out[j].Title
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

// ValidateRule checks that rule is a bare RRULE value the expander can use.
func ValidateRule(rule string) error {
	if rule == "" {
		return nil
	}
	ropt, err := rrule.StrToROption(rule)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	if _, err := rrule.NewRRule(*ropt); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	return nil
}

func expandEvent(event *db.Event, opts Options) []Occurrence {
	if event.RecurrenceRule == "" {
		if !overlaps(event.StartTime, event.EndTime, opts.From, opts.To) {
			return nil
		}
		return []Occurrence{occurrence(event, event.StartTime, event.EndTime, false, opts.Location)}
	}

	ropt, err := rrule.StrToROption(event.RecurrenceRule)
	if err != nil {
		log.Printf("Failed to parse recurrence rule for event %s: %v", event.ID, err)
		if !overlaps(event.StartTime, event.EndTime, opts.From, opts.To) {
			return nil
		}
		return []Occurrence{occurrence(event, event.StartTime, event.EndTime, false, opts.Location)}
	}
	ropt.Dtstart = event.StartTime

	rule, err := rrule.NewRRule(*ropt)
	if err != nil {
		log.Printf("Failed to build recurrence rule for event %s: %v", event.ID, err)
		return nil
	}

	duration := event.EndTime.Sub(event.StartTime)
	// Instances that started before the window may still be running inside it.
	starts := rule.Between(opts.From.Add(-duration), opts.To, true)
	if len(starts) > opts.MaxOccurrences {
		log.Printf("Truncated occurrences of event %s to %d", event.ID, opts.MaxOccurrences)
		starts = starts[:opts.MaxOccurrences]
	}

	excluded := make(map[int64]bool, len(event.ExDates))
	for _, t := range event.ExDates {
		excluded[t.Unix()] = true
	}

	out := make([]Occurrence, 0, len(starts))
	for _, start := range starts {
		if excluded[start.Unix()] {
			continue
		}
		end := start.Add(duration)
		if !overlaps(start, end, opts.From, opts.To) {
			continue
		}
		out = append(out, occurrence(event, start, end, true, opts.Location))
	}
	return out
}

func occurrence(event *db.Event, start, end time.Time, recurring bool, loc *time.Location) Occurrence {
	if !event.AllDay {
		start = start.In(loc)
		end = end.In(loc)
	}
	return Occurrence{
		EventID:    event.ID,
		CalendarID: event.CalendarID,
		Title:      event.Title,
		Location:   event.Location,
		Start:      start,
		End:        end,
		AllDay:     event.AllDay,
		Recurring:  recurring,
	}
}

// overlaps reports whether [start, end) intersects [from, to). Zero-length
// events count when they start inside the window.
func overlaps(start, end, from, to time.Time) bool {
	if !start.Before(to) {
		return false
	}
	if end.After(start) {
		return end.After(from)
	}
	return !start.Before(from)
}
