package caldav

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/macjediwizard/wallsync/internal/db"
	"github.com/macjediwizard/wallsync/internal/syncer"
)

var ErrMalformedContent = errors.New("malformed calendar content")

const productID = "-//wallsync//CalDAV sync//EN"

// DecodeEvent parses the calendar data of a resource into local event fields.
// The master VEVENT is used and overrides are kept only in the raw data. A
// resource without UID falls back to the UID embedded in its href.
func DecodeEvent(res EventResource) (syncer.RemoteEvent, error) {
	cal, err := parseICalendar(res.ICalData)
	if err != nil {
		return syncer.RemoteEvent{}, fmt.Errorf("%w: %s: %w", ErrMalformedContent, res.Href, err)
	}

	events := cal.Events()
	if len(events) == 0 {
		return syncer.RemoteEvent{}, fmt.Errorf("%w: %s: no VEVENT", ErrMalformedContent, res.Href)
	}
	vevent := masterEvent(events)

	uid, _ := vevent.Props.Text(ical.PropUID)
	if uid == "" {
		uid = UIDFromHref(res.Href)
	}

	start, allDay, err := propTime(vevent.Props.Get(ical.PropDateTimeStart))
	if err != nil {
		return syncer.RemoteEvent{}, fmt.Errorf("%w: %s: DTSTART: %w", ErrMalformedContent, res.Href, err)
	}

	end, err := eventEnd(vevent, start, allDay)
	if err != nil {
		return syncer.RemoteEvent{}, fmt.Errorf("%w: %s: DTEND: %w", ErrMalformedContent, res.Href, err)
	}

	summary, _ := vevent.Props.Text(ical.PropSummary)
	description, _ := vevent.Props.Text(ical.PropDescription)
	location, _ := vevent.Props.Text(ical.PropLocation)

	event := &db.Event{
		RemoteID:       uid,
		RemoteHref:     res.Href,
		Title:          summary,
		Description:    description,
		Location:       location,
		StartTime:      start,
		EndTime:        end,
		AllDay:         allDay,
		RecurrenceRule: recurrenceRule(vevent, res.Href),
		ETag:           res.ETag,
		RawICal:        res.ICalData,
	}
	if event.RecurrenceRule != "" {
		event.ExDates = exDates(vevent, res.Href)
	}

	return syncer.RemoteEvent{Event: event, Modified: lastModified(vevent)}, nil
}

// EncodeEvent renders a local event as iCalendar. When the event carries the
// resource it was downloaded from, only the locally edited properties of its
// master VEVENT are replaced; alarms, attendees, exceptions and overrides
// are sent back untouched.
func EncodeEvent(event *db.Event, uid string, now time.Time) (string, error) {
	if event.RawICal != "" {
		data, err := patchICalendar(event, uid, now)
		if err == nil {
			return data, nil
		}
		log.Printf("Re-encoding event %s from scratch: %v", event.ID, err)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	vevent := ical.NewEvent()
	setEventProps(vevent.Props, event, uid, now)
	cal.Children = append(cal.Children, vevent.Component)

	return encodeCalendar(cal)
}

func patchICalendar(event *db.Event, uid string, now time.Time) (string, error) {
	cal, err := parseICalendar(event.RawICal)
	if err != nil {
		return "", err
	}

	var master *ical.Component
	kept := cal.Children[:0]
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent && child.Props.Get(ical.PropRecurrenceID) != nil {
			// Overrides only make sense while the event still recurs
			if event.RecurrenceRule == "" {
				continue
			}
		} else if child.Name == ical.CompEvent && master == nil {
			master = child
		}
		kept = append(kept, child)
	}
	if master == nil {
		return "", errors.New("no master VEVENT")
	}
	cal.Children = kept

	setEventProps(master.Props, event, uid, now)
	return encodeCalendar(cal)
}

// setEventProps writes the locally mapped fields into props.
func setEventProps(props ical.Props, event *db.Event, uid string, now time.Time) {
	props.SetText(ical.PropUID, uid)
	props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	if !event.UpdatedAt.IsZero() {
		props.SetDateTime(ical.PropLastModified, event.UpdatedAt.UTC())
	}

	props.Del(ical.PropDuration)
	if event.AllDay {
		props.SetDate(ical.PropDateTimeStart, event.StartTime)
		end := event.EndTime
		if !end.After(event.StartTime) {
			end = event.StartTime.AddDate(0, 0, 1)
		}
		props.SetDate(ical.PropDateTimeEnd, end)
	} else {
		props.SetDateTime(ical.PropDateTimeStart, event.StartTime.UTC())
		props.SetDateTime(ical.PropDateTimeEnd, event.EndTime.UTC())
	}

	props.SetText(ical.PropSummary, event.Title)
	setOptionalText(props, ical.PropDescription, event.Description)
	setOptionalText(props, ical.PropLocation, event.Location)

	if event.RecurrenceRule == "" {
		props.Del(ical.PropRecurrenceRule)
		props.Del(ical.PropExceptionDates)
		props.Del(ical.PropRecurrenceDates)
		return
	}
	if current := props.Get(ical.PropRecurrenceRule); current == nil || strings.TrimSpace(current.Value) != event.RecurrenceRule {
		prop := ical.NewProp(ical.PropRecurrenceRule)
		prop.Value = event.RecurrenceRule
		props.Set(prop)
	}
}

func setOptionalText(props ical.Props, name, value string) {
	if value == "" {
		props.Del(name)
		return
	}
	props.SetText(name, value)
}

func encodeCalendar(cal *ical.Calendar) (string, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}
	return buf.String(), nil
}

// UIDFromHref returns the resource name of href without the .ics suffix.
func UIDFromHref(href string) string {
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		href = u.EscapedPath()
	}
	name := strings.TrimSuffix(href, "/")
	if idx := strings.LastIndex(name, "/"); idx != -1 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, ".ics")
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return name
}

// parseICalendar parses iCalendar data string into a calendar object.
func parseICalendar(data string) (*ical.Calendar, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, errors.New("empty calendar data")
	}
	dec := ical.NewDecoder(strings.NewReader(data + "\r\n"))
	cal, err := dec.Decode()
	if err != nil {
		return nil, err
	}
	return cal, nil
}

func eventEnd(vevent ical.Event, start time.Time, allDay bool) (time.Time, error) {
	if prop := vevent.Props.Get(ical.PropDateTimeEnd); prop != nil {
		end, _, err := propTime(prop)
		return end, err
	}
	if prop := vevent.Props.Get(ical.PropDuration); prop != nil {
		d, err := prop.Duration()
		if err != nil {
			return time.Time{}, err
		}
		return start.Add(d), nil
	}
	if allDay {
		return start.AddDate(0, 0, 1), nil
	}
	return start, nil
}

// masterEvent returns the first VEVENT that is not an override of a single
// occurrence, or the first VEVENT when all of them are.
func masterEvent(events []ical.Event) ical.Event {
	for _, e := range events {
		if e.Props.Get(ical.PropRecurrenceID) == nil {
			return e
		}
	}
	return events[0]
}

// exDates collects the instants removed by the EXDATE properties. Each
// property may list several comma-separated values.
func exDates(vevent ical.Event, href string) []time.Time {
	var out []time.Time
	for _, prop := range vevent.Props.Values(ical.PropExceptionDates) {
		for _, value := range strings.Split(prop.Value, ",") {
			single := prop
			single.Value = strings.TrimSpace(value)
			t, _, err := propTime(&single)
			if err != nil {
				log.Printf("Ignoring invalid EXDATE %q on %s: %v", value, href, err)
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

// recurrenceRule returns the RRULE value if it parses, "" otherwise.
func recurrenceRule(vevent ical.Event, href string) string {
	prop := vevent.Props.Get(ical.PropRecurrenceRule)
	if prop == nil {
		return ""
	}
	value := strings.TrimSpace(prop.Value)
	if _, err := rrule.StrToROption(value); err != nil {
		log.Printf("Ignoring invalid RRULE on %s: %v", href, err)
		return ""
	}
	return value
}

// lastModified returns LAST-MODIFIED, falling back to DTSTAMP, or zero.
func lastModified(vevent ical.Event) time.Time {
	for _, name := range []string{ical.PropLastModified, ical.PropDateTimeStamp} {
		if prop := vevent.Props.Get(name); prop != nil {
			if t, _, err := propTime(prop); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// propTime converts a date or date-time property to an instant. Dates are
// all-day and map to midnight UTC. TZIDs that are not IANA names are tried as
// GMT offsets; floating times are read in the local zone.
func propTime(prop *ical.Prop) (time.Time, bool, error) {
	if prop == nil {
		return time.Time{}, false, errors.New("missing property")
	}

	value := strings.TrimSpace(prop.Value)

	if prop.ValueType() == ical.ValueDate || len(value) == len("20060102") {
		t, err := time.ParseInLocation("20060102", value, time.UTC)
		return t, true, err
	}

	// Check for UTC format (ends with Z)
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		return t, false, err
	}

	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			loc = parseGMTOffset(tzid)
		}
		if loc == nil {
			// Try the go-ical library method as fallback
			t, err := prop.DateTime(time.UTC)
			return t, false, err
		}
		t, err := time.ParseInLocation("20060102T150405", value, loc)
		return t, false, err
	}

	t, err := time.ParseInLocation("20060102T150405", value, time.Local)
	return t, false, err
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	matched := false
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	}

	// Handle formats: "0400", "04:00", "4", "04"
	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	switch len(offset) {
	case 1, 2:
		fmt.Sscanf(offset, "%d", &hours)
	case 3:
		fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}

	totalSeconds := sign * (hours*3600 + minutes*60)
	return time.FixedZone(tzid, totalSeconds)
}
