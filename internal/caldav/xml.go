package caldav

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrParse is returned for multistatus bodies that are not valid XML.
var ErrParse = errors.New("malformed multistatus response")

const timeRangeFormat = "20060102T150405Z"

// RemoteCalendar is a calendar collection as listed by the server.
type RemoteCalendar struct {
	Href                string   `json:"href"`
	DisplayName         string   `json:"display_name"`
	Color               *int     `json:"color,omitempty"` // Packed ARGB
	SyncToken           string   `json:"sync_token,omitempty"`
	CTag                string   `json:"ctag,omitempty"`
	SupportedComponents []string `json:"supported_components,omitempty"`
	Order               int      `json:"order"`
	ReadOnly            bool     `json:"read_only"`
}

// SupportsEvents reports whether the calendar accepts VEVENT resources. An
// empty component set means the server places no restriction.
func (c RemoteCalendar) SupportsEvents() bool {
	if len(c.SupportedComponents) == 0 {
		return true
	}
	for _, comp := range c.SupportedComponents {
		if strings.EqualFold(comp, "VEVENT") {
			return true
		}
	}
	return false
}

// EventResource is one calendar object resource in a REPORT response.
type EventResource struct {
	Href     string `json:"href"`
	ETag     string `json:"etag,omitempty"`
	ICalData string `json:"ical_data,omitempty"`
	Status   int    `json:"status"`
}

// Deleted reports whether the server signalled the resource is gone.
func (r EventResource) Deleted() bool {
	return r.Status == 404
}

// SyncCollectionResponse is the parsed result of a sync-collection REPORT.
type SyncCollectionResponse struct {
	Events    []EventResource `json:"events"`
	SyncToken string          `json:"sync_token,omitempty"`
}

// XML structures for parsing multistatus responses
type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
	SyncToken string     `xml:"DAV: sync-token"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	PropStats []propstat `xml:"DAV: propstat"`
	Status    string     `xml:"DAV: status"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	ResourceType        *resourceType `xml:"DAV: resourcetype"`
	DisplayName         string        `xml:"DAV: displayname"`
	GetETag             string        `xml:"DAV: getetag"`
	SyncToken           string        `xml:"DAV: sync-token"`
	Privileges          *privilegeSet `xml:"DAV: current-user-privilege-set"`
	CTag                string        `xml:"http://calendarserver.org/ns/ getctag"`
	SupportedComponents *compSet      `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set"`
	CalendarData        string        `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
	Color               string        `xml:"http://apple.com/ns/ical/ calendar-color"`
	Order               string        `xml:"http://apple.com/ns/ical/ calendar-order"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
	Calendar   *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar"`
}

type compSet struct {
	Comps []struct {
		Name string `xml:"name,attr"`
	} `xml:"urn:ietf:params:xml:ns:caldav comp"`
}

type privilegeSet struct {
	Privileges []struct {
		All          *struct{} `xml:"DAV: all"`
		Write        *struct{} `xml:"DAV: write"`
		WriteContent *struct{} `xml:"DAV: write-content"`
		Bind         *struct{} `xml:"DAV: bind"`
	} `xml:"DAV: privilege"`
}

func (p *privilegeSet) canWrite() bool {
	for _, priv := range p.Privileges {
		if priv.All != nil || priv.Write != nil || priv.WriteContent != nil || priv.Bind != nil {
			return true
		}
	}
	return false
}

// BuildCalendarListRequest returns the PROPFIND body used to list calendars
// in a calendar home.
func BuildCalendarListRequest() string {
	return `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:CS="http://calendarserver.org/ns/" xmlns:ICAL="http://apple.com/ns/ical/">
  <D:prop>
    <D:resourcetype/>
    <D:displayname/>
    <D:current-user-privilege-set/>
    <CS:getctag/>
    <D:sync-token/>
    <C:supported-calendar-component-set/>
    <ICAL:calendar-color/>
    <ICAL:calendar-order/>
  </D:prop>
</D:propfind>`
}

// BuildSyncCollectionRequest returns a sync-collection REPORT body. An empty
// token asks for an initial sync.
func BuildSyncCollectionRequest(syncToken string) string {
	var tokenElement string
	if syncToken != "" {
		tokenElement = fmt.Sprintf("<D:sync-token>%s</D:sync-token>", xmlEscape(syncToken))
	} else {
		tokenElement = "<D:sync-token/>"
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<D:sync-collection xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  %s
  <D:sync-level>1</D:sync-level>
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
</D:sync-collection>`, tokenElement)
}

// BuildTimeRangeQueryRequest returns a calendar-query REPORT body selecting
// VEVENTs overlapping [start, end].
func BuildTimeRangeQueryRequest(start, end time.Time) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="%s" end="%s"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`, start.UTC().Format(timeRangeFormat), end.UTC().Format(timeRangeFormat))
}

// BuildMultigetRequest returns a calendar-multiget REPORT body for hrefs.
func BuildMultigetRequest(hrefs []string) string {
	var b strings.Builder
	for _, href := range hrefs {
		fmt.Fprintf(&b, "\n  <D:href>%s</D:href>", xmlEscape(href))
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-multiget xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>%s
</C:calendar-multiget>`, b.String())
}

// ParseCalendarListResponse extracts calendar collections from a PROPFIND
// response. Entries whose resource type is not a CalDAV calendar are skipped.
func ParseCalendarListResponse(body []byte) ([]RemoteCalendar, error) {
	ms, err := unmarshalMultistatus(body)
	if err != nil {
		return nil, err
	}

	calendars := make([]RemoteCalendar, 0, len(ms.Responses))
	for _, resp := range ms.Responses {
		p, ok := mergedProps(resp)
		if !ok || p.ResourceType == nil || p.ResourceType.Calendar == nil {
			continue
		}

		cal := RemoteCalendar{
			Href:        strings.TrimSpace(resp.Href),
			DisplayName: strings.TrimSpace(p.DisplayName),
			Color:       parseColor(p.Color),
			SyncToken:   strings.TrimSpace(p.SyncToken),
			CTag:        strings.TrimSpace(p.CTag),
		}
		if p.SupportedComponents != nil {
			for _, comp := range p.SupportedComponents.Comps {
				cal.SupportedComponents = append(cal.SupportedComponents, comp.Name)
			}
		}
		if order, err := strconv.Atoi(strings.TrimSpace(p.Order)); err == nil {
			cal.Order = order
		}
		if p.Privileges != nil {
			cal.ReadOnly = !p.Privileges.canWrite()
		}

		calendars = append(calendars, cal)
	}

	return calendars, nil
}

// ParseSyncResponse extracts event resources from a sync-collection,
// calendar-query or calendar-multiget response. Collection hrefs are skipped.
// Deleted resources carry status 404 and no data. Items without usable
// properties keep status 200 and empty data so callers fetch them again.
func ParseSyncResponse(body []byte) (*SyncCollectionResponse, error) {
	ms, err := unmarshalMultistatus(body)
	if err != nil {
		return nil, err
	}

	result := &SyncCollectionResponse{
		Events:    make([]EventResource, 0, len(ms.Responses)),
		SyncToken: syncTokenOf(ms),
	}

	for _, resp := range ms.Responses {
		href := strings.TrimSpace(resp.Href)
		if href == "" || strings.HasSuffix(href, "/") {
			continue
		}

		// Only the response-level status says whether the member exists.
		// A failed propstat means a property is missing, not the resource.
		item := EventResource{Href: href, Status: parseStatus(resp.Status)}
		if isSuccess(item.Status) {
			item.Status = 200
			if p, ok := mergedProps(resp); ok {
				item.ETag = strings.TrimSpace(p.GetETag)
				item.ICalData = strings.TrimSpace(p.CalendarData)
			}
		}

		result.Events = append(result.Events, item)
	}

	return result, nil
}

// ExtractSyncToken returns the sync token of a multistatus body, looking at
// the top level first and then inside property blocks. It returns "" when
// there is none or the body does not parse.
func ExtractSyncToken(body []byte) string {
	ms, err := unmarshalMultistatus(body)
	if err != nil {
		return ""
	}
	return syncTokenOf(ms)
}

func syncTokenOf(ms *multistatus) string {
	if token := strings.TrimSpace(ms.SyncToken); token != "" {
		return token
	}
	for _, resp := range ms.Responses {
		for _, ps := range resp.PropStats {
			if token := strings.TrimSpace(ps.Prop.SyncToken); token != "" {
				return token
			}
		}
	}
	return ""
}

func unmarshalMultistatus(body []byte) (*multistatus, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return &ms, nil
}

// mergedProps combines the properties of every successful propstat of a
// response. ok is false when no propstat succeeded.
func mergedProps(resp response) (prop, bool) {
	var merged prop
	ok := false

	for _, ps := range resp.PropStats {
		if !isSuccess(parseStatus(ps.Status)) {
			continue
		}
		ok = true
		p := ps.Prop
		if p.ResourceType != nil {
			merged.ResourceType = p.ResourceType
		}
		if p.Privileges != nil {
			merged.Privileges = p.Privileges
		}
		if p.SupportedComponents != nil {
			merged.SupportedComponents = p.SupportedComponents
		}
		merged.DisplayName = firstNonEmpty(merged.DisplayName, p.DisplayName)
		merged.GetETag = firstNonEmpty(merged.GetETag, p.GetETag)
		merged.SyncToken = firstNonEmpty(merged.SyncToken, p.SyncToken)
		merged.CTag = firstNonEmpty(merged.CTag, p.CTag)
		merged.CalendarData = firstNonEmpty(merged.CalendarData, p.CalendarData)
		merged.Color = firstNonEmpty(merged.Color, p.Color)
		merged.Order = firstNonEmpty(merged.Order, p.Order)
	}

	return merged, ok
}

// parseStatus reads the code out of an "HTTP/1.1 200 OK" status line. A
// missing line counts as 200; an unreadable one as 0.
func parseStatus(line string) int {
	line = strings.TrimSpace(line)
	if line == "" {
		return 200
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

// parseColor converts #RRGGBB or #RRGGBBAA to packed ARGB.
func parseColor(s string) *int {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")

	var argb uint64
	switch len(s) {
	case 6:
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return nil
		}
		argb = 0xFF000000 | v
	case 8:
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return nil
		}
		argb = (v&0xFF)<<24 | v>>8
	default:
		return nil
	}

	color := int(argb)
	return &color
}

// FormatColor converts packed ARGB back to #RRGGBBAA.
func FormatColor(argb int) string {
	v := uint32(argb)
	return fmt.Sprintf("#%06X%02X", v&0xFFFFFF, v>>24)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
