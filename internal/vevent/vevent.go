// Package vevent decodes the backend's native iCalendar serialization of an
// occurrence. Detached overrides that were rescheduled report their anchor's
// time, not their true time, through the backend's post-expansion accessors;
// the values decoded here from the raw payload are the only ones the
// resolution pipeline trusts for anomaly detection.
package vevent

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// Attendee is one ATTENDEE entry with its participation response.
type Attendee struct {
	// Address is the attendee's address with any "mailto:" prefix stripped,
	// lowercased.
	Address  string
	PartStat string // raw PARTSTAT value, e.g. "ACCEPTED", "DECLINED"
}

// Event is the decoded form of a single VEVENT.
type Event struct {
	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	// Start / End are the event's true times as encoded in the payload,
	// in the event's own timezone.
	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule     string
	ExDates      []time.Time
	RecurrenceID *time.Time // set iff this VEVENT is a detached override

	Attendees []Attendee
}

// IsOverride reports whether this VEVENT is a detached override of a
// recurring instance.
func (e Event) IsOverride() bool { return e.RecurrenceID != nil }

// Decode parses an iCalendar payload into its VEVENTs. Malformed VEVENTs
// are skipped; an error is returned only when the payload as a whole cannot
// be parsed.
func Decode(body []byte) ([]Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty iCalendar body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(cal.Events()))
	for _, comp := range cal.Events() {
		ev, perr := decodeVEvent(comp)
		if perr != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Override returns the decoded override VEVENT for the given series UID and
// recurrence anchor from the payload, or false when no VEVENT matches.
func Override(body []byte, uid string, anchor time.Time) (Event, bool) {
	events, err := Decode(body)
	if err != nil {
		return Event{}, false
	}
	series := make([]Event, 0, 1)
	for _, ev := range events {
		if ev.UID == uid && ev.RecurrenceID != nil {
			series = append(series, ev)
		}
	}
	for _, ev := range series {
		if ev.RecurrenceID.Equal(anchor) {
			return ev, true
		}
	}
	// Some servers re-serialize the RECURRENCE-ID into a different zone
	// representation, defeating exact equality. Match on the anchor's
	// calendar date instead, but only when a single override lands there.
	const layoutDate = "20060102"
	want := anchor.Format(layoutDate)
	sameDate := make([]Event, 0, 1)
	for _, ev := range series {
		if ev.RecurrenceID.In(anchor.Location()).Format(layoutDate) == want {
			sameDate = append(sameDate, ev)
		}
	}
	if len(sameDate) == 1 {
		return sameDate[0], true
	}
	if len(series) == 1 {
		return series[0], true
	}
	return Event{}, false
}

func decodeVEvent(ve *ical.VEvent) (Event, error) {
	var out Event

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	// DTSTART / DTEND via the library's timezone handling.
	start, _ := ve.GetStartAt()
	end, _ := ve.GetEndAt()
	out.Start = start
	out.End = end

	// All-day: VALUE=DATE or a date-only value form.
	if dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart); dtStartProp != nil {
		if params := dtStartProp.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.AllDay = true
			}
		}
		if !strings.Contains(dtStartProp.Value, "T") {
			out.AllDay = true
		}
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTimeWith(part, p.ICalParameters); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty("RECURRENCE-ID"); ridProp != nil {
		if t, err := parseICSTimeWith(ridProp.Value, ridProp.ICalParameters); err == nil {
			out.RecurrenceID = &t
		}
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyAttendee) {
		addr := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(p.Value), "mailto:"))
		if addr == "" {
			continue
		}
		att := Attendee{Address: addr}
		if params := p.ICalParameters; params != nil {
			if ps, ok := params["PARTSTAT"]; ok && len(ps) > 0 {
				att.PartStat = strings.ToUpper(ps[0])
			}
		}
		out.Attendees = append(out.Attendees, att)
	}

	return out, nil
}

// parseICSTimeWith parses a date/date-time value honoring a TZID parameter
// on the property, falling back to ParseICSTime when the parameter is absent
// or its zone cannot be loaded.
func parseICSTimeWith(v string, params map[string][]string) (time.Time, error) {
	if params != nil {
		if tz, ok := params["TZID"]; ok && len(tz) > 0 {
			if loc, err := time.LoadLocation(tz[0]); err == nil {
				v = strings.TrimSpace(v)
				if strings.Contains(v, "T") {
					return time.ParseInLocation("20060102T150405", v, loc)
				}
				return time.ParseInLocation("20060102", v, loc)
			}
		}
	}
	return ParseICSTime(v)
}

// ParseICSTime parses a basic ICS date/date-time string into time.Time.
// UTC ("...Z"), floating local date-time, and date-only forms are handled;
// values carrying a TZID parameter go through parseICSTimeWith instead.
func ParseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		const layout = "20060102T150405Z"
		return time.Parse(layout, v)
	}

	if strings.Contains(v, "T") {
		const layout = "20060102T150405"
		return time.ParseInLocation(layout, v, time.Local)
	}

	const layoutDate = "20060102"
	return time.ParseInLocation(layoutDate, v, time.Local)
}
