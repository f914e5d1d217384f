package caldav

import (
	"context"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"nextmeet/internal/backend"
	appLog "nextmeet/internal/log"
	"nextmeet/internal/model"
	"nextmeet/internal/vevent"
)

// Safety cap so a pathological RRULE cannot blow up a one-day expansion.
const maxOccurrencesPerEvent = 1000

// ExpandRecurrences expands every event in the collection over
// [windowStart, windowEnd) into concrete occurrences.
//
// A recurrence slot replaced by a detached override is reported as the
// override, carrying its recurrence anchor, with declared times taken from
// the anchor slot. This mirrors how calendar servers report rescheduled
// overrides through their expansion interface: the declared times are NOT
// trustworthy for overrides and must be re-derived from RawEncodedForm.
// Overrides whose anchor lies outside the window are not reported at all,
// even when their true date falls inside it; recovering those is the
// reschedule index's job.
func (c *Client) ExpandRecurrences(ctx context.Context, windowStart, windowEnd time.Time) ([]model.RawOccurrence, error) {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
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
</C:calendar-query>`,
		windowStart.UTC().Format("20060102T150405Z"),
		windowEnd.UTC().Format("20060102T150405Z"))

	payloads, err := c.calendarData(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: expand query %s: %v", backend.ErrTransport, c.src.ID, err)
	}

	out := make([]model.RawOccurrence, 0)
	for _, payload := range payloads {
		occ := c.expandPayload(payload, windowStart, windowEnd)
		out = append(out, occ...)
	}
	return out, nil
}

// expandPayload expands the VEVENTs of one calendar object. A payload holds
// one series: a master plus zero or more detached overrides, or a single
// non-recurring event.
func (c *Client) expandPayload(payload string, windowStart, windowEnd time.Time) []model.RawOccurrence {
	events, err := vevent.Decode([]byte(payload))
	if err != nil {
		appLog.Debug("skipping undecodable calendar object", "source", c.src.ID, "err", err)
		return nil
	}

	masters := make([]vevent.Event, 0, 1)
	overrides := make([]vevent.Event, 0)
	for _, ev := range events {
		if ev.IsOverride() {
			overrides = append(overrides, ev)
		} else {
			masters = append(masters, ev)
		}
	}

	out := make([]model.RawOccurrence, 0)
	emittedAnchors := make(map[string]bool)

	for _, ev := range masters {
		if ev.RawRRule == "" {
			end := ev.End
			if !end.After(ev.Start) {
				// No resolvable DTEND; assume a default duration so the
				// event still overlaps its own start.
				end = ev.Start.Add(defaultDuration(ev))
			}
			if overlaps(ev.Start, end, windowStart, windowEnd) {
				out = append(out, model.RawOccurrence{
					OwnerUID:       ev.UID,
					DeclaredStart:  ev.Start,
					DeclaredEnd:    end,
					RawEncodedForm: payload,
				})
			}
			continue
		}
		out = append(out, c.expandMaster(ev, overrides, payload, windowStart, windowEnd, emittedAnchors)...)
	}

	// Overrides anchored in the window whose slot the master expansion did
	// not produce (master missing, or the slot excluded by EXDATE).
	for _, ov := range overrides {
		anchor := *ov.RecurrenceID
		if emittedAnchors[ov.UID+"/"+anchor.UTC().Format(time.RFC3339)] {
			continue
		}
		if anchor.Before(windowStart) || !anchor.Before(windowEnd) {
			continue
		}
		a := anchor
		out = append(out, model.RawOccurrence{
			OwnerUID:         ov.UID,
			RecurrenceAnchor: &a,
			DeclaredStart:    anchor,
			DeclaredEnd:      anchor.Add(defaultDuration(ov)),
			RawEncodedForm:   payload,
		})
	}

	return out
}

func (c *Client) expandMaster(ev vevent.Event, overrides []vevent.Event, payload string, windowStart, windowEnd time.Time, emittedAnchors map[string]bool) []model.RawOccurrence {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Debug("unparseable RRULE", "source", c.src.ID, "uid", ev.UID, "rrule", ev.RawRRule, "err", err)
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	rangeStart := windowStart.In(ev.Start.Location())
	rangeEnd := windowEnd.In(ev.Start.Location())

	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > maxOccurrencesPerEvent {
		occTimes = occTimes[:maxOccurrencesPerEvent]
		appLog.Error("recurrence expansion truncated", fmt.Errorf("cap of %d reached", maxOccurrencesPerEvent), "uid", ev.UID)
	}

	dur := defaultDuration(ev)
	out := make([]model.RawOccurrence, 0, len(occTimes))

	for _, occStart := range occTimes {
		var occEnd time.Time
		if ev.AllDay {
			date := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occStart = date
			occEnd = date.Add(24 * time.Hour)
		} else {
			occEnd = occStart.Add(dur)
		}

		if ov, ok := overrideForSlot(overrides, occStart); ok {
			a := occStart
			emittedAnchors[ev.UID+"/"+a.UTC().Format(time.RFC3339)] = true
			out = append(out, model.RawOccurrence{
				OwnerUID:         ev.UID,
				RecurrenceAnchor: &a,
				DeclaredStart:    occStart,
				DeclaredEnd:      occStart.Add(defaultDuration(ov)),
				RawEncodedForm:   payload,
			})
			continue
		}

		out = append(out, model.RawOccurrence{
			OwnerUID:       ev.UID,
			DeclaredStart:  occStart,
			DeclaredEnd:    occEnd,
			RawEncodedForm: payload,
		})
	}

	return out
}

// overrideForSlot finds an override whose RECURRENCE-ID matches the given
// recurrence slot with exact time equality.
func overrideForSlot(overrides []vevent.Event, slot time.Time) (vevent.Event, bool) {
	for _, ov := range overrides {
		if ov.RecurrenceID != nil && ov.RecurrenceID.In(slot.Location()).Equal(slot) {
			return ov, true
		}
	}
	return vevent.Event{}, false
}

func defaultDuration(ev vevent.Event) time.Duration {
	if d := ev.End.Sub(ev.Start); d > 0 {
		return d
	}
	if ev.AllDay {
		return 24 * time.Hour
	}
	return time.Hour
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aEnd.After(bStart) {
		return false
	}
	if !bEnd.After(aStart) {
		return false
	}
	return true
}
