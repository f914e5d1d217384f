package caldav

import (
	"context"
	"fmt"

	"nextmeet/internal/backend"
	appLog "nextmeet/internal/log"
	"nextmeet/internal/model"
	"nextmeet/internal/vevent"
)

// QueryAnomalyCandidates fetches every object that carries recurrence
// information or is a detached override. The server-side filter is a plain
// VEVENT query; the recurrence predicate is applied client-side because
// CalDAV prop-filters on RRULE presence are not portable across servers.
func (c *Client) QueryAnomalyCandidates(ctx context.Context) ([]model.RawOccurrence, error) {
	const body = `<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT"/>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`

	payloads, err := c.calendarData(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			// Canceled: empty result, not an error.
			return nil, nil
		}
		return nil, fmt.Errorf("%w: anomaly query %s: %v", backend.ErrTransport, c.src.ID, err)
	}

	out := make([]model.RawOccurrence, 0)
	for _, payload := range payloads {
		events, derr := vevent.Decode([]byte(payload))
		if derr != nil {
			appLog.Debug("skipping undecodable calendar object", "source", c.src.ID, "err", derr)
			continue
		}
		for _, ev := range events {
			if ev.RawRRule == "" && ev.RecurrenceID == nil {
				continue
			}
			out = append(out, model.RawOccurrence{
				OwnerUID:         ev.UID,
				RecurrenceAnchor: ev.RecurrenceID,
				DeclaredStart:    ev.Start,
				DeclaredEnd:      ev.End,
				RawEncodedForm:   payload,
			})
		}
	}
	return out, nil
}

// calendarData runs a REPORT and collects the calendar-data payload of every
// response that carries one.
func (c *Client) calendarData(ctx context.Context, reportBody string) ([]string, error) {
	ms, err := c.request(ctx, "REPORT", "1", reportBody)
	if err != nil {
		return nil, err
	}

	payloads := make([]string, 0, len(ms.Responses))
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstats {
			if ps.Prop.CalendarData != "" {
				payloads = append(payloads, ps.Prop.CalendarData)
			}
		}
	}
	return payloads, nil
}
