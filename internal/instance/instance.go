// Package instance turns raw backend occurrences into normalized, day-scoped
// EventInstance values.
package instance

import (
	"errors"
	"strings"
	"time"

	appLog "nextmeet/internal/log"
	"nextmeet/internal/model"
	"nextmeet/internal/vevent"
)

// ErrNoStart marks an occurrence with no resolvable start time. It cannot
// be placed on the day or deduplicated, so it is dropped.
var ErrNoStart = errors.New("instance: occurrence has no start time")

const dateLayout = "20060102"

// DateOf formats t's calendar date in loc as a YYYYMMDD key.
func DateOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateLayout)
}

// Normalize builds an EventInstance from a decoded VEVENT. anchor is the
// recurrence anchor when the VEVENT is a detached override, nil otherwise.
// start/end override the VEVENT's own times when non-zero; the caller passes
// the expanded occurrence times for series masters and zero values when the
// VEVENT's decoded times are authoritative.
func Normalize(ev vevent.Event, anchor *time.Time, start, end time.Time, src model.SourceRef, loc *time.Location) (model.EventInstance, error) {
	if start.IsZero() {
		start = ev.Start
	}
	if end.IsZero() {
		end = ev.End
	}
	if start.IsZero() {
		return model.EventInstance{}, ErrNoStart
	}
	if !end.After(start) {
		// Zero-duration and inverted occurrences get a default hour.
		end = start.Add(time.Hour)
	}

	var anchorCopy *time.Time
	if anchor != nil {
		a := *anchor
		anchorCopy = &a
	}

	return model.EventInstance{
		SeriesUID:             ev.UID,
		RecurrenceAnchorStart: anchorCopy,
		EffectiveStart:        start.In(loc),
		EffectiveEnd:          end.In(loc),
		Title:                 ev.Summary,
		Location:              ev.Location,
		Description:           ev.Description,
		Participation:         participationFor(ev, src.AccountIdentity),
		AllDay:                ev.AllDay,
		SourceColor:           src.ColorHint,
		OwnerAccountIdentity:  src.AccountIdentity,
	}, nil
}

// participationFor derives the owning account's response from the attendee
// list. When no attendee matches the account identity, a title-text
// heuristic is consulted as a last resort; it is a known source of false
// positives and never overrides real attendee data.
func participationFor(ev vevent.Event, account string) model.ParticipationStatus {
	if account != "" {
		for _, att := range ev.Attendees {
			if att.Address != account {
				continue
			}
			switch att.PartStat {
			case "ACCEPTED":
				return model.PartAccepted
			case "DECLINED":
				return model.PartDeclined
			case "TENTATIVE":
				return model.PartTentative
			case "NEEDS-ACTION":
				return model.PartNeedsAction
			default:
				return model.PartUnknown
			}
		}
	}

	title := strings.ToLower(ev.Summary)
	switch {
	case strings.Contains(title, "declined:"):
		return model.PartDeclined
	case strings.Contains(title, "tentative"), strings.Contains(title, "?"):
		return model.PartTentative
	}
	return model.PartUnknown
}

// Generate normalizes one source's expanded raw occurrences for the day
// window, applying the source's reschedule entry: occurrences whose
// (series, anchor) moved away from the window's date are discarded, and the
// entry's moved-in instances are appended. The final overlap filter runs in
// local time because the backend's own range filter may use a different
// timezone convention on the window boundary.
func Generate(raws []model.RawOccurrence, entry *model.RescheduleEntry, windowStart, windowEnd time.Time, src model.SourceRef, loc *time.Location) []model.EventInstance {
	out := make([]model.EventInstance, 0, len(raws))

	for _, raw := range raws {
		inst, err := fromRaw(raw, entry, src, loc)
		if err != nil {
			if !errors.Is(err, errSuppressed) {
				appLog.Debug("dropping raw occurrence", "source", src.ID, "uid", raw.OwnerUID, "err", err)
			}
			continue
		}
		out = append(out, inst)
	}

	if entry != nil {
		out = append(out, entry.MovedIn...)
	}

	filtered := out[:0]
	for _, inst := range out {
		if !inst.EffectiveStart.After(windowEnd) && inst.EffectiveEnd.After(windowStart) {
			filtered = append(filtered, inst)
		}
	}
	return filtered
}

var errSuppressed = errors.New("instance: occurrence moved away from this date")

// fromRaw normalizes a single raw occurrence. For occurrences carrying a
// recurrence anchor the true times are re-derived from the raw encoded form;
// the declared times report the anchor slot for rescheduled overrides and
// must not be trusted.
func fromRaw(raw model.RawOccurrence, entry *model.RescheduleEntry, src model.SourceRef, loc *time.Location) (model.EventInstance, error) {
	if raw.RecurrenceAnchor == nil {
		return masterInstance(raw, src, loc)
	}

	anchor := *raw.RecurrenceAnchor
	if entry != nil {
		key := model.SeriesKey(raw.OwnerUID, DateOf(anchor, loc))
		if _, moved := entry.MovedAway[key]; moved {
			// Already placed on its true date by the refresh that covers
			// that date.
			return model.EventInstance{}, errSuppressed
		}
	}

	ov, ok := vevent.Override([]byte(raw.RawEncodedForm), raw.OwnerUID, anchor)
	if !ok {
		return model.EventInstance{}, errors.New("instance: override not present in raw encoding")
	}
	return Normalize(ov, &anchor, time.Time{}, time.Time{}, src, loc)
}

// masterInstance normalizes an occurrence expanded from a series master or a
// plain non-recurring event. The declared times are authoritative here; the
// raw encoding supplies the metadata fields.
func masterInstance(raw model.RawOccurrence, src model.SourceRef, loc *time.Location) (model.EventInstance, error) {
	events, err := vevent.Decode([]byte(raw.RawEncodedForm))
	if err != nil {
		return model.EventInstance{}, err
	}
	for _, ev := range events {
		if ev.UID == raw.OwnerUID && !ev.IsOverride() {
			return Normalize(ev, nil, raw.DeclaredStart, raw.DeclaredEnd, src, loc)
		}
	}
	return model.EventInstance{}, errors.New("instance: master not present in raw encoding")
}
