package model

import "time"

// SourceRef identifies one calendar source as reported by the source
// catalog. It is read-only to the resolution pipeline; the catalog owns it.
type SourceRef struct {
	ID              string // stable identifier, used as cache key
	DisplayName     string
	Enabled         bool
	ColorHint       string // optional, e.g. "#AD1457"
	AccountIdentity string // owning account's address, used for PARTSTAT lookup
	Writable        bool
}

// RawOccurrence is one backend-reported occurrence for the query window,
// produced fresh on every query.
//
// DeclaredStart/DeclaredEnd are whatever the backend encoded; for a detached
// override whose occurrence was rescheduled, they may reflect the recurrence
// anchor's date rather than the actual date. RawEncodedForm carries the
// backend's native iCalendar serialization, which is the only trustworthy
// place to re-derive the true times from (see internal/vevent).
type RawOccurrence struct {
	OwnerUID         string
	RecurrenceAnchor *time.Time // nil unless this is a detached override
	DeclaredStart    time.Time
	DeclaredEnd      time.Time
	RawEncodedForm   string
}

// ParticipationStatus is the owning account's response to an event.
type ParticipationStatus string

const (
	PartAccepted    ParticipationStatus = "accepted"
	PartDeclined    ParticipationStatus = "declined"
	PartTentative   ParticipationStatus = "tentative"
	PartNeedsAction ParticipationStatus = "needs-action"
	PartUnknown     ParticipationStatus = "unknown"
)

// EventInstance is a normalized, day-scoped occurrence ready for
// classification and selection. Created by the instance generator and
// treated as read-only afterwards.
type EventInstance struct {
	SeriesUID             string
	RecurrenceAnchorStart *time.Time // nil for non-recurring events and series masters

	EffectiveStart time.Time
	EffectiveEnd   time.Time

	Title       string
	Location    string
	Description string

	Participation ParticipationStatus
	AllDay        bool

	SourceColor          string
	OwnerAccountIdentity string
}

// DedupKey returns the key under which duplicate occurrences collapse:
// the series UID joined with the recurrence anchor when present, else the
// effective start. Using the anchor keeps a detached override and its stale
// master from surviving under different effective starts.
func (e EventInstance) DedupKey() string {
	t := e.EffectiveStart
	if e.RecurrenceAnchorStart != nil {
		t = *e.RecurrenceAnchorStart
	}
	return e.SeriesUID + ":" + t.UTC().Format(time.RFC3339Nano)
}

// RescheduleEntry records the recurrence anomalies of one source for one
// calendar date. It is either absent or fully populated; the cache never
// exposes a partially built entry.
type RescheduleEntry struct {
	// MovedAway maps "seriesUID:anchorDate" to the date (YYYYMMDD) the
	// occurrence actually moved to. Occurrences whose anchor is today but
	// whose true date is elsewhere must be suppressed from today's result.
	MovedAway map[string]string

	// MovedIn holds fully normalized instances whose anchor is not today
	// but whose true date is today. The backend's range expansion misses
	// these, so they are injected after expansion.
	MovedIn []EventInstance
}

// NewRescheduleEntry returns an empty, fully usable entry.
func NewRescheduleEntry() *RescheduleEntry {
	return &RescheduleEntry{MovedAway: make(map[string]string)}
}

// SeriesKey builds the MovedAway lookup key for a series occurrence.
func SeriesKey(uid, anchorDate string) string {
	return uid + ":" + anchorDate
}

// ChangeKind classifies a backend change notification.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ChangeNotice is one backend change notification for a source.
type ChangeNotice struct {
	SourceID string
	Kind     ChangeKind
}
