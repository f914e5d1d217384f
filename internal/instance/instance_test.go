package instance

import (
	"strings"
	"testing"
	"time"

	"nextmeet/internal/model"
	"nextmeet/internal/vevent"
)

var testSrc = model.SourceRef{
	ID:              "work",
	DisplayName:     "Work",
	Enabled:         true,
	ColorHint:       "#AD1457",
	AccountIdentity: "me@example.org",
}

func payload(lines ...string) string {
	all := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//nextmeet//test//EN"}
	all = append(all, lines...)
	all = append(all, "END:VCALENDAR")
	return strings.Join(all, "\r\n") + "\r\n"
}

func decodeOne(t *testing.T, body string) vevent.Event {
	t.Helper()
	events, err := vevent.Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	return events[0]
}

func TestNormalize_DefaultsMissingEndToOneHour(t *testing.T) {
	ev := decodeOne(t, payload(
		"BEGIN:VEVENT",
		"UID:no-end",
		"SUMMARY:Open ended",
		"DTSTART:20251210T090000Z",
		"END:VEVENT",
	))

	inst, err := Normalize(ev, nil, time.Time{}, time.Time{}, testSrc, time.UTC)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got, want := inst.EffectiveEnd.Sub(inst.EffectiveStart), time.Hour; got != want {
		t.Errorf("duration = %v, want %v", got, want)
	}
}

func TestNormalize_DropsMissingStart(t *testing.T) {
	ev := vevent.Event{UID: "no-start", Summary: "Broken"}
	if _, err := Normalize(ev, nil, time.Time{}, time.Time{}, testSrc, time.UTC); err == nil {
		t.Fatalf("want error for occurrence with no start time")
	}
}

func TestNormalize_CarriesSourceFields(t *testing.T) {
	ev := decodeOne(t, payload(
		"BEGIN:VEVENT",
		"UID:fields",
		"SUMMARY:Planning",
		"DTSTART:20251210T140000Z",
		"DTEND:20251210T150000Z",
		"ATTENDEE;PARTSTAT=DECLINED:mailto:me@example.org",
		"END:VEVENT",
	))

	inst, err := Normalize(ev, nil, time.Time{}, time.Time{}, testSrc, time.UTC)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if inst.SourceColor != "#AD1457" {
		t.Errorf("SourceColor = %q", inst.SourceColor)
	}
	if inst.OwnerAccountIdentity != "me@example.org" {
		t.Errorf("OwnerAccountIdentity = %q", inst.OwnerAccountIdentity)
	}
	if inst.Participation != model.PartDeclined {
		t.Errorf("Participation = %q, want declined from attendee PARTSTAT", inst.Participation)
	}
}

func TestParticipation_TitleHeuristicIsLastResort(t *testing.T) {
	// With a matching attendee, the attendee wins even when the title
	// smells tentative.
	ev := vevent.Event{
		UID:     "h1",
		Summary: "tentative plan?",
		Start:   time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC),
		End:     time.Date(2025, 12, 10, 10, 0, 0, 0, time.UTC),
		Attendees: []vevent.Attendee{
			{Address: "me@example.org", PartStat: "ACCEPTED"},
		},
	}
	inst, err := Normalize(ev, nil, time.Time{}, time.Time{}, testSrc, time.UTC)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if inst.Participation != model.PartAccepted {
		t.Errorf("Participation = %q, want accepted from attendee data", inst.Participation)
	}

	// Without attendee data, the title heuristic applies.
	ev.Attendees = nil
	inst, err = Normalize(ev, nil, time.Time{}, time.Time{}, testSrc, time.UTC)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if inst.Participation != model.PartTentative {
		t.Errorf("Participation = %q, want tentative from title heuristic", inst.Participation)
	}
}

func rawMaster(uid string, start, end time.Time, body string) model.RawOccurrence {
	return model.RawOccurrence{
		OwnerUID:       uid,
		DeclaredStart:  start,
		DeclaredEnd:    end,
		RawEncodedForm: body,
	}
}

func TestGenerate_SuppressesMovedAwayOverride(t *testing.T) {
	// Series anchored Dec 10, override moved to Dec 17. On Dec 10 the
	// backend still reports the anchor slot; the reschedule entry marks it
	// moved away, so nothing survives.
	body := payload(
		"BEGIN:VEVENT",
		"UID:series-1",
		"SUMMARY:Weekly sync",
		"DTSTART:20251203T100000Z",
		"DTEND:20251203T110000Z",
		"RRULE:FREQ=WEEKLY;BYDAY=WE",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:series-1",
		"RECURRENCE-ID:20251210T100000Z",
		"SUMMARY:Weekly sync (moved)",
		"DTSTART:20251217T100000Z",
		"DTEND:20251217T110000Z",
		"END:VEVENT",
	)

	anchor := time.Date(2025, 12, 10, 10, 0, 0, 0, time.UTC)
	raw := model.RawOccurrence{
		OwnerUID:         "series-1",
		RecurrenceAnchor: &anchor,
		DeclaredStart:    anchor,
		DeclaredEnd:      anchor.Add(time.Hour),
		RawEncodedForm:   body,
	}

	entry := model.NewRescheduleEntry()
	entry.MovedAway[model.SeriesKey("series-1", "20251210")] = "20251217"

	windowStart := time.Date(2025, 12, 10, 0, 0, 0, 0, time.UTC)
	got := Generate([]model.RawOccurrence{raw}, entry, windowStart, windowStart.AddDate(0, 0, 1), testSrc, time.UTC)
	if len(got) != 0 {
		t.Fatalf("got %d instances, want 0: moved-away occurrence must be suppressed", len(got))
	}
}

func TestGenerate_SameDayEditUsesOverrideFields(t *testing.T) {
	// Override with anchor and true date both Dec 10 (location edit only):
	// the override's fields win, with its recurrence anchor set.
	body := payload(
		"BEGIN:VEVENT",
		"UID:series-2",
		"SUMMARY:Standup",
		"DTSTART:20251203T090000Z",
		"DTEND:20251203T093000Z",
		"RRULE:FREQ=DAILY",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:series-2",
		"RECURRENCE-ID:20251210T090000Z",
		"SUMMARY:Standup",
		"LOCATION:Room 9",
		"DTSTART:20251210T090000Z",
		"DTEND:20251210T093000Z",
		"END:VEVENT",
	)

	anchor := time.Date(2025, 12, 10, 9, 0, 0, 0, time.UTC)
	raw := model.RawOccurrence{
		OwnerUID:         "series-2",
		RecurrenceAnchor: &anchor,
		DeclaredStart:    anchor,
		DeclaredEnd:      anchor.Add(30 * time.Minute),
		RawEncodedForm:   body,
	}

	windowStart := time.Date(2025, 12, 10, 0, 0, 0, 0, time.UTC)
	got := Generate([]model.RawOccurrence{raw}, model.NewRescheduleEntry(), windowStart, windowStart.AddDate(0, 0, 1), testSrc, time.UTC)
	if len(got) != 1 {
		t.Fatalf("got %d instances, want 1", len(got))
	}
	if got[0].Location != "Room 9" {
		t.Errorf("Location = %q, want the override's edited location", got[0].Location)
	}
	if got[0].RecurrenceAnchorStart == nil {
		t.Errorf("RecurrenceAnchorStart = nil, want the anchor")
	}
}

func TestGenerate_AppendsMovedInInstances(t *testing.T) {
	windowStart := time.Date(2025, 12, 17, 0, 0, 0, 0, time.UTC)
	anchor := time.Date(2025, 12, 10, 10, 0, 0, 0, time.UTC)

	entry := model.NewRescheduleEntry()
	entry.MovedIn = append(entry.MovedIn, model.EventInstance{
		SeriesUID:             "series-1",
		RecurrenceAnchorStart: &anchor,
		EffectiveStart:        time.Date(2025, 12, 17, 10, 0, 0, 0, time.UTC),
		EffectiveEnd:          time.Date(2025, 12, 17, 11, 0, 0, 0, time.UTC),
		Title:                 "Weekly sync (moved)",
	})

	got := Generate(nil, entry, windowStart, windowStart.AddDate(0, 0, 1), testSrc, time.UTC)
	if len(got) != 1 {
		t.Fatalf("got %d instances, want 1 injected moved-in instance", len(got))
	}
	if got[0].Title != "Weekly sync (moved)" {
		t.Errorf("Title = %q", got[0].Title)
	}
}

func TestGenerate_OverlapFilterDropsOutOfWindow(t *testing.T) {
	body := payload(
		"BEGIN:VEVENT",
		"UID:yesterday",
		"SUMMARY:Old",
		"DTSTART:20251209T090000Z",
		"DTEND:20251209T100000Z",
		"END:VEVENT",
	)
	start := time.Date(2025, 12, 9, 9, 0, 0, 0, time.UTC)
	raw := rawMaster("yesterday", start, start.Add(time.Hour), body)

	windowStart := time.Date(2025, 12, 10, 0, 0, 0, 0, time.UTC)
	got := Generate([]model.RawOccurrence{raw}, model.NewRescheduleEntry(), windowStart, windowStart.AddDate(0, 0, 1), testSrc, time.UTC)
	if len(got) != 0 {
		t.Fatalf("got %d instances, want 0 outside the window", len(got))
	}
}

func TestDateOf(t *testing.T) {
	got := DateOf(time.Date(2025, 12, 10, 23, 30, 0, 0, time.UTC), time.UTC)
	if got != "20251210" {
		t.Errorf("DateOf = %q, want 20251210", got)
	}
}
