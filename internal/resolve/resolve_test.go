package resolve

import (
	"testing"
	"time"

	"nextmeet/internal/model"
)

func at(h, m int) time.Time {
	return time.Date(2025, 12, 10, h, m, 0, 0, time.UTC)
}

func inst(uid string, start, end time.Time) model.EventInstance {
	return model.EventInstance{
		SeriesUID:      uid,
		EffectiveStart: start,
		EffectiveEnd:   end,
		Title:          uid,
		Participation:  model.PartAccepted,
	}
}

func withAnchor(i model.EventInstance, anchor time.Time) model.EventInstance {
	i.RecurrenceAnchorStart = &anchor
	return i
}

func TestDedup_SharedCalendarsCollapse(t *testing.T) {
	// Two sources report the same series occurrence.
	a := inst("X", at(10, 0), at(11, 0))
	b := inst("X", at(10, 0), at(11, 0))

	got := Dedup([]model.EventInstance{a, b})
	if len(got) != 1 {
		t.Fatalf("got %d instances, want 1", len(got))
	}
	if got[0].SeriesUID != "X" || !got[0].EffectiveStart.Equal(at(10, 0)) {
		t.Errorf("surviving instance = %+v", got[0])
	}
}

func TestDedup_OverrideBeatsMaster(t *testing.T) {
	anchor := at(10, 0)

	master := inst("X", at(10, 0), at(11, 0))
	master.Title = "stale master"

	override := withAnchor(inst("X", at(10, 30), at(11, 30)), anchor)
	override.Title = "edited override"

	// The master's effective start equals the override's anchor, so both
	// collapse under one key regardless of their differing effective starts.
	for _, order := range [][]model.EventInstance{
		{master, override},
		{override, master},
	} {
		got := Dedup(order)
		if len(got) != 1 {
			t.Fatalf("got %d instances, want 1", len(got))
		}
		if got[0].Title != "edited override" {
			t.Errorf("survivor = %q, want the override regardless of input order", got[0].Title)
		}
		if got[0].RecurrenceAnchorStart == nil {
			t.Errorf("survivor lost its recurrence anchor")
		}
	}
}

func TestDedup_FirstSeenWinsOnEqualRank(t *testing.T) {
	a := inst("X", at(10, 0), at(11, 0))
	a.Title = "first"
	b := inst("X", at(10, 0), at(11, 0))
	b.Title = "second"

	got := Dedup([]model.EventInstance{a, b})
	if len(got) != 1 || got[0].Title != "first" {
		t.Fatalf("want first-seen to win, got %+v", got)
	}
}

func TestDedup_DistinctKeysBothSurvive(t *testing.T) {
	a := inst("X", at(10, 0), at(11, 0))
	b := inst("X", at(14, 0), at(15, 0))

	got := Dedup([]model.EventInstance{a, b})
	if len(got) != 2 {
		t.Fatalf("got %d instances, want 2 for distinct starts", len(got))
	}
}

func TestClassify_AllDayHeuristic(t *testing.T) {
	midnight := time.Date(2025, 12, 10, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		in   model.EventInstance
		want bool
	}{
		{"explicit flag", func() model.EventInstance {
			i := inst("a", at(9, 0), at(10, 0))
			i.AllDay = true
			return i
		}(), true},
		{"midnight 24h", inst("b", midnight, midnight.Add(24*time.Hour)), true},
		{"midnight 48h", inst("c", midnight, midnight.Add(48*time.Hour)), true},
		{"midnight 90min", inst("d", midnight, midnight.Add(90*time.Minute)), false},
		{"timed event", inst("e", at(9, 0), at(10, 0)), false},
	}

	for _, tc := range cases {
		got := Classify([]model.EventInstance{tc.in})
		if got[0].AllDay != tc.want {
			t.Errorf("%s: AllDay = %v, want %v", tc.name, got[0].AllDay, tc.want)
		}
	}
}

func TestClassify_DeterministicOrder(t *testing.T) {
	a := inst("b-uid", at(9, 0), at(10, 0))
	b := inst("a-uid", at(9, 0), at(10, 0))
	c := inst("c-uid", at(8, 0), at(9, 0))

	first := Classify([]model.EventInstance{a, b, c})
	second := Classify([]model.EventInstance{c, b, a})

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("lengths: %d, %d", len(first), len(second))
	}
	for i := range first {
		if first[i].SeriesUID != second[i].SeriesUID {
			t.Fatalf("order differs at %d: %q vs %q", i, first[i].SeriesUID, second[i].SeriesUID)
		}
	}
	if first[0].SeriesUID != "c-uid" {
		t.Errorf("first = %q, want earliest start first", first[0].SeriesUID)
	}
}

func defaultOpts() SelectorOptions {
	return SelectorOptions{
		ShowRegular:   true,
		ShowDeclined:  false,
		ShowTentative: true,
		ShowCurrent:   true,
	}
}

func TestNextMeeting_DeclinedFilteredOut(t *testing.T) {
	declined := inst("A", at(11, 0), at(12, 0))
	declined.Participation = model.PartDeclined
	regular := inst("B", at(11, 0), at(12, 0))

	got := NextMeeting(at(10, 0), []model.EventInstance{declined, regular}, defaultOpts())
	if got == nil {
		t.Fatalf("got nil, want B")
	}
	if got.SeriesUID != "B" {
		t.Errorf("got %q, want B with declined-type disabled", got.SeriesUID)
	}

	opts := defaultOpts()
	opts.ShowDeclined = true
	got = NextMeeting(at(10, 0), []model.EventInstance{declined}, opts)
	if got == nil || got.SeriesUID != "A" {
		t.Errorf("with declined-type enabled, want A, got %v", got)
	}
}

func TestNextMeeting_RollingCutoff(t *testing.T) {
	// Now 10:00. A meeting ending 10:04 has under five minutes left and
	// no longer counts as current.
	ending := inst("ending", at(9, 0), at(10, 4))
	upcoming := inst("upcoming", at(11, 0), at(12, 0))

	got := NextMeeting(at(10, 0), []model.EventInstance{ending, upcoming}, defaultOpts())
	if got == nil || got.SeriesUID != "upcoming" {
		t.Fatalf("got %v, want the upcoming event", got)
	}

	// Ending 10:06 still qualifies as current.
	current := inst("current", at(9, 0), at(10, 6))
	got = NextMeeting(at(10, 0), []model.EventInstance{current, upcoming}, defaultOpts())
	if got == nil || got.SeriesUID != "current" {
		t.Fatalf("got %v, want the current meeting", got)
	}
}

func TestNextMeeting_CurrentPrefersEndingSoonest(t *testing.T) {
	long := inst("long", at(9, 0), at(17, 0))
	short := inst("short", at(9, 30), at(10, 30))

	got := NextMeeting(at(10, 0), []model.EventInstance{long, short}, defaultOpts())
	if got == nil || got.SeriesUID != "short" {
		t.Fatalf("got %v, want the one ending soonest", got)
	}
}

func TestNextMeeting_ShowCurrentDisabled(t *testing.T) {
	current := inst("current", at(9, 0), at(12, 0))
	upcoming := inst("upcoming", at(11, 0), at(12, 0))

	opts := defaultOpts()
	opts.ShowCurrent = false
	got := NextMeeting(at(10, 0), []model.EventInstance{current, upcoming}, opts)
	if got == nil || got.SeriesUID != "upcoming" {
		t.Fatalf("got %v, want upcoming when show-current is off", got)
	}
}

func TestNextMeeting_AllDayNeverSelected(t *testing.T) {
	midnight := time.Date(2025, 12, 10, 0, 0, 0, 0, time.UTC)
	allDay := inst("allday", midnight, midnight.Add(24*time.Hour))
	allDay.AllDay = true

	got := NextMeeting(at(10, 0), []model.EventInstance{allDay}, defaultOpts())
	if got != nil {
		t.Fatalf("got %v, want nil: all-day instances are never highlighted", got)
	}
}

func TestNextMeeting_NoMeetingIsNil(t *testing.T) {
	past := inst("past", at(8, 0), at(9, 0))
	got := NextMeeting(at(10, 0), []model.EventInstance{past}, defaultOpts())
	if got != nil {
		t.Fatalf("got %v, want nil terminal state", got)
	}
	if got := NextMeeting(at(10, 0), nil, defaultOpts()); got != nil {
		t.Fatalf("empty input: got %v, want nil", got)
	}
}
