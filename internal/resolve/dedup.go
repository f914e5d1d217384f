// Package resolve collapses duplicate occurrences across shared calendars,
// attaches classification flags, and picks the single meeting to highlight.
package resolve

import (
	"sort"
	"time"

	"nextmeet/internal/model"
)

// Dedup collapses occurrences sharing a dedup key. Two sources reporting
// the same series occurrence (calendar sharing), or a detached override and
// its stale master colliding through the anchor, reduce to one instance.
// When two instances share a key the one carrying a recurrence anchor wins,
// since a detached override carries edits the master lacks; if both or
// neither qualify, the first seen wins.
func Dedup(instances []model.EventInstance) []model.EventInstance {
	byKey := make(map[string]int, len(instances))
	out := make([]model.EventInstance, 0, len(instances))

	for _, inst := range instances {
		key := inst.DedupKey()
		idx, seen := byKey[key]
		if !seen {
			byKey[key] = len(out)
			out = append(out, inst)
			continue
		}
		if out[idx].RecurrenceAnchorStart == nil && inst.RecurrenceAnchorStart != nil {
			out[idx] = inst
		}
	}
	return out
}

// Classify attaches derived flags and orders the set deterministically so
// repeated runs over an unchanged snapshot publish identical results.
// All-day detection: explicit backend marking, or heuristically a local
// midnight start with a duration that is an exact positive multiple of 24h.
func Classify(instances []model.EventInstance) []model.EventInstance {
	out := make([]model.EventInstance, len(instances))
	copy(out, instances)

	for i := range out {
		if !out[i].AllDay {
			out[i].AllDay = looksAllDay(out[i])
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EffectiveStart.Equal(out[j].EffectiveStart) {
			return out[i].EffectiveStart.Before(out[j].EffectiveStart)
		}
		if out[i].SeriesUID != out[j].SeriesUID {
			return out[i].SeriesUID < out[j].SeriesUID
		}
		return out[i].EffectiveEnd.Before(out[j].EffectiveEnd)
	})
	return out
}

func looksAllDay(inst model.EventInstance) bool {
	start := inst.EffectiveStart
	if start.Hour() != 0 || start.Minute() != 0 || start.Second() != 0 || start.Nanosecond() != 0 {
		return false
	}
	dur := inst.EffectiveEnd.Sub(inst.EffectiveStart)
	if dur <= 0 {
		return false
	}
	return dur%(24*time.Hour) == 0
}
