package resolve

import (
	"time"

	"nextmeet/internal/model"
)

// A meeting with under five minutes left counts as already over for
// highlighting purposes.
const currentMeetingCutoff = 5 * time.Minute

// SelectorOptions are the user-configurable inclusion rules for the
// highlighted meeting.
type SelectorOptions struct {
	ShowRegular   bool
	ShowDeclined  bool
	ShowTentative bool

	// ShowCurrent prefers an in-progress meeting over the next upcoming
	// one.
	ShowCurrent bool
}

// NextMeeting picks at most one instance to highlight. "No meeting" is a
// valid terminal state and returns nil. The decision is evaluated fresh on
// every call; nothing is persisted.
func NextMeeting(now time.Time, instances []model.EventInstance, opts SelectorOptions) *model.EventInstance {
	candidates := make([]model.EventInstance, 0, len(instances))
	for _, inst := range instances {
		if !includable(inst, opts) {
			continue
		}
		candidates = append(candidates, inst)
	}

	if opts.ShowCurrent {
		if cur := currentMeeting(now, candidates); cur != nil {
			return cur
		}
	}

	var next *model.EventInstance
	for i := range candidates {
		inst := &candidates[i]
		if !inst.EffectiveStart.After(now) {
			continue
		}
		if next == nil || inst.EffectiveStart.Before(next.EffectiveStart) {
			next = inst
		}
	}
	if next == nil {
		return nil
	}
	out := *next
	return &out
}

// includable applies the classification filters: all-day instances are
// never highlighted; the remaining kinds follow the configured toggles.
func includable(inst model.EventInstance, opts SelectorOptions) bool {
	if inst.AllDay {
		return false
	}
	switch inst.Participation {
	case model.PartDeclined:
		return opts.ShowDeclined
	case model.PartTentative:
		return opts.ShowTentative
	default:
		return opts.ShowRegular
	}
}

// currentMeeting returns the in-progress candidate that ends soonest, with
// the rolling cutoff applied: the meeting must still have more than five
// minutes remaining.
func currentMeeting(now time.Time, candidates []model.EventInstance) *model.EventInstance {
	cutoff := now.Add(currentMeetingCutoff)

	var cur *model.EventInstance
	for i := range candidates {
		inst := &candidates[i]
		if inst.EffectiveStart.After(now) {
			continue
		}
		if !inst.EffectiveEnd.After(cutoff) {
			continue
		}
		if cur == nil || inst.EffectiveEnd.Before(cur.EffectiveEnd) {
			cur = inst
		}
	}
	if cur == nil {
		return nil
	}
	out := *cur
	return &out
}
