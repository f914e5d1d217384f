// Package reschedule builds and caches the per-source index of recurrence
// anomalies: series occurrences whose true date was edited away from their
// recurrence anchor. The backend's own range expansion cannot resolve these
// two cases, so the pipeline corrects for them with this index.
package reschedule

import (
	"context"
	"time"

	"nextmeet/internal/backend"
	"nextmeet/internal/instance"
	appLog "nextmeet/internal/log"
	"nextmeet/internal/model"
	"nextmeet/internal/vevent"
)

// Build produces the reschedule entry for one source and one calendar date
// (YYYYMMDD in loc). Transport failure degrades to an empty entry: the
// pipeline may then show a duplicate or miss a moved event, which beats
// blocking the refresh outright.
func Build(ctx context.Context, client backend.Client, date string, loc *time.Location) *model.RescheduleEntry {
	entry := model.NewRescheduleEntry()
	src := client.Source()

	raws, err := client.QueryAnomalyCandidates(ctx)
	if err != nil {
		appLog.Debug("anomaly query failed, using empty reschedule entry", "source", src.ID, "err", err)
		return entry
	}

	for _, raw := range raws {
		if raw.RecurrenceAnchor == nil {
			// Series master with recurrence info but no detachment; the
			// range expansion handles it.
			continue
		}
		anchor := *raw.RecurrenceAnchor

		// The true times come from the raw encoded form only. The
		// backend's convenience fields misreport them for detached
		// overrides whose date was edited.
		ov, ok := vevent.Override([]byte(raw.RawEncodedForm), raw.OwnerUID, anchor)
		if !ok || ov.Start.IsZero() {
			appLog.Debug("skipping anomaly candidate with undecodable override", "source", src.ID, "uid", raw.OwnerUID)
			continue
		}

		anchorDate := instance.DateOf(anchor, loc)
		trueDate := instance.DateOf(ov.Start, loc)

		switch {
		case anchorDate == date && trueDate != date:
			entry.MovedAway[model.SeriesKey(raw.OwnerUID, anchorDate)] = trueDate

		case anchorDate != date && trueDate == date:
			inst, nerr := instance.Normalize(ov, &anchor, time.Time{}, time.Time{}, src, loc)
			if nerr != nil {
				appLog.Debug("skipping moved-in occurrence", "source", src.ID, "uid", raw.OwnerUID, "err", nerr)
				continue
			}
			entry.MovedIn = append(entry.MovedIn, inst)
		}
	}

	appLog.Debug("reschedule entry built",
		"source", src.ID,
		"date", date,
		"moved_away", len(entry.MovedAway),
		"moved_in", len(entry.MovedIn),
	)
	return entry
}

// Cache holds one entry per source for a single calendar date. It is owned
// by the orchestrator and only touched from its refresh path, so it carries
// no locking of its own.
type Cache struct {
	date    string
	entries map[string]*model.RescheduleEntry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*model.RescheduleEntry)}
}

// RollTo clears the whole cache in a single step when the wall-clock date
// moves past the cached one.
func (c *Cache) RollTo(date string) {
	if c.date == date {
		return
	}
	c.date = date
	c.entries = make(map[string]*model.RescheduleEntry)
}

// Get returns the entry for a source, or nil when absent and a rebuild is
// required.
func (c *Cache) Get(sourceID string) *model.RescheduleEntry {
	return c.entries[sourceID]
}

// Put stores a fully built entry for a source.
func (c *Cache) Put(sourceID string, entry *model.RescheduleEntry) {
	c.entries[sourceID] = entry
}

// Invalidate drops one source's entry without touching the others.
func (c *Cache) Invalidate(sourceID string) {
	delete(c.entries, sourceID)
}
