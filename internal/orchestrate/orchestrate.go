// Package orchestrate coordinates the refresh pipeline: it owns the
// reschedule cache and the client map, fans out over all enabled sources,
// merges their instances, and publishes the selected meeting. At most one
// refresh is in flight at a time; requests arriving while one runs coalesce
// into a single pending retrigger.
package orchestrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"nextmeet/internal/backend"
	"nextmeet/internal/instance"
	appLog "nextmeet/internal/log"
	"nextmeet/internal/model"
	"nextmeet/internal/reschedule"
	"nextmeet/internal/resolve"
	"nextmeet/internal/store"
)

// Result is one published refresh outcome.
type Result struct {
	RunID       string
	Next        *model.EventInstance
	All         []model.EventInstance
	PublishedAt time.Time
}

// PublishFunc receives each completed refresh's result.
type PublishFunc func(Result)

type runState int

const (
	stateIdle runState = iota
	stateRunning
	stateRunningPending
)

// Options configure an Orchestrator. Catalog, Connector and Location are
// required; Journal and Now are optional.
type Options struct {
	Catalog   backend.Catalog
	Connector backend.Connector
	Location  *time.Location

	Selector resolve.SelectorOptions

	// RefreshCron is the periodic trigger schedule; empty disables it.
	RefreshCron string

	// Debounce is the delay used to coalesce backend change notifications.
	Debounce time.Duration

	// Journal, when set, records every run and the published snapshot.
	Journal *store.Store

	// Now is a clock seam for tests; defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns all mutable pipeline state. The reschedule cache and
// client map are only touched from the single in-flight refresh and from
// state transitions under mu, never concurrently.
type Orchestrator struct {
	opts Options

	mu            sync.Mutex
	state         runState
	pendingReason string          // reason carried by the coalesced pending run
	invalidated   map[string]bool // sources whose cache entry must drop before the next run
	subscribed    map[string]bool
	debounce      *time.Timer
	publishers    []PublishFunc

	cache   *reschedule.Cache
	clients map[string]backend.Client

	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
	wg     sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 400 * time.Millisecond
	}
	return &Orchestrator{
		opts:        opts,
		invalidated: make(map[string]bool),
		subscribed:  make(map[string]bool),
		cache:       reschedule.NewCache(),
		clients:     make(map[string]backend.Client),
	}
}

// OnResult registers a publisher. Must be called before Start.
func (o *Orchestrator) OnResult(fn PublishFunc) {
	o.publishers = append(o.publishers, fn)
}

// Start begins periodic refreshing and triggers an immediate first run.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	if o.opts.RefreshCron != "" {
		o.cron = cron.New()
		if _, err := o.cron.AddFunc(o.opts.RefreshCron, func() {
			o.RequestRefresh("cron")
		}); err != nil {
			return fmt.Errorf("refresh schedule %q: %w", o.opts.RefreshCron, err)
		}
		o.cron.Start()
	}

	o.RequestRefresh("start")
	return nil
}

// Stop cancels all in-flight work and waits for the pipeline to drain.
// After Stop no further cache mutation or result publication happens.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	if o.cron != nil {
		o.cron.Stop()
	}
	o.mu.Lock()
	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.mu.Unlock()
	o.wg.Wait()

	for id, cl := range o.clients {
		if err := cl.Close(); err != nil {
			appLog.Debug("client close failed", "source", id, "err", err)
		}
	}
}

// RequestRefresh asks for a pipeline run. While one is running the request
// collapses into a single pending flag: never queued more than once, never
// dropped.
func (o *Orchestrator) RequestRefresh(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil || o.ctx.Err() != nil {
		return
	}

	switch o.state {
	case stateIdle:
		o.state = stateRunning
		o.wg.Add(1)
		go o.run(reason)
	case stateRunning:
		o.state = stateRunningPending
		o.pendingReason = reason
	case stateRunningPending:
		// Already coalesced. A manual trigger still wins the pending
		// reason so its backend resync hint is not lost.
		if reason == "manual" {
			o.pendingReason = reason
		}
	}
}

// NotifyChange records a backend change notification. The source's
// reschedule entry is invalidated and a refresh is scheduled after the
// debounce window, absorbing bursts into one run.
func (o *Orchestrator) NotifyChange(n model.ChangeNotice) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil || o.ctx.Err() != nil {
		return
	}

	o.invalidated[n.SourceID] = true

	if o.debounce == nil {
		o.debounce = time.AfterFunc(o.opts.Debounce, func() {
			o.RequestRefresh("change")
		})
		return
	}
	o.debounce.Reset(o.opts.Debounce)
}

// run executes one full pipeline pass and then releases the single-flight
// slot. The slot release is unconditional so no failure mode can leave
// future refreshes blocked.
func (o *Orchestrator) run(reason string) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("refresh pipeline panicked", fmt.Errorf("%v", r), "reason", reason)
			o.publishUnavailable()
		}

		retrigger := ""
		o.mu.Lock()
		if o.state == stateRunningPending && (o.ctx == nil || o.ctx.Err() == nil) {
			o.state = stateRunning
			o.wg.Add(1)
			retrigger = o.pendingReason
			if retrigger == "" {
				retrigger = "coalesced"
			}
		} else {
			o.state = stateIdle
		}
		o.pendingReason = ""
		o.mu.Unlock()

		if retrigger != "" {
			go o.run(retrigger)
		}
	}()

	ctx := o.ctx
	runID := uuid.NewString()
	started := o.opts.Now()

	now := started.In(o.opts.Location)
	windowStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, o.opts.Location)
	windowEnd := windowStart.AddDate(0, 0, 1)
	date := instance.DateOf(now, o.opts.Location)

	// Date rollover clears the whole cache; change notices clear only the
	// sources they named.
	o.cache.RollTo(date)
	o.mu.Lock()
	for id := range o.invalidated {
		o.cache.Invalidate(id)
	}
	o.invalidated = make(map[string]bool)
	o.mu.Unlock()

	sources, err := o.opts.Catalog.ListSources(ctx)
	if err != nil {
		appLog.Error("listing sources failed", err, "run", runID)
		o.publishUnavailable()
		return
	}

	enabled := make([]model.SourceRef, 0, len(sources))
	for _, src := range sources {
		if src.Enabled {
			enabled = append(enabled, src)
		}
	}

	appLog.Info("refresh started", "run", runID, "reason", reason, "date", date, "sources", len(enabled))

	type sourceResult struct {
		src       model.SourceRef
		instances []model.EventInstance
		entry     *model.RescheduleEntry // non-nil when freshly built
		client    backend.Client         // non-nil when newly connected
		failed    bool
	}

	results := make(chan sourceResult, len(enabled))
	for _, src := range enabled {
		client := o.clients[src.ID]
		entry := o.cache.Get(src.ID)

		go func(src model.SourceRef, client backend.Client, entry *model.RescheduleEntry) {
			res := sourceResult{src: src}
			defer func() { results <- res }()

			if client == nil {
				cl, cerr := o.opts.Connector.Connect(ctx, src)
				if cerr != nil {
					appLog.Debug("source connect failed", "run", runID, "source", src.ID, "err", cerr)
					res.failed = true
					return
				}
				client = cl
				res.client = cl
			}

			if reason == "manual" {
				// Nudge the backend to resync before querying.
				client.Refresh(ctx)
			}

			if entry == nil {
				entry = reschedule.Build(ctx, client, date, o.opts.Location)
				res.entry = entry
			}

			raws, qerr := client.ExpandRecurrences(ctx, windowStart, windowEnd)
			if qerr != nil {
				appLog.Debug("recurrence expansion failed", "run", runID, "source", src.ID, "err", qerr)
				res.failed = true
				return
			}

			res.instances = instance.Generate(raws, entry, windowStart, windowEnd, src, o.opts.Location)
		}(src, client, entry)
	}

	// Await the full fan-out before merging. A failed source contributes
	// an empty set; it never aborts the others.
	all := make([]model.EventInstance, 0)
	failed := 0
	for range enabled {
		res := <-results
		if res.client != nil {
			o.clients[res.src.ID] = res.client
			o.subscribe(res.src.ID, res.client)
		}
		if res.entry != nil && ctx.Err() == nil {
			o.cache.Put(res.src.ID, res.entry)
		}
		if res.failed {
			failed++
			continue
		}
		all = append(all, res.instances...)
	}

	if ctx.Err() != nil {
		appLog.Debug("refresh canceled", "run", runID)
		return
	}

	merged := resolve.Classify(resolve.Dedup(all))
	next := resolve.NextMeeting(now, merged, o.opts.Selector)

	result := Result{
		RunID:       runID,
		Next:        next,
		All:         merged,
		PublishedAt: o.opts.Now(),
	}
	for _, fn := range o.publishers {
		fn(result)
	}

	nextTitle := ""
	if next != nil {
		nextTitle = next.Title
	}
	appLog.Info("refresh published",
		"run", runID,
		"instances", len(merged),
		"failed_sources", failed,
		"next", nextTitle,
		"took", o.opts.Now().Sub(started).Round(time.Millisecond),
	)

	o.journal(store.RefreshRecord{
		ID:            runID,
		Reason:        reason,
		StartedAt:     started,
		FinishedAt:    o.opts.Now(),
		SourceCount:   len(enabled),
		FailedSources: failed,
		InstanceCount: len(merged),
		NextTitle:     nextTitle,
	}, result)
}

// subscribe starts listening for a source's change notices once per source
// lifetime.
func (o *Orchestrator) subscribe(sourceID string, client backend.Client) {
	o.mu.Lock()
	already := o.subscribed[sourceID]
	o.subscribed[sourceID] = true
	o.mu.Unlock()
	if already {
		return
	}

	ch, err := client.SubscribeChanges(o.ctx)
	if err != nil {
		appLog.Debug("change subscription failed", "source", sourceID, "err", err)
		o.mu.Lock()
		o.subscribed[sourceID] = false
		o.mu.Unlock()
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for n := range ch {
			appLog.Debug("change notice", "source", n.SourceID, "kind", n.Kind)
			o.NotifyChange(n)
		}
	}()
}

// publishUnavailable surfaces an empty result so the UI shows "unavailable"
// instead of stale data. The pipeline remains usable on the next trigger.
func (o *Orchestrator) publishUnavailable() {
	result := Result{
		RunID:       uuid.NewString(),
		Next:        nil,
		All:         []model.EventInstance{},
		PublishedAt: o.opts.Now(),
	}
	for _, fn := range o.publishers {
		fn(result)
	}
}

func (o *Orchestrator) journal(rec store.RefreshRecord, result Result) {
	if o.opts.Journal == nil {
		return
	}
	if err := o.opts.Journal.RecordRefresh(rec); err != nil {
		appLog.Error("journal write failed", err, "run", rec.ID)
	}
	snap := store.Snapshot{
		PublishedAt: result.PublishedAt,
		Next:        result.Next,
		All:         result.All,
	}
	if err := o.opts.Journal.SaveSnapshot(snap); err != nil {
		appLog.Error("snapshot write failed", err, "run", rec.ID)
	}
}
