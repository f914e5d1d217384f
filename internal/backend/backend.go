// Package backend defines the calendar backend collaborators the resolution
// pipeline consumes: a source catalog, a connector, and a per-source client.
// Implementations live in subpackages (backend/caldav).
package backend

import (
	"context"
	"errors"
	"time"

	"nextmeet/internal/model"
)

// ErrTransport marks connection, timeout, and query failures on a single
// source. The pipeline substitutes an empty contribution for that source.
var ErrTransport = errors.New("backend: transport failure")

// ErrParse marks a malformed raw occurrence encoding. The occurrence is
// skipped, never fatal.
var ErrParse = errors.New("backend: parse failure")

// Catalog lists the calendars known to the system.
type Catalog interface {
	ListSources(ctx context.Context) ([]model.SourceRef, error)
}

// Connector opens a session to one source. Implementations bound the
// attempt with their own fixed timeout; expiry surfaces as ErrTransport.
type Connector interface {
	Connect(ctx context.Context, src model.SourceRef) (Client, error)
}

// Client is an open session to one calendar source. All methods honor ctx
// cancellation by returning promptly; a canceled query returns an empty
// result and no error.
type Client interface {
	Source() model.SourceRef

	// QueryAnomalyCandidates returns every object that carries recurrence
	// information or is a detached override. This is a far smaller set
	// than the full calendar and is the input to the reschedule index.
	QueryAnomalyCandidates(ctx context.Context) ([]model.RawOccurrence, error)

	// ExpandRecurrences expands recurring events over [windowStart,
	// windowEnd) and returns the concrete occurrences, plus detached
	// overrides anchored inside the window. Overrides whose true date was
	// moved into the window from elsewhere are NOT returned; the
	// reschedule index recovers those.
	ExpandRecurrences(ctx context.Context, windowStart, windowEnd time.Time) ([]model.RawOccurrence, error)

	// SubscribeChanges emits a notice whenever the source's content
	// changes. The channel closes when ctx is canceled.
	SubscribeChanges(ctx context.Context) (<-chan model.ChangeNotice, error)

	// Refresh is a best-effort hint to resync backend data.
	// Fire-and-forget; errors are swallowed.
	Refresh(ctx context.Context)

	Close() error
}
