// Package caldav implements the backend collaborators against a CalDAV
// server using plain HTTP REPORT/PROPFIND requests.
package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nextmeet/internal/backend"
	"nextmeet/internal/config"
	appLog "nextmeet/internal/log"
	"nextmeet/internal/model"
)

const changePollInterval = 30 * time.Second

// Catalog adapts the configured source list to the backend.Catalog
// interface. The configuration is the system's source of truth for which
// calendars exist and which are enabled.
type Catalog struct {
	cfg *config.Config
}

func NewCatalog(cfg *config.Config) *Catalog {
	return &Catalog{cfg: cfg}
}

func (c *Catalog) ListSources(_ context.Context) ([]model.SourceRef, error) {
	out := make([]model.SourceRef, 0, len(c.cfg.Sources))
	for _, s := range c.cfg.Sources {
		out = append(out, model.SourceRef{
			ID:              s.ID,
			DisplayName:     s.Name,
			Enabled:         s.Enabled,
			ColorHint:       s.Color,
			AccountIdentity: strings.ToLower(s.Account),
			Writable:        !s.ReadOnly,
		})
	}
	return out, nil
}

// Connector opens CalDAV sessions. Each connection attempt is bounded by
// the configured timeout regardless of the caller's context.
type Connector struct {
	cfg     *config.Config
	client  *http.Client
	timeout time.Duration
}

func NewConnector(cfg *config.Config) *Connector {
	return &Connector{
		cfg:     cfg,
		client:  &http.Client{},
		timeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
	}
}

func (c *Connector) Connect(ctx context.Context, src model.SourceRef) (backend.Client, error) {
	sc, ok := c.sourceConfig(src.ID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown source %q", backend.ErrTransport, src.ID)
	}

	cl := &Client{
		http: c.client,
		src:  src,
		url:  strings.TrimSuffix(sc.URL, "/") + "/",
		user: sc.Username,
		pass: sc.Password,
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Probe the collection so connect failures surface here, not on the
	// first query.
	if _, err := cl.ctag(ctx); err != nil {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			// Caller canceled: not an error, but no client either.
			return nil, fmt.Errorf("%w: connect canceled", backend.ErrTransport)
		}
		return nil, fmt.Errorf("%w: connect %s: %v", backend.ErrTransport, src.ID, err)
	}

	return cl, nil
}

func (c *Connector) sourceConfig(id string) (config.SourceConfig, bool) {
	for _, s := range c.cfg.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return config.SourceConfig{}, false
}

// Client is an open session to one CalDAV collection.
type Client struct {
	http *http.Client
	src  model.SourceRef
	url  string
	user string
	pass string

	lastCTag string
}

func (c *Client) Source() model.SourceRef { return c.src }

func (c *Client) Close() error { return nil }

// Refresh nudges the server to resync. Best effort: the result is ignored.
func (c *Client) Refresh(ctx context.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := c.ctag(ctx); err != nil {
			appLog.Debug("caldav refresh hint failed", "source", c.src.ID, "err", err)
		}
	}()
}

// SubscribeChanges polls the collection's ctag and emits a notice whenever
// it changes. The channel closes when ctx is canceled.
func (c *Client) SubscribeChanges(ctx context.Context) (<-chan model.ChangeNotice, error) {
	ch := make(chan model.ChangeNotice, 8)

	tag, err := c.ctag(ctx)
	if err == nil {
		c.lastCTag = tag
	}

	go func() {
		defer close(ch)
		ticker := time.NewTicker(changePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			tag, err := c.ctag(ctx)
			if err != nil {
				appLog.Debug("caldav ctag poll failed", "source", c.src.ID, "err", err)
				continue
			}
			if tag != "" && tag != c.lastCTag {
				c.lastCTag = tag
				select {
				case ch <- model.ChangeNotice{SourceID: c.src.ID, Kind: model.ChangeModified}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// ctag fetches the collection's change tag via PROPFIND.
func (c *Client) ctag(ctx context.Context) (string, error) {
	const body = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop>
    <d:displayname/>
    <cs:getctag/>
  </d:prop>
</d:propfind>`

	ms, err := c.request(ctx, "PROPFIND", "0", body)
	if err != nil {
		return "", err
	}
	for _, resp := range ms.Responses {
		for _, ps := range resp.Propstats {
			if ps.Prop.GetCTag != "" {
				return ps.Prop.GetCTag, nil
			}
		}
	}
	return "", nil
}

// request issues a CalDAV method against the collection URL and decodes the
// multistatus response.
func (c *Client) request(ctx context.Context, method, depth, body string) (*multistatus, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", depth)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s %s: %s", method, redactURL(c.url), resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var ms multistatus
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, fmt.Errorf("decode multistatus: %w", err)
	}
	return &ms, nil
}

type multistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string     `xml:"href"`
	Propstats []propstat `xml:"propstat"`
}

type propstat struct {
	Status string  `xml:"status"`
	Prop   davProp `xml:"prop"`
}

type davProp struct {
	DisplayName  string `xml:"displayname"`
	GetCTag      string `xml:"getctag"`
	GetETag      string `xml:"getetag"`
	CalendarData string `xml:"calendar-data"`
}

// redactURL hides the path of a calendar URL for logging purposes.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i == -1 {
		return "caldav://...(redacted)"
	}
	rest := u[i+3:]
	j := strings.IndexByte(rest, '/')
	if j == -1 {
		return u
	}
	return u[:i+3+j] + "/...(redacted)"
}
