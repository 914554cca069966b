// Package graph fetches calendar events from Microsoft Graph using an
// app-level (client credentials) token. Batch fan-out is chunked and every
// per-user failure is converted to data; nothing escapes a batch as an error.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"

	"gitea.jw6.us/james/teamcal/internal/calendar"
	"gitea.jw6.us/james/teamcal/internal/metrics"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	// Graph returns event times without an offset, e.g. "2024-01-05T09:30:00.0000000".
	graphTimeLayout = "2006-01-02T15:04:05.9999999"

	defaultChunkSize = 8
	defaultTimeout   = 15 * time.Second
	retryAttempts    = 2
	retryBackoff     = 500 * time.Millisecond

	// maxPages bounds nextLink traversal so one runaway mailbox cannot stall
	// a whole batch.
	maxPages = 10
)

// Config carries the Graph app registration. All three credentials are
// required; there is no per-request recovery from a missing tenant or secret.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Location     *time.Location
	Timeout      time.Duration
	ChunkSize    int
}

// Client is a Microsoft Graph calendar client. The client-credentials token
// source caches the app token process-wide and refreshes it lazily ahead of
// its expiry.
type Client struct {
	http      *http.Client
	tokens    oauth2.TokenSource
	baseURL   string
	loc       *time.Location
	chunkSize int
	backoff   time.Duration
}

func New(cfg Config) (*Client, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("graph configuration is required: tenant id, client id, and client secret")
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Client{
		http:      &http.Client{Timeout: timeout},
		tokens:    cc.TokenSource(context.Background()),
		baseURL:   defaultBaseURL,
		loc:       loc,
		chunkSize: chunkSize,
		backoff:   retryBackoff,
	}, nil
}

// callError classifies a failed Graph call. Kind doubles as the metrics
// outcome label.
type callError struct {
	kind    string // "upstream", "transport", "malformed"
	message string
}

func (e *callError) Error() string { return e.message }

// Events fetches one user's calendar view for the range.
func (c *Client) Events(ctx context.Context, email string, rng calendar.Range) ([]calendar.Event, error) {
	events, cerr := c.fetchEvents(ctx, email, rng)
	if cerr != nil {
		return nil, cerr
	}
	return events, nil
}

// EventDetail fetches a single event for a user.
func (c *Client) EventDetail(ctx context.Context, email, eventID string) (*calendar.EventDetail, error) {
	path := fmt.Sprintf("/users/%s/events/%s", url.PathEscape(email), url.PathEscape(eventID))
	query := url.Values{}
	query.Set("$select", "id,subject,bodyPreview,organizer,location,start,end,isAllDay")

	body, cerr := c.get(ctx, c.baseURL+path+"?"+query.Encode())
	if cerr != nil {
		return nil, cerr
	}

	var raw graphEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &callError{kind: "malformed", message: "malformed calendar response"}
	}

	detail := &calendar.EventDetail{
		Event:       c.normalize(raw),
		BodyPreview: raw.BodyPreview,
		Organizer:   raw.Organizer.EmailAddress.Name,
	}
	return detail, nil
}

// EventsForMany issues the range query for every email, chunked into rounds
// of bounded concurrency. Successes land in the returned map keyed by email;
// failures become FetchError entries. The batch itself never fails.
func (c *Client) EventsForMany(ctx context.Context, emails []string, rng calendar.Range) (map[string][]calendar.Event, []calendar.FetchError) {
	results := make(map[string][]calendar.Event, len(emails))
	var fetchErrors []calendar.FetchError
	var mu sync.Mutex

	for start := 0; start < len(emails); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(emails) {
			end = len(emails)
		}
		chunk := emails[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, email := range chunk {
			email := email
			g.Go(func() error {
				events, cerr := c.fetchEvents(gctx, email, rng)

				mu.Lock()
				defer mu.Unlock()
				if cerr != nil {
					e := email
					fetchErrors = append(fetchErrors, calendar.FetchError{Email: &e, Message: cerr.message})
					return nil
				}
				results[email] = events
				return nil
			})
		}
		// Workers only record outcomes, so the join never yields an error.
		_ = g.Wait()
	}

	return results, fetchErrors
}

func (c *Client) fetchEvents(ctx context.Context, email string, rng calendar.Range) ([]calendar.Event, *callError) {
	path := fmt.Sprintf("/users/%s/calendarView", url.PathEscape(email))
	query := url.Values{}
	query.Set("startDateTime", rng.Start.Format(time.RFC3339))
	query.Set("endDateTime", rng.End.Format(time.RFC3339))
	query.Set("$orderby", "start/dateTime")
	query.Set("$top", "100")
	query.Set("$select", "id,subject,location,start,end,isAllDay")

	events := make([]calendar.Event, 0, 100)
	requestURL := c.baseURL + path + "?" + query.Encode()

	for page := 0; page < maxPages && requestURL != ""; page++ {
		body, cerr := c.get(ctx, requestURL)
		if cerr != nil {
			return nil, cerr
		}

		var raw struct {
			Value    []graphEvent `json:"value"`
			NextLink string       `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, &callError{kind: "malformed", message: "malformed calendar response"}
		}

		for _, ev := range raw.Value {
			events = append(events, c.normalize(ev))
		}
		requestURL = raw.NextLink
	}
	if requestURL != "" {
		log.Printf("[WARN] calendar for %s truncated after %d pages", email, maxPages)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Start < events[j].Start })
	return events, nil
}

// get performs an authorized GET against a fully-formed URL with bounded
// retry and classifies the outcome. Transport errors and 429/5xx responses
// are retried once with a fixed backoff before being reported.
func (c *Client) get(ctx context.Context, requestURL string) ([]byte, *callError) {
	start := time.Now()

	var lastErr *callError
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				metrics.ObserveUpstream("graph", "transport", start)
				return nil, &callError{kind: "transport", message: "no response from calendar service"}
			}
		}

		body, cerr, retryable := c.getOnce(ctx, requestURL)
		if cerr == nil {
			metrics.ObserveUpstream("graph", "success", start)
			return body, nil
		}
		lastErr = cerr
		if !retryable {
			break
		}
	}

	metrics.ObserveUpstream("graph", lastErr.kind, start)
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, requestURL string) ([]byte, *callError, bool) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, &callError{kind: "transport", message: "no response from calendar service"}, true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &callError{kind: "transport", message: "no response from calendar service"}, false
	}
	token.SetAuthHeader(req)
	req.Header.Set("Prefer", fmt.Sprintf("outlook.timezone=%q", c.loc.String()))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &callError{kind: "transport", message: "no response from calendar service"}, true
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &callError{kind: "transport", message: "no response from calendar service"}, true
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500

		// Graph error bodies carry a message worth surfacing.
		var graphErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		message := fmt.Sprintf("upstream status %d", resp.StatusCode)
		if err := json.Unmarshal(body, &graphErr); err == nil && graphErr.Error.Message != "" {
			message = graphErr.Error.Message
		}
		return nil, &callError{kind: "upstream", message: message}, retryable
	}

	return body, nil, false
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	IsAllDay    bool   `json:"isAllDay"`
	BodyPreview string `json:"bodyPreview"`
	Location    struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Organizer struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"organizer"`
	Start graphDateTime `json:"start"`
	End   graphDateTime `json:"end"`
}

func (c *Client) normalize(ev graphEvent) calendar.Event {
	return calendar.Event{
		ID:       ev.ID,
		Subject:  ev.Subject,
		Start:    c.normalizeTime(ev.Start),
		End:      c.normalizeTime(ev.End),
		Location: ev.Location.DisplayName,
		AllDay:   ev.IsAllDay,
	}
}

// normalizeTime converts a Graph date-time (already in the requested zone via
// the Prefer header) to RFC3339 in the application timezone.
func (c *Client) normalizeTime(dt graphDateTime) string {
	loc := c.loc
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if parsed, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = parsed
		}
	} else if dt.TimeZone == "UTC" {
		loc = time.UTC
	}

	t, err := time.ParseInLocation(graphTimeLayout, dt.DateTime, loc)
	if err != nil {
		// Pass through whatever Graph sent rather than dropping the event.
		return dt.DateTime
	}
	return t.In(c.loc).Format(time.RFC3339)
}
