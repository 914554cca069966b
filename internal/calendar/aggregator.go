package calendar

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"gitea.jw6.us/james/teamcal/internal/cache"
	"gitea.jw6.us/james/teamcal/internal/metrics"
)

// GraphEvents is the upstream batch contract. Implementations chunk the
// emails into bounded concurrent rounds and never fail the batch as a whole.
type GraphEvents interface {
	EventsForMany(ctx context.Context, emails []string, rng Range) (map[string][]Event, []FetchError)
}

const defaultUserTTL = 10 * time.Minute

// Aggregator assembles the company-wide calendar view: cache-first per user,
// one batched upstream round for the misses, partial failures collected as
// data. The per-user cache has a shorter TTL than the aggregate entry so
// frequent aggregate refreshes only re-fetch what actually went cold.
type Aggregator struct {
	graph   GraphEvents
	cache   cache.Cache
	userTTL time.Duration
}

func NewAggregator(graph GraphEvents, c cache.Cache, userTTL time.Duration) *Aggregator {
	if userTTL == 0 {
		userTTL = defaultUserTTL
	}
	return &Aggregator{graph: graph, cache: c, userTTL: userTTL}
}

// CalendarsForUsers fetches every user's calendar for the range. Users
// without an email are skipped with a recorded error. No single failure
// aborts the others, and the full aggregate is returned only once every
// upstream round has completed.
func (a *Aggregator) CalendarsForUsers(ctx context.Context, users []UserRef, rng Range, force bool) ([]UserCalendarResult, []FetchError) {
	var calendars []UserCalendarResult
	var fetchErrors []FetchError

	var missEmails []string
	byEmail := make(map[string]UserRef)

	for _, user := range users {
		if user.Email == "" {
			fetchErrors = append(fetchErrors, FetchError{
				Email:   nil,
				Message: "user " + user.Username + " has no email address",
			})
			continue
		}

		if !force {
			if events, ok := a.cachedEvents(ctx, user.Email, rng); ok {
				metrics.CacheHit("user")
				calendars = append(calendars, UserCalendarResult{User: user, Events: events})
				continue
			}
			metrics.CacheMiss("user")
		}

		missEmails = append(missEmails, user.Email)
		byEmail[user.Email] = user
	}

	if len(missEmails) == 0 {
		return calendars, fetchErrors
	}

	results, errs := a.graph.EventsForMany(ctx, missEmails, rng)
	fetchErrors = append(fetchErrors, errs...)

	// Merge by identity; completion order within the batch carries no meaning.
	for _, email := range missEmails {
		events, ok := results[email]
		if !ok {
			continue
		}
		a.storeEvents(ctx, email, rng, events)
		calendars = append(calendars, UserCalendarResult{User: byEmail[email], Events: events})
	}

	return calendars, fetchErrors
}

func (a *Aggregator) cachedEvents(ctx context.Context, email string, rng Range) ([]Event, bool) {
	data, err := a.cache.Get(ctx, userEventsKey(email, rng))
	if err != nil || data == nil {
		return nil, false
	}

	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, false
	}
	return events, true
}

func (a *Aggregator) storeEvents(ctx context.Context, email string, rng Range, events []Event) {
	data, err := json.Marshal(events)
	if err != nil {
		return
	}
	if err := a.cache.Put(ctx, userEventsKey(email, rng), data, a.userTTL); err != nil {
		log.Printf("[WARN] per-user calendar cache write failed for %s: %v", email, err)
	}
}
