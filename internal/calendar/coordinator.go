package calendar

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"gitea.jw6.us/james/teamcal/internal/cache"
	"gitea.jw6.us/james/teamcal/internal/metrics"
)

// UserDirectory resolves the user set a refresh fans out over.
type UserDirectory interface {
	// List returns all users that have an email address.
	List(ctx context.Context) ([]UserRef, error)
	// ByEmail returns the user with the given email, or nil.
	ByEmail(ctx context.Context, email string) (*UserRef, error)
}

// AggregatorAPI is the fan-out contract the coordinator drives.
type AggregatorAPI interface {
	CalendarsForUsers(ctx context.Context, users []UserRef, rng Range, force bool) ([]UserCalendarResult, []FetchError)
}

const (
	defaultStaleness = 5 * time.Minute
	defaultLockTTL   = 5 * time.Minute
	defaultEntryTTL  = time.Hour
)

// Coordinator owns the aggregate cache entry and its refresh lifecycle. Reads
// never refresh synchronously; refreshes are serialized per cache key through
// the store's add-if-absent semantics, which holds across process instances.
// The lock TTL bounds a wedged refresh: a holder that crashes without
// releasing simply stops blocking others once the TTL lapses.
type Coordinator struct {
	agg   AggregatorAPI
	users UserDirectory
	cache cache.Cache

	staleness time.Duration
	lockTTL   time.Duration
	entryTTL  time.Duration

	now func() time.Time
}

func NewCoordinator(agg AggregatorAPI, users UserDirectory, c cache.Cache, staleness, lockTTL, entryTTL time.Duration) *Coordinator {
	if staleness == 0 {
		staleness = defaultStaleness
	}
	if lockTTL == 0 {
		lockTTL = defaultLockTTL
	}
	if entryTTL == 0 {
		entryTTL = defaultEntryTTL
	}
	return &Coordinator{
		agg:       agg,
		users:     users,
		cache:     c,
		staleness: staleness,
		lockTTL:   lockTTL,
		entryTTL:  entryTTL,
		now:       time.Now,
	}
}

// Get returns whatever is cached for the key, tagged fresh or refreshing.
// It never triggers a refresh itself; callers seeing "refreshing" are
// expected to kick one asynchronously.
func (c *Coordinator) Get(ctx context.Context, rng Range, email string) View {
	aggregate, lastUpdated := c.read(ctx, rng, email)
	if lastUpdated != nil {
		metrics.CacheHit("aggregate")
	} else {
		metrics.CacheMiss("aggregate")
	}
	return c.view(aggregate, lastUpdated)
}

// Refresh re-fetches the aggregate under the per-key refresh lock. When
// another refresh holds the lock, the current cached payload is returned
// immediately, always tagged refreshing regardless of its age; callers never
// block on the lock. The second return value reports whether this call
// performed the refresh.
func (c *Coordinator) Refresh(ctx context.Context, rng Range, email string, force bool) (View, bool, error) {
	lockKey := aggregateKey(rng, email) + ".refreshing"

	acquired, err := c.cache.Add(ctx, lockKey, []byte(c.now().Format(time.RFC3339)), c.lockTTL)
	if err != nil {
		log.Printf("[ERROR] refresh lock acquisition failed for %s: %v", lockKey, err)
		return c.contendedView(ctx, rng, email), false, nil
	}
	if !acquired {
		metrics.RefreshLockContention()
		return c.contendedView(ctx, rng, email), false, nil
	}
	defer func() {
		// The lock must go away even when the caller has disconnected; a
		// cancelled release would hold it for the full TTL.
		if err := c.cache.Forget(context.WithoutCancel(ctx), lockKey); err != nil {
			log.Printf("[WARN] refresh lock release failed for %s: %v", lockKey, err)
		}
	}()

	start := c.now()
	users, fetchErrors, err := c.resolveUsers(ctx, email)
	if err != nil {
		metrics.ObserveRefresh("error", start)
		return View{}, true, err
	}

	calendars, errs := c.agg.CalendarsForUsers(ctx, users, rng, force)
	fetchErrors = append(fetchErrors, errs...)

	aggregate, lastUpdated := c.write(ctx, rng, email, calendars, fetchErrors)
	metrics.ObserveRefresh("success", start)
	return c.view(aggregate, lastUpdated), true, nil
}

// contendedView returns the cached payload for callers that lost the lock
// race. Another refresh is in flight, so the status is refreshing even when
// the entry is still inside the staleness window.
func (c *Coordinator) contendedView(ctx context.Context, rng Range, email string) View {
	view := c.Get(ctx, rng, email)
	view.Status = StatusRefreshing
	return view
}

func (c *Coordinator) resolveUsers(ctx context.Context, email string) ([]UserRef, []FetchError, error) {
	if email != "" {
		user, err := c.users.ByEmail(ctx, email)
		if err != nil {
			return nil, nil, err
		}
		if user == nil {
			e := email
			return nil, []FetchError{{Email: &e, Message: "no user with this email"}}, nil
		}
		return []UserRef{*user}, nil, nil
	}

	users, err := c.users.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	return users, nil, nil
}

// write stores the new aggregate, holding back a regression: a refresh that
// produced no calendars must not erase previously cached ones. In that case
// the old payload and its timestamp survive while the new errors are still
// surfaced.
func (c *Coordinator) write(ctx context.Context, rng Range, email string, calendars []UserCalendarResult, fetchErrors []FetchError) (Aggregate, *time.Time) {
	entryKey := aggregateKey(rng, email)
	metaKey := entryKey + ".meta"

	previous, previousUpdated := c.read(ctx, rng, email)

	aggregate := Aggregate{Calendars: calendars, Errors: fetchErrors}
	lastUpdated := c.now()
	updatedAt := &lastUpdated
	touchMeta := true

	if len(calendars) == 0 && len(previous.Calendars) > 0 {
		aggregate.Calendars = previous.Calendars
		updatedAt = previousUpdated
		touchMeta = false
	}

	data, err := json.Marshal(aggregate)
	if err != nil {
		log.Printf("[ERROR] aggregate cache marshal failed for %s: %v", entryKey, err)
		return aggregate, updatedAt
	}
	if err := c.cache.Put(ctx, entryKey, data, c.entryTTL); err != nil {
		log.Printf("[ERROR] aggregate cache write failed for %s: %v", entryKey, err)
		return aggregate, updatedAt
	}
	if touchMeta {
		if err := c.cache.Put(ctx, metaKey, []byte(lastUpdated.Format(time.RFC3339)), c.entryTTL); err != nil {
			log.Printf("[ERROR] aggregate meta write failed for %s: %v", metaKey, err)
		}
	}
	return aggregate, updatedAt
}

func (c *Coordinator) read(ctx context.Context, rng Range, email string) (Aggregate, *time.Time) {
	entryKey := aggregateKey(rng, email)

	var aggregate Aggregate
	if data, err := c.cache.Get(ctx, entryKey); err == nil && data != nil {
		if err := json.Unmarshal(data, &aggregate); err != nil {
			log.Printf("[WARN] aggregate cache entry corrupt for %s: %v", entryKey, err)
			aggregate = Aggregate{}
		}
	}

	var lastUpdated *time.Time
	if data, err := c.cache.Get(ctx, entryKey+".meta"); err == nil && data != nil {
		if t, err := time.Parse(time.RFC3339, string(data)); err == nil {
			lastUpdated = &t
		}
	}
	return aggregate, lastUpdated
}

func (c *Coordinator) view(aggregate Aggregate, lastUpdated *time.Time) View {
	if aggregate.Calendars == nil {
		aggregate.Calendars = []UserCalendarResult{}
	}
	if aggregate.Errors == nil {
		aggregate.Errors = []FetchError{}
	}

	status := StatusRefreshing
	if lastUpdated != nil && c.now().Sub(*lastUpdated) < c.staleness {
		status = StatusFresh
	}
	return View{Aggregate: aggregate, Status: status, LastUpdatedAt: lastUpdated}
}
