package calendar

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gitea.jw6.us/james/teamcal/internal/cache"
)

type fakeGraph struct {
	mu      sync.Mutex
	fetched [][]string
	results map[string][]Event
	fail    map[string]string
}

func (f *fakeGraph) EventsForMany(_ context.Context, emails []string, _ Range) (map[string][]Event, []FetchError) {
	f.mu.Lock()
	f.fetched = append(f.fetched, append([]string(nil), emails...))
	f.mu.Unlock()

	results := make(map[string][]Event)
	var errs []FetchError
	for _, email := range emails {
		if message, ok := f.fail[email]; ok {
			e := email
			errs = append(errs, FetchError{Email: &e, Message: message})
			continue
		}
		results[email] = f.results[email]
	}
	return results, errs
}

func (f *fakeGraph) fetchedEmails() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all []string
	for _, batch := range f.fetched {
		all = append(all, batch...)
	}
	return all
}

func TestPartialFailureIsolation(t *testing.T) {
	users := []UserRef{
		{ID: 1, Email: "a@example.com"},
		{ID: 2, Email: "b@example.com"},
		{ID: 3, Email: "c@example.com"},
		{ID: 4, Email: "d@example.com"},
		{ID: 5, Username: "no-mailbox"},
	}
	graph := &fakeGraph{
		results: map[string][]Event{
			"a@example.com": {{ID: "e1"}},
			"c@example.com": {{ID: "e2"}},
		},
		fail: map[string]string{
			"b@example.com": "upstream status 500",
			"d@example.com": "no response from calendar service",
		},
	}
	agg := NewAggregator(graph, cache.NewMemory(), time.Minute)

	calendars, errs := agg.CalendarsForUsers(context.Background(), users, testRange(), false)

	if len(calendars) != 2 {
		t.Errorf("calendars = %d, want 2", len(calendars))
	}
	if len(errs) != 3 {
		t.Fatalf("errors = %d, want 3 (2 upstream + 1 missing email)", len(errs))
	}

	var missingEmail int
	for _, e := range errs {
		if e.Email == nil {
			missingEmail++
		}
	}
	if missingEmail != 1 {
		t.Errorf("missing-email errors = %d, want 1", missingEmail)
	}
}

func TestCacheHitSkipsUpstream(t *testing.T) {
	users := []UserRef{{ID: 1, Email: "a@example.com"}}
	graph := &fakeGraph{results: map[string][]Event{
		"a@example.com": {{ID: "e1", Subject: "1:1"}},
	}}
	mem := cache.NewMemory()
	agg := NewAggregator(graph, mem, time.Minute)

	first, errs := agg.CalendarsForUsers(context.Background(), users, testRange(), false)
	if len(errs) != 0 {
		t.Fatalf("errors = %v, want none", errs)
	}
	if len(first) != 1 || len(first[0].Events) != 1 {
		t.Fatalf("first result = %+v, want one calendar with one event", first)
	}

	second, _ := agg.CalendarsForUsers(context.Background(), users, testRange(), false)
	if len(second) != 1 || len(second[0].Events) != 1 {
		t.Fatalf("second result = %+v, want cached calendar", second)
	}
	if got := graph.fetchedEmails(); len(got) != 1 {
		t.Errorf("upstream fetches = %v, want exactly one (second call served from cache)", got)
	}
}

func TestForceBypassesCache(t *testing.T) {
	users := []UserRef{{ID: 1, Email: "a@example.com"}}
	graph := &fakeGraph{results: map[string][]Event{"a@example.com": {{ID: "e1"}}}}
	mem := cache.NewMemory()
	agg := NewAggregator(graph, mem, time.Minute)

	agg.CalendarsForUsers(context.Background(), users, testRange(), false)
	agg.CalendarsForUsers(context.Background(), users, testRange(), true)

	if got := graph.fetchedEmails(); len(got) != 2 {
		t.Errorf("upstream fetches = %v, want 2 (force ignores the cache)", got)
	}
}

func TestFailedFetchIsNotCached(t *testing.T) {
	users := []UserRef{{ID: 1, Email: "a@example.com"}}
	graph := &fakeGraph{fail: map[string]string{"a@example.com": "upstream status 503"}}
	mem := cache.NewMemory()
	agg := NewAggregator(graph, mem, time.Minute)

	_, errs := agg.CalendarsForUsers(context.Background(), users, testRange(), false)
	if len(errs) != 1 {
		t.Fatalf("errors = %d, want 1", len(errs))
	}

	data, err := mem.Get(context.Background(), userEventsKey("a@example.com", testRange()))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if data != nil {
		t.Error("failed fetch left a per-user cache entry")
	}
}

func TestSuccessfulFetchIsCachedPerUser(t *testing.T) {
	users := []UserRef{{ID: 1, Email: "a@example.com"}}
	graph := &fakeGraph{results: map[string][]Event{
		"a@example.com": {{ID: "e1", Subject: "Review", Start: "2024-01-02T10:00:00Z"}},
	}}
	mem := cache.NewMemory()
	agg := NewAggregator(graph, mem, time.Minute)

	agg.CalendarsForUsers(context.Background(), users, testRange(), false)

	data, err := mem.Get(context.Background(), userEventsKey("a@example.com", testRange()))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if data == nil {
		t.Fatal("expected a per-user cache entry")
	}

	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("cached entry is not valid JSON: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e1" {
		t.Errorf("cached events = %+v, want the fetched event", events)
	}
}
