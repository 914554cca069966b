package calendar

import (
	"fmt"
	"time"
)

// Status reports whether a cached aggregate is within the staleness window.
type Status string

const (
	StatusFresh      Status = "fresh"
	StatusRefreshing Status = "refreshing"
)

// Range is the date window a calendar query covers. Boundaries are
// interpreted in the application timezone.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r Range) startAtom() string { return r.Start.Format(time.RFC3339) }
func (r Range) endAtom() string   { return r.End.Format(time.RFC3339) }

// Event is a provider event normalized to ISO-8601 datetimes in the
// application timezone.
type Event struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location,omitempty"`
	AllDay   bool   `json:"all_day,omitempty"`
}

// EventDetail is the expanded form returned by the single-event lookup.
type EventDetail struct {
	Event
	BodyPreview string `json:"body_preview,omitempty"`
	Organizer   string `json:"organizer,omitempty"`
}

// UserRef identifies a directory user inside an aggregate. Email may be
// empty; the aggregator validates it once at entry.
type UserRef struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// UserCalendarResult pairs a user with their fetched events.
type UserCalendarResult struct {
	User   UserRef `json:"user"`
	Events []Event `json:"events"`
}

// FetchError records a single user's upstream failure without aborting the
// batch. Email is nil when the user had no email to fetch for.
type FetchError struct {
	Email   *string `json:"email"`
	Message string  `json:"message"`
}

// Aggregate is the merged calendars+errors payload cached per range.
type Aggregate struct {
	Calendars []UserCalendarResult `json:"calendars"`
	Errors    []FetchError         `json:"errors"`
}

// View is an aggregate as presented to callers, tagged with its staleness
// status and last successful refresh time.
type View struct {
	Aggregate
	Status        Status     `json:"status"`
	LastUpdatedAt *time.Time `json:"last_updated_at"`
}

// Cache key layout: "<provider>.calendar.<email-or-all>.<start>.<end>" with
// ".meta" and ".refreshing" suffixes for the timestamp and lock entries.
// Per-user entries carry a "user." segment so a single-email aggregate key
// never collides with that user's own entry.

func aggregateKey(rng Range, email string) string {
	scope := "all"
	if email != "" {
		scope = email
	}
	return fmt.Sprintf("graph.calendar.%s.%s.%s", scope, rng.startAtom(), rng.endAtom())
}

func userEventsKey(email string, rng Range) string {
	return fmt.Sprintf("graph.calendar.user.%s.%s.%s", email, rng.startAtom(), rng.endAtom())
}
