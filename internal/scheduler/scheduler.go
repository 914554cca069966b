// Package scheduler periodically refreshes the aggregate calendar cache for
// a rolling window, so staleness is repaired in the background instead of on
// a user's request.
package scheduler

import (
	"context"
	"log"
	"time"

	"gitea.jw6.us/james/teamcal/internal/calendar"
)

// Refresher is the coordinator operation the scheduler drives.
type Refresher interface {
	Refresh(ctx context.Context, rng calendar.Range, email string, force bool) (calendar.View, bool, error)
}

// Scheduler refreshes the all-users aggregate for the next windowDays days
// on a fixed interval. Lock contention with a request-triggered refresh is
// harmless; the coordinator simply skips the round.
type Scheduler struct {
	coord      Refresher
	interval   time.Duration
	windowDays int
	loc        *time.Location

	now func() time.Time
}

func New(coord Refresher, interval time.Duration, windowDays int, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		coord:      coord,
		interval:   interval,
		windowDays: windowDays,
		loc:        loc,
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled, refreshing once per interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.refreshOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshOnce(ctx)
		}
	}
}

func (s *Scheduler) refreshOnce(ctx context.Context) {
	rng := s.window()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, performed, err := s.coord.Refresh(ctx, rng, "", false)
	if err != nil {
		log.Printf("[ERROR] scheduled calendar refresh failed: %v", err)
		return
	}
	if !performed {
		log.Printf("[INFO] scheduled calendar refresh skipped: another refresh in flight")
	}
}

// window spans from the start of today to the end of the rolling period, in
// the application timezone.
func (s *Scheduler) window() calendar.Range {
	now := s.now().In(s.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	return calendar.Range{
		Start: start,
		End:   start.AddDate(0, 0, s.windowDays),
	}
}
