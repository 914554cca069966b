package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"gitea.jw6.us/james/teamcal/internal/calendar"
)

type fakeRefresher struct {
	mu     sync.Mutex
	ranges []calendar.Range
}

func (f *fakeRefresher) Refresh(_ context.Context, rng calendar.Range, _ string, _ bool) (calendar.View, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, rng)
	return calendar.View{}, true, nil
}

func (f *fakeRefresher) calls() []calendar.Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]calendar.Range(nil), f.ranges...)
}

func TestWindowSpansFromStartOfToday(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	s := New(&fakeRefresher{}, time.Minute, 7, loc)
	s.now = func() time.Time {
		return time.Date(2024, 6, 15, 18, 45, 0, 0, time.UTC)
	}

	rng := s.window()

	wantStart := time.Date(2024, 6, 15, 0, 0, 0, 0, loc)
	if !rng.Start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", rng.Start, wantStart)
	}
	if !rng.End.Equal(wantStart.AddDate(0, 0, 7)) {
		t.Errorf("end = %v, want 7 days after start", rng.End)
	}
}

func TestRunRefreshesImmediately(t *testing.T) {
	coord := &fakeRefresher{}
	s := New(coord, time.Hour, 7, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for len(coord.calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not refresh on startup")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
