package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
	"github.com/hamzanaeem10/apexanalyst/internal/logger"
)

type fetchFunc func(ctx context.Context, key model.SessionKey, call int64) (*model.Dataset, error)

// stubFetcher counts calls per fidelity and tracks how many full fetches run
// at once. A nil func returns a small dataset of the requested fidelity.
type stubFetcher struct {
	reduced fetchFunc
	full    fetchFunc

	reducedCalls atomic.Int64
	fullCalls    atomic.Int64
	fullInflight atomic.Int64
	fullMax      atomic.Int64
}

func (s *stubFetcher) Fetch(ctx context.Context, key model.SessionKey, f model.Fidelity) (*model.Dataset, error) {
	if f == model.FidelityReduced {
		n := s.reducedCalls.Add(1)
		if s.reduced != nil {
			return s.reduced(ctx, key, n)
		}
		return dataset(key, f), nil
	}

	n := s.fullCalls.Add(1)
	cur := s.fullInflight.Add(1)
	defer s.fullInflight.Add(-1)
	for {
		old := s.fullMax.Load()
		if cur <= old || s.fullMax.CompareAndSwap(old, cur) {
			break
		}
	}
	if s.full != nil {
		return s.full(ctx, key, n)
	}
	return dataset(key, f), nil
}

func dataset(key model.SessionKey, f model.Fidelity) *model.Dataset {
	ds := &model.Dataset{
		Season:   key.Season,
		Event:    key.Event,
		Kind:     key.Kind,
		Fidelity: f,
		Drivers: []model.Driver{
			{Number: 1, Abbreviation: "VER", TeamName: "Red Bull Racing", TeamColor: "3671C6"},
			{Number: 16, Abbreviation: "LEC", TeamName: "Ferrari", TeamColor: "E8002D"},
		},
		Laps: []model.Lap{
			{Driver: "VER", LapNumber: 1, LapTime: 92 * time.Second},
			{Driver: "LEC", LapNumber: 1, LapTime: 93 * time.Second},
		},
	}
	if f == model.FidelityFull {
		ds.Telemetry = []model.TelemetrySample{{Driver: "VER", LapNumber: 1, Speed: 301.5, Gear: 8}}
	}
	return ds
}

// gated blocks each call until gate is closed, then returns a dataset.
func gated(gate <-chan struct{}, f model.Fidelity) fetchFunc {
	return func(ctx context.Context, key model.SessionKey, _ int64) (*model.Dataset, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return dataset(key, f), nil
	}
}

// goScheduler runs every job on its own goroutine.
type goScheduler struct{ wg sync.WaitGroup }

func (s *goScheduler) Submit(job func(ctx context.Context)) bool {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		job(context.Background())
	}()
	return true
}

type rejectScheduler struct{ n atomic.Int64 }

func (s *rejectScheduler) Submit(func(ctx context.Context)) bool {
	s.n.Add(1)
	return false
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) snapshot() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func newTestCache(f Fetcher, sched Scheduler) *Cache {
	return New(f, Options{Logger: logger.Discard(), Scheduler: sched})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func mustGet(t *testing.T, c *Cache, id string) Snapshot {
	t.Helper()
	s, err := c.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return s
}
