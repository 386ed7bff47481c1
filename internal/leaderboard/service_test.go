package leaderboard

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tiderank/tiderank/internal/domain"
	"github.com/tiderank/tiderank/internal/metrics"
	"github.com/tiderank/tiderank/internal/notify"
	"github.com/tiderank/tiderank/internal/pagecache"
	"github.com/tiderank/tiderank/internal/store"
)

type fakeEngine struct {
	mu          sync.Mutex
	pages       map[string][]domain.Entry // keyed by category
	fetchCalls  int
	recalcCalls int
	err         error
	onFetch     func()
}

func (f *fakeEngine) FetchPage(ctx context.Context, q domain.Query) ([]domain.Entry, map[string]any, error) {
	f.mu.Lock()
	f.fetchCalls++
	onFetch := f.onFetch
	err := f.err
	entries := f.pages[q.Category]
	f.mu.Unlock()

	if onFetch != nil {
		onFetch()
	}
	if err != nil {
		return nil, nil, err
	}
	return entries, map[string]any{"source": "fake"}, nil
}

func (f *fakeEngine) TriggerRecalculation(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recalcCalls++
	return f.err
}

func (f *fakeEngine) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

type fakeDispatcher struct {
	mu      sync.Mutex
	notes   []notify.Notification
	batches [][]notify.Notification
}

func (f *fakeDispatcher) Dispatch(_ context.Context, note notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
}

func (f *fakeDispatcher) DispatchAll(_ context.Context, notes []notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, notes...)
	f.batches = append(f.batches, notes)
}

func (f *fakeDispatcher) byType(kind string) []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.Notification
	for _, n := range f.notes {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}

func newTestService(eng *fakeEngine) (*Service, *fakeDispatcher) {
	disp := &fakeDispatcher{}
	svc := New(Deps{
		Cache:     pagecache.New(metrics.Nop()),
		Engine:    eng,
		Positions: store.NewMemoryStore(),
		Notifier:  disp,
		Metrics:   metrics.Nop(),
	})
	return svc, disp
}

func compositePage() []domain.Entry {
	return []domain.Entry{
		{Rank: 1, UserID: "u1", Score: 990},
		{Rank: 2, UserID: "u2", Score: 955},
		{Rank: 3, UserID: "u3", Score: 910},
	}
}

func TestGetLeaderboardMissThenHit(t *testing.T) {
	eng := &fakeEngine{pages: map[string][]domain.Entry{"composite": compositePage()}}
	svc, _ := newTestService(eng)

	q := domain.Query{Category: "composite", Algorithm: "composite", Timeframe: "7d", Limit: 10}

	page, err := svc.GetLeaderboard(context.Background(), q)
	if err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	if page.FromCache {
		t.Fatal("first read should not come from cache")
	}
	if len(page.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(page.Entries))
	}

	page, err = svc.GetLeaderboard(context.Background(), q)
	if err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if !page.FromCache {
		t.Fatal("second read should come from cache")
	}
	if page.Entries[0].UserID != "u1" {
		t.Fatalf("cached data mismatch: %+v", page.Entries)
	}
	if eng.calls() != 1 {
		t.Fatalf("engine should be called once, got %d", eng.calls())
	}
}

func TestGetLeaderboardBypassCache(t *testing.T) {
	eng := &fakeEngine{pages: map[string][]domain.Entry{"composite": compositePage()}}
	svc, _ := newTestService(eng)

	q := domain.Query{Category: "composite", Algorithm: "composite", Timeframe: "7d", Limit: 10}

	if _, err := svc.GetLeaderboard(context.Background(), q); err != nil {
		t.Fatal(err)
	}

	q.BypassCache = true
	page, err := svc.GetLeaderboard(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if page.FromCache {
		t.Fatal("bypass read must not be served from cache")
	}
	if eng.calls() != 2 {
		t.Fatalf("engine should be called twice, got %d", eng.calls())
	}
}

func TestGetLeaderboardEngineErrorPropagates(t *testing.T) {
	wantErr := errors.New("engine down")
	eng := &fakeEngine{err: wantErr}
	svc, _ := newTestService(eng)

	_, err := svc.GetLeaderboard(context.Background(), domain.Query{Category: "composite"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected engine error to propagate, got: %v", err)
	}
}

func TestGetLeaderboardStaleFetchCannotRepopulate(t *testing.T) {
	eng := &fakeEngine{pages: map[string][]domain.Entry{"composite": compositePage()}}
	svc, _ := newTestService(eng)

	// An update lands while the engine fetch is in flight, invalidating
	// the composite category after the reader captured its version.
	eng.onFetch = func() {
		eng.mu.Lock()
		eng.onFetch = nil // only on the first fetch
		eng.mu.Unlock()
		err := svc.QueueUpdate(context.Background(), &domain.UpdateEvent{
			UserID:             "u9",
			Type:               domain.EventTripCompleted,
			AffectedCategories: []string{"composite"},
		})
		if err != nil {
			t.Errorf("QueueUpdate failed: %v", err)
		}
	}

	q := domain.Query{Category: "composite", Algorithm: "composite", Timeframe: "7d", Limit: 10}

	page, err := svc.GetLeaderboard(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if page.FromCache {
		t.Fatal("first read should be fresh")
	}

	// The fetched page was stale relative to the invalidation, so the next
	// read must go back to the engine instead of serving it from cache.
	page, err = svc.GetLeaderboard(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if page.FromCache {
		t.Fatal("stale page must not have been cached")
	}
}

func TestRecalculateClearsCacheAndCallsEngine(t *testing.T) {
	eng := &fakeEngine{pages: map[string][]domain.Entry{"composite": compositePage()}}
	svc, _ := newTestService(eng)

	q := domain.Query{Category: "composite", Algorithm: "composite", Timeframe: "7d", Limit: 10}
	if _, err := svc.GetLeaderboard(context.Background(), q); err != nil {
		t.Fatal(err)
	}

	if err := svc.Recalculate(context.Background()); err != nil {
		t.Fatalf("Recalculate failed: %v", err)
	}
	if eng.recalcCalls != 1 {
		t.Fatalf("expected one recalculation trigger, got %d", eng.recalcCalls)
	}

	page, err := svc.GetLeaderboard(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if page.FromCache {
		t.Fatal("cache should be empty after recalculation")
	}
}
