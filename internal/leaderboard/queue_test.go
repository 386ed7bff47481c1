package leaderboard

import (
	"context"
	"testing"
	"time"

	"github.com/tiderank/tiderank/internal/domain"
	"github.com/tiderank/tiderank/internal/notify"
	"github.com/tiderank/tiderank/internal/store"
)

func put(t *testing.T, svc *Service, category string) string {
	t.Helper()
	key := "lb:" + category + ":composite:7d:10"
	svc.cache.Put(key, compositePage(), "composite", category, nil)
	return key
}

func TestQueueUpdateInvalidatesSynchronously(t *testing.T) {
	eng := &fakeEngine{pages: map[string][]domain.Entry{}}
	svc, _ := newTestService(eng)

	compositeKey := put(t, svc, "composite")
	activityKey := put(t, svc, "activity")
	ratingKey := put(t, svc, "rating")

	err := svc.QueueUpdate(context.Background(), &domain.UpdateEvent{
		UserID:             "u1",
		Type:               domain.EventTripCompleted,
		AffectedCategories: []string{"composite", "activity"},
	})
	if err != nil {
		t.Fatalf("QueueUpdate failed: %v", err)
	}

	// Invalidation happens before QueueUpdate returns; no drain needed.
	if svc.cache.Get(compositeKey) != nil {
		t.Fatal("composite entry should be invalidated")
	}
	if svc.cache.Get(activityKey) != nil {
		t.Fatal("activity entry should be invalidated")
	}
	if svc.cache.Get(ratingKey) == nil {
		t.Fatal("rating entry should remain")
	}
}

func TestQueueUpdateAlwaysInvalidatesComposite(t *testing.T) {
	eng := &fakeEngine{pages: map[string][]domain.Entry{}}
	svc, _ := newTestService(eng)

	compositeKey := put(t, svc, "composite")

	err := svc.QueueUpdate(context.Background(), &domain.UpdateEvent{
		UserID:             "u1",
		Type:               domain.EventRatingUpdated,
		AffectedCategories: []string{"rating"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if svc.cache.Get(compositeKey) != nil {
		t.Fatal("composite entries are affected by every event and must be invalidated")
	}
}

func TestQueueUpdateRejectsInvalidEvent(t *testing.T) {
	eng := &fakeEngine{}
	svc, _ := newTestService(eng)

	err := svc.QueueUpdate(context.Background(), &domain.UpdateEvent{
		UserID: "", Type: domain.EventBadgeAwarded,
	})
	if err == nil {
		t.Fatal("expected error for missing user ID")
	}

	err = svc.QueueUpdate(context.Background(), &domain.UpdateEvent{
		UserID: "u1", Type: "mystery_event",
	})
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
	if svc.QueueDepth() != 0 {
		t.Fatalf("invalid events must not be queued, depth=%d", svc.QueueDepth())
	}
}

func TestQueueUpdateFiresUpdateNotification(t *testing.T) {
	eng := &fakeEngine{}
	svc, disp := newTestService(eng)

	if err := svc.QueueUpdate(context.Background(), &domain.UpdateEvent{
		UserID:             "u7",
		Type:               domain.EventAchievementUnlocked,
		AffectedCategories: []string{"achievements"},
	}); err != nil {
		t.Fatal(err)
	}

	notes := disp.byType(notify.KindLeaderboardUpdate)
	if len(notes) != 1 || notes[0].UserID != "u7" {
		t.Fatalf("expected one leaderboard_update for u7, got %+v", notes)
	}
}

func TestDrainSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	eng := &fakeEngine{pages: map[string][]domain.Entry{"composite": compositePage()}}
	eng.onFetch = func() {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}
	svc, _ := newTestService(eng)

	for _, user := range []string{"u1", "u2", "u3"} {
		if err := svc.QueueUpdate(context.Background(), &domain.UpdateEvent{
			UserID:             user,
			Type:               domain.EventExperienceGained,
			AffectedCategories: []string{"composite"},
		}); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() {
		svc.DrainNow(context.Background())
		close(done)
	}()

	<-entered // first pass is inside the engine call

	if !svc.Draining() {
		t.Fatal("draining flag should be set during a pass")
	}

	// A second caller loses the single-flight race and returns at once.
	svc.DrainNow(context.Background())
	svc.Signal() // watchdog is also a no-op while draining

	close(gate)
	<-done

	if svc.Draining() {
		t.Fatal("draining flag should be clear after the pass")
	}
	// One pass, one category: exactly one engine fetch despite three events
	// and the competing drain attempts.
	if eng.calls() != 1 {
		t.Fatalf("expected exactly 1 engine fetch, got %d", eng.calls())
	}
	if svc.QueueDepth() != 0 {
		t.Fatalf("queue should be empty after drain, depth=%d", svc.QueueDepth())
	}
}

func TestDrainBroadcastsSignificantChange(t *testing.T) {
	eng := &fakeEngine{pages: map[string][]domain.Entry{
		"composite": {
			{Rank: 1, UserID: "u1", Score: 990},
			{Rank: 4, UserID: "u2", Score: 800},
		},
	}}
	svc, disp := newTestService(eng)

	ctx := context.Background()
	// u1 climbs 10 -> 1 (significant), u2 moves 5 -> 4 (not significant).
	svc.positions.Put(ctx, &domain.PositionSnapshot{UserID: "u1", Category: "composite", Rank: 10})
	svc.positions.Put(ctx, &domain.PositionSnapshot{UserID: "u2", Category: "composite", Rank: 5})

	for _, user := range []string{"u1", "u2"} {
		if err := svc.QueueUpdate(ctx, &domain.UpdateEvent{
			UserID:             user,
			Type:               domain.EventTripCompleted,
			AffectedCategories: []string{"composite"},
		}); err != nil {
			t.Fatal(err)
		}
	}

	svc.DrainNow(ctx)

	notes := disp.byType(notify.KindPositionChange)
	if len(notes) != 1 {
		t.Fatalf("expected exactly one position_change, got %d: %+v", len(notes), notes)
	}
	if notes[0].UserID != "u1" {
		t.Fatalf("expected broadcast for u1, got %s", notes[0].UserID)
	}
	if notes[0].Data["previousRank"] != 10 || notes[0].Data["currentRank"] != 1 {
		t.Fatalf("unexpected broadcast data: %+v", notes[0].Data)
	}

	// Snapshots advanced for both users.
	snap, err := svc.positions.Get(ctx, "u2", "composite")
	if err != nil {
		t.Fatalf("u2 snapshot missing: %v", err)
	}
	if snap.Rank != 4 {
		t.Fatalf("u2 snapshot should be updated to 4, got %d", snap.Rank)
	}
}

func TestDrainAtMostOneBroadcastPerUser(t *testing.T) {
	eng := &fakeEngine{pages: map[string][]domain.Entry{
		"composite": {{Rank: 1, UserID: "u1", Score: 990}},
		"activity":  {{Rank: 2, UserID: "u1", Score: 700}},
	}}
	svc, disp := newTestService(eng)

	ctx := context.Background()
	// Significant moves in both categories; only the larger one is sent.
	svc.positions.Put(ctx, &domain.PositionSnapshot{UserID: "u1", Category: "composite", Rank: 12})
	svc.positions.Put(ctx, &domain.PositionSnapshot{UserID: "u1", Category: "activity", Rank: 6})

	if err := svc.QueueUpdate(ctx, &domain.UpdateEvent{
		UserID:             "u1",
		Type:               domain.EventTripCompleted,
		AffectedCategories: []string{"activity"},
	}); err != nil {
		t.Fatal(err)
	}

	svc.DrainNow(ctx)

	notes := disp.byType(notify.KindPositionChange)
	if len(notes) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(notes))
	}
	if notes[0].Data["category"] != "composite" {
		t.Fatalf("expected the larger composite move to win, got %+v", notes[0].Data)
	}
}

func TestDrainFirstObservationSetsBaseline(t *testing.T) {
	eng := &fakeEngine{pages: map[string][]domain.Entry{
		"composite": {{Rank: 2, UserID: "newcomer", Score: 500}},
	}}
	svc, disp := newTestService(eng)

	ctx := context.Background()
	if err := svc.QueueUpdate(ctx, &domain.UpdateEvent{
		UserID:             "newcomer",
		Type:               domain.EventBadgeAwarded,
		AffectedCategories: []string{"composite"},
	}); err != nil {
		t.Fatal(err)
	}

	svc.DrainNow(ctx)

	if notes := disp.byType(notify.KindPositionChange); len(notes) != 0 {
		t.Fatalf("first observation must not broadcast, got %+v", notes)
	}

	snap, err := svc.positions.Get(ctx, "newcomer", "composite")
	if err != nil {
		t.Fatalf("baseline snapshot missing: %v", err)
	}
	if snap.Rank != 2 {
		t.Fatalf("expected baseline rank 2, got %d", snap.Rank)
	}
}

func TestDrainLoopProcessesQueuedEvents(t *testing.T) {
	eng := &fakeEngine{pages: map[string][]domain.Entry{
		"composite": {{Rank: 1, UserID: "u1", Score: 990}},
	}}
	svc, disp := newTestService(eng)

	ctx := context.Background()
	svc.positions.Put(ctx, &domain.PositionSnapshot{UserID: "u1", Category: "composite", Rank: 9})

	svc.Start()
	defer svc.Stop()

	if err := svc.QueueUpdate(ctx, &domain.UpdateEvent{
		UserID:             "u1",
		Type:               domain.EventTripCompleted,
		AffectedCategories: []string{"composite"},
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(disp.byType(notify.KindPositionChange)) == 1 && svc.QueueDepth() == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("drain loop never processed the event: depth=%d notes=%+v",
				svc.QueueDepth(), disp.byType(notify.KindPositionChange))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEvaluateUserEngineFailureDropsEvent(t *testing.T) {
	eng := &fakeEngine{err: context.DeadlineExceeded}
	svc, disp := newTestService(eng)

	ctx := context.Background()
	if err := svc.QueueUpdate(ctx, &domain.UpdateEvent{
		UserID:             "u1",
		Type:               domain.EventTripCompleted,
		AffectedCategories: []string{"composite"},
	}); err != nil {
		t.Fatal(err)
	}

	// Must not panic or block; the event is dropped with a logged error.
	svc.DrainNow(ctx)

	if svc.QueueDepth() != 0 {
		t.Fatal("failed events are consumed, not requeued")
	}
	if notes := disp.byType(notify.KindPositionChange); len(notes) != 0 {
		t.Fatalf("no broadcast expected on failure, got %+v", notes)
	}
	if _, err := svc.positions.(*store.MemoryStore).Get(ctx, "u1", "composite"); err != store.ErrNotFound {
		t.Fatalf("no snapshot should be written on failure, got %v", err)
	}
}
