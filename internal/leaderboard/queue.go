package leaderboard

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tiderank/tiderank/internal/domain"
	"github.com/tiderank/tiderank/internal/logging"
	"github.com/tiderank/tiderank/internal/notify"
	"github.com/tiderank/tiderank/internal/store"
)

// SignificantDelta is the rank shift, in positions, that makes a change
// worth broadcasting to the user.
const SignificantDelta = 3

// drainPageLimit is how deep a page the drainer fetches when locating a
// user's current rank. Users below this depth get no position broadcast.
const drainPageLimit = 100

// QueueUpdate accepts a score-affecting event.
//
// Invalidation is synchronous: by the time this returns, every cached page
// in an affected category (composite always included, since composite scores
// move on nearly every event) is gone from the local cache, the shared cache
// if configured, and peer caches via pub/sub. The event itself is queued for
// asynchronous rank evaluation, and a leaderboard_update notification is
// dispatched regardless of how that evaluation goes.
func (s *Service) QueueUpdate(ctx context.Context, event *domain.UpdateEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.EnqueuedAt = time.Now()

	categories := withComposite(event.AffectedCategories)
	s.cache.InvalidateCategories(categories...)
	s.invalidateShared(ctx, categories)

	s.queueMu.Lock()
	s.pending = append(s.pending, event)
	depth := len(s.pending)
	s.queueMu.Unlock()

	s.metrics.EventQueued(string(event.Type))
	s.metrics.SetQueueDepth(depth)

	// Coalescing wake-up: a pending signal already covers this event.
	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.notifier.Dispatch(context.Background(), notify.Notification{
		UserID: event.UserID,
		Type:   notify.KindLeaderboardUpdate,
		Data: map[string]any{
			"eventType":  event.Type,
			"categories": categories,
		},
	})

	return nil
}

func (s *Service) invalidateShared(ctx context.Context, categories []string) {
	if s.l2 == nil && s.invalidator == nil {
		return
	}
	for _, c := range categories {
		fragment := "lb:" + c + ":"
		if s.l2 != nil {
			if _, err := s.l2.DeleteMatching(ctx, fragment); err != nil {
				logging.Op().Warn("shared cache invalidation failed", "category", c, "error", err)
			}
		}
		if s.invalidator != nil {
			if err := s.invalidator.PublishInvalidation(ctx, fragment); err != nil {
				logging.Op().Warn("invalidation publish failed", "category", c, "error", err)
			}
		}
	}
}

// Start launches the drain goroutine. The queue accepts events before Start;
// they sit until the first drain.
func (s *Service) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.drainLoop()
	logging.Op().Info("update queue drainer started")
}

// Stop terminates the drain goroutine. Pending events stay queued and are
// lost with the process; the queue is in-memory by contract.
func (s *Service) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	<-s.stopped
	logging.Op().Info("update queue drainer stopped")
}

func (s *Service) drainLoop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
			s.DrainNow(context.Background())
		}
	}
}

// QueueDepth returns the number of pending events.
func (s *Service) QueueDepth() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.pending)
}

// Draining reports whether a drain pass is in flight.
func (s *Service) Draining() bool {
	return s.draining.Load()
}

// Signal wakes the drainer if work is pending and no pass is running.
// The maintenance watchdog calls this as a safety net against a missed
// wake-up.
func (s *Service) Signal() {
	if s.QueueDepth() == 0 || s.draining.Load() {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// DrainNow runs one drain pass synchronously. At most one pass runs at a
// time; a call that loses the flag race returns immediately and leaves the
// queue to the running pass.
func (s *Service) DrainNow(ctx context.Context) {
	if !s.draining.CompareAndSwap(false, true) {
		return
	}
	defer s.draining.Store(false)

	s.queueMu.Lock()
	batch := s.pending
	s.pending = nil
	s.queueMu.Unlock()
	s.metrics.SetQueueDepth(0)

	if len(batch) == 0 {
		return
	}

	start := time.Now()

	byUser := make(map[string][]*domain.UpdateEvent)
	for _, e := range batch {
		byUser[e.UserID] = append(byUser[e.UserID], e)
	}

	// Pages are fetched once per category per pass, shared across users.
	pages := make(map[string][]domain.Entry)
	pageErrs := make(map[string]error)

	var notes []notify.Notification
	for userID, events := range byUser {
		note, err := s.evaluateUser(ctx, userID, events, pages, pageErrs)
		if err != nil {
			// The events are already consumed; the rank evaluation is
			// lost but the loss is visible in logs and counters.
			for range events {
				s.metrics.EventDropped()
			}
			logging.Op().Warn("rank evaluation failed", "user", userID, "events", len(events), "error", err)
			continue
		}
		if note != nil {
			notes = append(notes, *note)
			s.metrics.PositionChangeBroadcast()
		}
	}

	if len(notes) > 0 {
		s.notifier.DispatchAll(ctx, notes)
	}

	s.metrics.DrainCompleted(time.Since(start))
	logging.Op().Debug("queue drained",
		"events", len(batch), "users", len(byUser),
		"broadcasts", len(notes), "took", time.Since(start))
}

// evaluateUser decides whether the user's rank moved significantly in any
// category affected by their events, and records fresh snapshots. Returns
// at most one notification per user per pass: the largest significant move.
func (s *Service) evaluateUser(
	ctx context.Context,
	userID string,
	events []*domain.UpdateEvent,
	pages map[string][]domain.Entry,
	pageErrs map[string]error,
) (*notify.Notification, error) {
	seen := make(map[string]struct{})
	var categories []string
	for _, e := range events {
		for _, c := range withComposite(e.AffectedCategories) {
			if _, dup := seen[c]; !dup {
				seen[c] = struct{}{}
				categories = append(categories, c)
			}
		}
	}

	var (
		best     *notify.Notification
		bestMove int
		lastErr  error
		resolved int
	)
	for _, category := range categories {
		entries, err := s.drainPage(ctx, category, pages, pageErrs)
		if err != nil {
			lastErr = err
			continue
		}
		resolved++

		current, score, found := rankOf(entries, userID)
		if !found {
			// Off the tracked depth: no snapshot update, no broadcast.
			continue
		}

		var previous *int
		snap, err := s.positions.Get(ctx, userID, category)
		switch err {
		case nil:
			previous = &snap.Rank
		case store.ErrNotFound:
			// First observation establishes the baseline.
		default:
			lastErr = err
			continue
		}

		if err := s.positions.Put(ctx, &domain.PositionSnapshot{
			UserID:     userID,
			Category:   category,
			Rank:       current,
			Score:      score,
			RecordedAt: time.Now(),
		}); err != nil {
			lastErr = err
			continue
		}

		if previous == nil {
			continue
		}
		move := *previous - current // positive = climbed
		if abs(move) < SignificantDelta {
			continue
		}
		if best == nil || abs(move) > abs(bestMove) {
			bestMove = move
			best = &notify.Notification{
				UserID: userID,
				Type:   notify.KindPositionChange,
				Data: map[string]any{
					"category":     category,
					"previousRank": *previous,
					"currentRank":  current,
					"change":       move,
				},
			}
		}
	}

	if resolved == 0 && lastErr != nil {
		return nil, lastErr
	}
	return best, nil
}

// drainPage returns the fresh page for a category, memoized for the pass.
func (s *Service) drainPage(ctx context.Context, category string, pages map[string][]domain.Entry, pageErrs map[string]error) ([]domain.Entry, error) {
	if entries, ok := pages[category]; ok {
		return entries, nil
	}
	if err, ok := pageErrs[category]; ok {
		return nil, err
	}

	q := domain.Query{
		Category:  category,
		Algorithm: algorithmFor(category),
		Timeframe: "7d",
		Limit:     drainPageLimit,
	}
	entries, _, err := s.engine.FetchPage(ctx, q)
	if err != nil {
		pageErrs[category] = err
		return nil, err
	}
	pages[category] = entries
	return entries, nil
}

// algorithmFor maps a category to its natural ranking algorithm; categories
// without a dedicated algorithm rank by composite score.
func algorithmFor(category string) string {
	switch category {
	case domain.AlgorithmActivity, domain.AlgorithmSeasonal:
		return category
	default:
		return domain.AlgorithmComposite
	}
}

// withComposite returns categories plus "composite", deduplicated.
func withComposite(categories []string) []string {
	out := make([]string, 0, len(categories)+1)
	seen := make(map[string]struct{}, len(categories)+1)
	for _, c := range categories {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if _, dup := seen[domain.CategoryComposite]; !dup {
		out = append(out, domain.CategoryComposite)
	}
	return out
}

func rankOf(entries []domain.Entry, userID string) (rank int, score float64, found bool) {
	for _, e := range entries {
		if e.UserID == userID {
			return e.Rank, e.Score, true
		}
	}
	return 0, 0, false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
