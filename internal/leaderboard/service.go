// Package leaderboard implements the coordinator core: the cached read path
// and the update queue that keeps cached pages consistent with score
// activity.
package leaderboard

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiderank/tiderank/internal/cache"
	"github.com/tiderank/tiderank/internal/domain"
	"github.com/tiderank/tiderank/internal/logging"
	"github.com/tiderank/tiderank/internal/metrics"
	"github.com/tiderank/tiderank/internal/notify"
	"github.com/tiderank/tiderank/internal/observability"
	"github.com/tiderank/tiderank/internal/pagecache"
	"github.com/tiderank/tiderank/internal/store"
)

// Engine computes leaderboard pages. Satisfied by engine.Client.
type Engine interface {
	FetchPage(ctx context.Context, q domain.Query) ([]domain.Entry, map[string]any, error)
	TriggerRecalculation(ctx context.Context) error
}

// Dispatcher delivers user notifications. Satisfied by notify.Notifier.
type Dispatcher interface {
	Dispatch(ctx context.Context, note notify.Notification)
	DispatchAll(ctx context.Context, notes []notify.Notification)
}

// Deps wires the service's collaborators. All state the service mutates is
// owned by constructed dependencies; there is no package-level singleton.
type Deps struct {
	Cache     *pagecache.Store
	Engine    Engine
	Positions store.PositionStore
	Notifier  Dispatcher
	Metrics   *metrics.Metrics

	// L2 is an optional shared byte cache (Redis or tiered) under the
	// local page cache. Nil disables the layer.
	L2    cache.Cache
	L2TTL time.Duration

	// Invalidator optionally broadcasts invalidations to peer instances.
	Invalidator *cache.Invalidator
}

// Service is the leaderboard coordinator.
type Service struct {
	cache     *pagecache.Store
	engine    Engine
	positions store.PositionStore
	notifier  Dispatcher
	metrics   *metrics.Metrics

	l2          cache.Cache
	l2TTL       time.Duration
	invalidator *cache.Invalidator

	// update queue
	queueMu sync.Mutex
	pending []*domain.UpdateEvent
	wake    chan struct{}

	draining atomic.Bool

	stopCh  chan struct{}
	stopped chan struct{}
	started atomic.Bool
}

// New creates a Service from its dependencies.
func New(deps Deps) *Service {
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	l2TTL := deps.L2TTL
	if l2TTL <= 0 {
		l2TTL = 5 * time.Minute
	}
	return &Service{
		cache:       deps.Cache,
		engine:      deps.Engine,
		positions:   deps.Positions,
		notifier:    deps.Notifier,
		metrics:     m,
		l2:          deps.L2,
		l2TTL:       l2TTL,
		invalidator: deps.Invalidator,
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// l2Page is the serialized form of a page in the shared byte cache.
type l2Page struct {
	Entries     []domain.Entry `json:"entries"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// GetLeaderboard serves a leaderboard page, from cache when possible.
//
// Engine failures propagate to the caller: the read path performs no
// retries, and a page that cannot be computed is the caller's error to
// surface.
func (s *Service) GetLeaderboard(ctx context.Context, q domain.Query) (*domain.Page, error) {
	q = q.Normalize()
	key := q.CacheKey()

	ctx, span := observability.StartSpan(ctx, "leaderboard.Get",
		observability.AttrCacheKey.String(key),
	)
	defer span.End()

	if !q.BypassCache {
		if entry := s.cache.Get(key); entry != nil {
			span.SetAttributes(observability.AttrFromCache.Bool(true))
			return &domain.Page{
				Query:       q,
				Entries:     entry.Entries,
				GeneratedAt: entry.GeneratedAt,
				FromCache:   true,
				Metadata:    entry.Metadata,
			}, nil
		}

		if page := s.getFromL2(ctx, q, key); page != nil {
			span.SetAttributes(observability.AttrFromCache.Bool(true))
			return page, nil
		}
	}

	// Capture the category version before the fetch so a concurrent
	// invalidation wins over this (by then stale) result.
	version := s.cache.Version(q.Category)

	entries, metadata, err := s.engine.FetchPage(ctx, q)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}

	entry, stored := s.cache.PutIfVersion(key, entries, q.Algorithm, q.Category, metadata, version)
	generatedAt := time.Now()
	if stored {
		generatedAt = entry.GeneratedAt
		s.putToL2(ctx, key, entries, generatedAt, metadata)
	}

	span.SetAttributes(observability.AttrFromCache.Bool(false))
	return &domain.Page{
		Query:       q,
		Entries:     entries,
		GeneratedAt: generatedAt,
		FromCache:   false,
		Metadata:    metadata,
	}, nil
}

func (s *Service) getFromL2(ctx context.Context, q domain.Query, key string) *domain.Page {
	if s.l2 == nil {
		return nil
	}
	data, err := s.l2.Get(ctx, key)
	if err != nil {
		if err != cache.ErrNotFound {
			logging.Op().Warn("shared cache read failed", "key", key, "error", err)
		}
		return nil
	}
	var page l2Page
	if err := json.Unmarshal(data, &page); err != nil {
		logging.Op().Warn("shared cache entry corrupt", "key", key, "error", err)
		_ = s.l2.Delete(ctx, key)
		return nil
	}

	// Re-seed the local cache so the next read skips both layers.
	version := s.cache.Version(q.Category)
	s.cache.PutIfVersion(key, page.Entries, q.Algorithm, q.Category, page.Metadata, version)

	s.metrics.CacheHit(q.Category)
	return &domain.Page{
		Query:       q,
		Entries:     page.Entries,
		GeneratedAt: page.GeneratedAt,
		FromCache:   true,
		Metadata:    page.Metadata,
	}
}

func (s *Service) putToL2(ctx context.Context, key string, entries []domain.Entry, generatedAt time.Time, metadata map[string]any) {
	if s.l2 == nil {
		return
	}
	data, err := json.Marshal(l2Page{Entries: entries, GeneratedAt: generatedAt, Metadata: metadata})
	if err != nil {
		return
	}
	if err := s.l2.Set(ctx, key, data, s.l2TTL); err != nil {
		logging.Op().Warn("shared cache write failed", "key", key, "error", err)
	}
}

// Recalculate clears every cached page and asks the engine to rebuild all
// rankings. Used by the hourly maintenance job and exposed for operators.
func (s *Service) Recalculate(ctx context.Context) error {
	cleared := s.cache.Clear()
	if s.l2 != nil {
		if _, err := s.l2.DeleteMatching(ctx, "lb:"); err != nil {
			logging.Op().Warn("shared cache clear failed", "error", err)
		}
	}
	logging.Op().Info("full recalculation triggered", "cleared", cleared)
	return s.engine.TriggerRecalculation(ctx)
}
