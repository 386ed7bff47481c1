// Package pagecache holds computed leaderboard pages in process memory.
//
// Entries are keyed by the deterministic query key and expire on a
// per-algorithm TTL. Invalidation is category-scoped: every key embeds its
// category, and each category carries a version stamp that is bumped on
// invalidation. A fetch that started before an invalidation cannot repopulate
// the cache afterwards because its captured version no longer matches
// (PutIfVersion), so a stale page never clobbers a newer invalidation.
package pagecache

import (
	"strings"
	"sync"
	"time"

	"github.com/tiderank/tiderank/internal/domain"
	"github.com/tiderank/tiderank/internal/logging"
	"github.com/tiderank/tiderank/internal/metrics"
)

// Per-algorithm TTL table. Activity boards move fast, seasonal boards move
// faster during tournaments; composite is the default.
var algorithmTTL = map[string]time.Duration{
	domain.AlgorithmActivity: 2 * time.Minute,
	domain.AlgorithmSeasonal: 1 * time.Minute,
}

// DefaultTTL applies to the composite algorithm and anything unknown.
const DefaultTTL = 5 * time.Minute

// TTLFor returns the cache TTL for a ranking algorithm.
func TTLFor(algorithm string) time.Duration {
	if ttl, ok := algorithmTTL[algorithm]; ok {
		return ttl
	}
	return DefaultTTL
}

// Entry is one cached leaderboard page.
type Entry struct {
	Key         string
	Entries     []domain.Entry
	GeneratedAt time.Time
	ExpiresAt   time.Time
	Category    string
	Algorithm   string
	Metadata    map[string]any
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is the in-memory page cache. All methods are safe for concurrent
// use; mutation is synchronous point-in-time work under one mutex.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	versions map[string]uint64
	// epoch is folded into every category version and bumped by Clear, so
	// a full wipe invalidates captured versions even for categories that
	// were never individually invalidated.
	epoch uint64

	now     func() time.Time
	metrics *metrics.Metrics
}

// New creates an empty page cache.
func New(m *metrics.Metrics) *Store {
	if m == nil {
		m = metrics.Nop()
	}
	return &Store{
		entries:  make(map[string]*Entry),
		versions: make(map[string]uint64),
		now:      time.Now,
		metrics:  m,
	}
}

// SetClock overrides the cache clock. Tests use this to simulate elapsed
// time instead of sleeping.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Get returns the live entry for key, or nil if absent or expired.
// An expired entry is removed on read rather than waiting for the sweep.
func (s *Store) Get(key string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		s.metrics.CacheMiss(categoryFromKey(key))
		return nil
	}
	if entry.expired(s.now()) {
		delete(s.entries, key)
		s.metrics.CacheMiss(entry.Category)
		s.metrics.SetCacheEntries(len(s.entries))
		return nil
	}
	s.metrics.CacheHit(entry.Category)
	return entry
}

// Put stores a page with the TTL derived from its algorithm and returns the
// stored entry.
func (s *Store) Put(key string, data []domain.Entry, algorithm, category string, metadata map[string]any) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, data, algorithm, category, metadata)
}

// Version returns the current invalidation stamp for a category. Readers
// capture it before a slow fetch and pass it to PutIfVersion afterwards.
func (s *Store) Version(category string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch + s.versions[category]
}

// PutIfVersion stores the page only if the category has not been invalidated
// since version was captured. Returns the entry and whether it was stored.
func (s *Store) PutIfVersion(key string, data []domain.Entry, algorithm, category string, metadata map[string]any, version uint64) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch+s.versions[category] != version {
		logging.Op().Debug("stale page discarded", "key", key, "category", category)
		return nil, false
	}
	return s.putLocked(key, data, algorithm, category, metadata), true
}

func (s *Store) putLocked(key string, data []domain.Entry, algorithm, category string, metadata map[string]any) *Entry {
	now := s.now()
	entry := &Entry{
		Key:         key,
		Entries:     data,
		GeneratedAt: now,
		ExpiresAt:   now.Add(TTLFor(algorithm)),
		Category:    category,
		Algorithm:   algorithm,
		Metadata:    metadata,
	}
	s.entries[key] = entry
	s.metrics.SetCacheEntries(len(s.entries))
	return entry
}

// InvalidateCategories removes every entry whose category is in the given
// set, bumps the version stamp of each named category, and returns the
// number of entries removed.
func (s *Store) InvalidateCategories(categories ...string) int {
	if len(categories) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range categories {
		s.versions[c]++
	}

	removed := 0
	for key, entry := range s.entries {
		if _, hit := set[entry.Category]; hit {
			delete(s.entries, key)
			s.metrics.CacheInvalidated(entry.Category, 1)
			removed++
		}
	}
	if removed > 0 {
		logging.Op().Debug("cache invalidated", "categories", categories, "removed", removed)
	}
	s.metrics.SetCacheEntries(len(s.entries))
	return removed
}

// InvalidateMatching removes every entry whose key contains substr and bumps
// the version of each affected category.
func (s *Store) InvalidateMatching(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if strings.Contains(key, substr) {
			delete(s.entries, key)
			s.versions[entry.Category]++
			s.metrics.CacheInvalidated(entry.Category, 1)
			removed++
		}
	}
	if removed > 0 {
		logging.Op().Debug("cache invalidated by pattern", "pattern", substr, "removed", removed)
	}
	s.metrics.SetCacheEntries(len(s.entries))
	return removed
}

// EvictExpired removes all expired entries and returns the count. Calling it
// again without time passing removes nothing further.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		logging.Op().Info("expired cache entries evicted", "removed", removed)
		s.metrics.CacheEvicted(removed)
	}
	s.metrics.SetCacheEntries(len(s.entries))
	return removed
}

// Clear drops every entry and bumps the epoch, invalidating every captured
// category version at once. Used by the full recalculation job.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.entries)
	s.entries = make(map[string]*Entry)
	s.epoch++
	s.metrics.SetCacheEntries(0)
	if removed > 0 {
		logging.Op().Info("cache cleared for recalculation", "removed", removed)
	}
	return removed
}

// Len returns the number of entries currently held, live or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// categoryFromKey extracts the category segment of a page key
// ("lb:<category>:..."). Used only for miss metrics when no entry exists.
func categoryFromKey(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return "unknown"
	}
	return parts[1]
}
