package domain

import (
	"fmt"
	"time"
)

// CategoryComposite is the aggregate ranking dimension. Composite scores are
// derived from nearly every scoring signal, so any update event invalidates
// composite pages in addition to its own categories.
const CategoryComposite = "composite"

// Well-known ranking algorithms. Categories are open-ended strings; algorithms
// are the scoring methods applied within them and each carries its own cache
// TTL (see pagecache.TTLFor).
const (
	AlgorithmComposite = "composite"
	AlgorithmActivity  = "activity"
	AlgorithmSeasonal  = "seasonal"
)

// EventType classifies a score-affecting update event.
type EventType string

const (
	EventAchievementUnlocked EventType = "achievement_unlocked"
	EventBadgeAwarded        EventType = "badge_awarded"
	EventTripCompleted       EventType = "trip_completed"
	EventRatingUpdated       EventType = "rating_updated"
	EventExperienceGained    EventType = "experience_gained"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventAchievementUnlocked, EventBadgeAwarded, EventTripCompleted,
		EventRatingUpdated, EventExperienceGained:
		return true
	}
	return false
}

// Entry is a single ranked row of a leaderboard page.
type Entry struct {
	Rank   int            `json:"rank"`
	UserID string         `json:"userId"`
	Name   string         `json:"name,omitempty"`
	Score  float64        `json:"score"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// Query identifies one leaderboard page.
type Query struct {
	Category    string `json:"category"`
	Algorithm   string `json:"algorithm"`
	Timeframe   string `json:"timeframe"`
	Limit       int    `json:"limit"`
	BypassCache bool   `json:"bypassCache,omitempty"`
}

// CacheKey returns the deterministic cache key for the query. The key embeds
// the category as its first segment so category-scoped invalidation can match
// on prefix alone.
func (q Query) CacheKey() string {
	return fmt.Sprintf("lb:%s:%s:%s:%d", q.Category, q.Algorithm, q.Timeframe, q.Limit)
}

// Normalize fills defaults for zero-valued query fields.
func (q Query) Normalize() Query {
	if q.Category == "" {
		q.Category = CategoryComposite
	}
	if q.Algorithm == "" {
		q.Algorithm = AlgorithmComposite
	}
	if q.Timeframe == "" {
		q.Timeframe = "7d"
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	return q
}

// Page is a computed leaderboard page, either fresh from the engine or
// served from cache.
type Page struct {
	Query       Query          `json:"query"`
	Entries     []Entry        `json:"entries"`
	GeneratedAt time.Time      `json:"generatedAt"`
	FromCache   bool           `json:"fromCache"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UpdateEvent is a score-affecting event produced by achievement, trip and
// rating handlers. Events are consumed by the update queue and never
// persisted.
type UpdateEvent struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"userId"`
	Type               EventType      `json:"eventType"`
	Payload            map[string]any `json:"payload,omitempty"`
	AffectedCategories []string       `json:"affectedCategories"`
	EnqueuedAt         time.Time      `json:"enqueuedAt"`
}

// Validate checks the fields callers must supply.
func (e *UpdateEvent) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("update event: user ID is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("update event: unknown event type %q", e.Type)
	}
	return nil
}

// PositionSnapshot is the last known rank of a user within a category. A
// snapshot is either absent (never computed) or reflects the most recent
// computed rank.
type PositionSnapshot struct {
	UserID     string    `json:"userId"`
	Category   string    `json:"category"`
	Rank       int       `json:"rank"`
	Score      float64   `json:"score"`
	RecordedAt time.Time `json:"recordedAt"`
}
