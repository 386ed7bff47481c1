// Package store persists last-known position snapshots keyed by
// (userID, category). The update drainer compares a user's fresh rank
// against the snapshot to decide whether a position change is significant
// enough to broadcast, then writes the new rank back.
package store

import (
	"context"
	"errors"

	"github.com/tiderank/tiderank/internal/domain"
)

// ErrNotFound is returned when no snapshot exists for the user and category.
// Absence is a normal state: a user who was never ranked has no snapshot.
var ErrNotFound = errors.New("store: position snapshot not found")

// PositionStore persists last-known ranks.
type PositionStore interface {
	// Get returns the snapshot for the user within a category, or
	// ErrNotFound if the rank was never recorded.
	Get(ctx context.Context, userID, category string) (*domain.PositionSnapshot, error)

	// Put records the user's current rank, replacing any prior snapshot.
	Put(ctx context.Context, snap *domain.PositionSnapshot) error

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases held resources.
	Close() error
}
