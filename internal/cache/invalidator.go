package cache

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	// InvalidationChannel is the Redis Pub/Sub channel used for cache
	// invalidation signals. When one coordinator instance invalidates a
	// category it publishes the matching key fragment to this channel.
	// All subscribed instances drop matching keys from their L1 cache,
	// giving cross-instance consistency without waiting for TTL expiry.
	InvalidationChannel = "tiderank:cache:invalidate"
)

// Invalidator listens for invalidation signals over Redis Pub/Sub and evicts
// matching keys from a local cache (typically the L1 in-memory cache in a
// tiered setup). Payloads are key fragments, matched as substrings, so a
// single signal can clear a whole category.
type Invalidator struct {
	local  Cache
	client *redis.Client
	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool

	onInvalidate func(fragment string)
}

// NewInvalidator creates a cache invalidator that subscribes to Redis
// Pub/Sub and invalidates keys in the local cache when signals arrive.
func NewInvalidator(local Cache, client *redis.Client) *Invalidator {
	return &Invalidator{
		local:  local,
		client: client,
	}
}

// OnInvalidate registers a callback invoked for every received fragment,
// after the local cache eviction. Callers that hold typed caches outside the
// Cache interface (the page cache) hook their own eviction here. Must be set
// before Start.
func (ci *Invalidator) OnInvalidate(fn func(fragment string)) {
	ci.mu.Lock()
	ci.onInvalidate = fn
	ci.mu.Unlock()
}

// Start begins listening for invalidation signals. It blocks until the
// context is cancelled or Close is called.
func (ci *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	ci.mu.Lock()
	ci.cancel = cancel
	ci.mu.Unlock()

	pubsub := ci.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			// msg.Payload is the key fragment to invalidate
			_, _ = ci.local.DeleteMatching(subCtx, msg.Payload)
			ci.mu.Lock()
			fn := ci.onInvalidate
			ci.mu.Unlock()
			if fn != nil {
				fn(msg.Payload)
			}
		}
	}
}

// PublishInvalidation publishes an invalidation signal for the given key
// fragment. Called after a local invalidation so peers converge.
func (ci *Invalidator) PublishInvalidation(ctx context.Context, fragment string) error {
	return ci.client.Publish(ctx, InvalidationChannel, fragment).Err()
}

// Close stops the invalidation listener.
func (ci *Invalidator) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.closed {
		return nil
	}
	ci.closed = true
	if ci.cancel != nil {
		ci.cancel()
	}
	return nil
}
