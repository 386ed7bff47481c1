// Package notify delivers user-facing leaderboard notifications to the
// achievements dispatch endpoint. Delivery is asynchronous with bounded
// retries; a notification dropped after the last attempt is counted and
// logged, never silently lost.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/tiderank/tiderank/internal/logging"
	"github.com/tiderank/tiderank/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const notificationsPath = "/api/achievements/notifications"

// Notification kinds understood by the dispatch endpoint.
const (
	KindLeaderboardUpdate = "leaderboard_update"
	KindPositionChange    = "position_change"
)

// Notification is one outbound dispatch.
type Notification struct {
	UserID string         `json:"userId"`
	Type   string         `json:"type"`
	Data   map[string]any `json:"data,omitempty"`
}

// Config tunes delivery behavior.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // per-request timeout (default 10s)
	MaxAttempts int           // total attempts per notification (default 3)
	BackoffBase time.Duration // first retry delay (default 200ms)
	BackoffMax  time.Duration // delay ceiling (default 5s)
}

// Notifier posts notifications with retry and drop accounting.
type Notifier struct {
	cfg     Config
	client  *http.Client
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// New creates a notifier.
func New(cfg Config, m *metrics.Metrics) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: m,
	}
}

// Dispatch queues a single notification for asynchronous delivery. The
// caller's control flow never blocks on the collaborator.
func (n *Notifier) Dispatch(ctx context.Context, note Notification) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(ctx, note)
	}()
}

// DispatchAll delivers a batch in parallel and returns after every
// notification has either succeeded or exhausted its retries. The drainer
// uses this so a drain pass observes its own broadcast outcomes.
func (n *Notifier) DispatchAll(ctx context.Context, notes []Notification) {
	g, ctx := errgroup.WithContext(ctx)
	for _, note := range notes {
		g.Go(func() error {
			n.deliver(ctx, note)
			return nil
		})
	}
	_ = g.Wait()
}

// Drain blocks until all in-flight Dispatch deliveries finish.
func (n *Notifier) Drain() {
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, note Notification) {
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			n.metrics.NotificationRetried()
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = n.cfg.MaxAttempts // fallthrough to drop accounting
			case <-time.After(n.backoff(attempt - 1)):
			}
		}

		lastErr = n.post(ctx, note)
		if lastErr == nil {
			n.metrics.NotificationSent(note.Type)
			return
		}
	}

	n.metrics.NotificationDropped()
	logging.Op().Warn("notification dropped after retries",
		"user", note.UserID, "type", note.Type,
		"attempts", n.cfg.MaxAttempts, "error", lastErr)
}

func (n *Notifier) post(ctx context.Context, note Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.BaseURL+notificationsPath, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("dispatch error (%d)", resp.StatusCode)
	}
	return nil
}

// backoff returns the delay before retry number attempt (1-based), doubling
// from BackoffBase and clamped at BackoffMax.
func (n *Notifier) backoff(attempt int) time.Duration {
	d := time.Duration(float64(n.cfg.BackoffBase) * math.Pow(2, float64(attempt-1)))
	if d > n.cfg.BackoffMax {
		d = n.cfg.BackoffMax
	}
	return d
}
