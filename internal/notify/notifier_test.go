package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiderank/tiderank/internal/metrics"
)

func TestDispatchDelivers(t *testing.T) {
	received := make(chan Notification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/achievements/notifications" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var note Notification
		json.NewDecoder(r.Body).Decode(&note)
		received <- note
	}))
	defer srv.Close()

	n := New(Config{BaseURL: srv.URL, MaxAttempts: 1}, metrics.Nop())
	n.Dispatch(context.Background(), Notification{
		UserID: "u1",
		Type:   KindLeaderboardUpdate,
		Data:   map[string]any{"category": "composite"},
	})
	n.Drain()

	select {
	case note := <-received:
		if note.UserID != "u1" || note.Type != KindLeaderboardUpdate {
			t.Fatalf("unexpected notification: %+v", note)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(Config{
		BaseURL:     srv.URL,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}, metrics.Nop())

	n.deliver(context.Background(), Notification{UserID: "u1", Type: KindPositionChange})

	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDeliverDropsAfterExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(Config{
		BaseURL:     srv.URL,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, metrics.Nop())

	// Must return (dropping the notification), not spin forever.
	n.deliver(context.Background(), Notification{UserID: "u2", Type: KindPositionChange})

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts before drop, got %d", got)
	}
}

func TestDispatchAllParallel(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := New(Config{BaseURL: srv.URL, MaxAttempts: 1}, metrics.Nop())
	n.DispatchAll(context.Background(), []Notification{
		{UserID: "u1", Type: KindPositionChange},
		{UserID: "u2", Type: KindPositionChange},
		{UserID: "u3", Type: KindPositionChange},
	})

	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
}

func TestBackoffClamped(t *testing.T) {
	n := New(Config{
		BaseURL:     "http://unused",
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  300 * time.Millisecond,
	}, metrics.Nop())

	if d := n.backoff(1); d != 100*time.Millisecond {
		t.Fatalf("first backoff: expected 100ms, got %s", d)
	}
	if d := n.backoff(2); d != 200*time.Millisecond {
		t.Fatalf("second backoff: expected 200ms, got %s", d)
	}
	if d := n.backoff(5); d != 300*time.Millisecond {
		t.Fatalf("backoff should clamp at max, got %s", d)
	}
}
