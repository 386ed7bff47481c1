package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tiderank/tiderank/internal/domain"
	"github.com/tiderank/tiderank/internal/metrics"
)

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/leaderboard/engine" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("category") != "activity" || q.Get("realTime") != "true" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"leaderboard": []map[string]any{
				{"rank": 1, "userId": "u9", "score": 120.5},
			},
			"metadata": map[string]any{"window": "7d"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, metrics.Nop())

	entries, meta, err := c.FetchPage(context.Background(), domain.Query{
		Category: "activity", Algorithm: "activity", Timeframe: "7d", Limit: 10,
	})
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if len(entries) != 1 || entries[0].UserID != "u9" || entries[0].Rank != 1 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if meta["window"] != "7d" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestFetchPageEngineRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "category unknown"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, metrics.Nop())
	if _, _, err := c.FetchPage(context.Background(), domain.Query{Category: "x"}); err == nil {
		t.Fatal("expected error for unsuccessful engine response")
	}
}

func TestFetchPageHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, metrics.Nop())
	if _, _, err := c.FetchPage(context.Background(), domain.Query{Category: "x"}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestTriggerRecalculation(t *testing.T) {
	var gotAction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotAction = body["action"]
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, metrics.Nop())
	if err := c.TriggerRecalculation(context.Background()); err != nil {
		t.Fatalf("TriggerRecalculation failed: %v", err)
	}
	if gotAction != "recalculate" {
		t.Fatalf("expected recalculate action, got %q", gotAction)
	}
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, 20*time.Millisecond, metrics.Nop())
	if _, _, err := c.FetchPage(context.Background(), domain.Query{Category: "x"}); err == nil {
		t.Fatal("expected timeout error")
	}
}
