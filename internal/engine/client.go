// Package engine wraps HTTP calls to the external ranking computation
// endpoint. The engine owns scoring; this service only fronts it with a
// cache, so a failed fetch propagates to the caller untouched.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tiderank/tiderank/internal/domain"
	"github.com/tiderank/tiderank/internal/metrics"
	"github.com/tiderank/tiderank/internal/observability"
)

const enginePath = "/api/leaderboard/engine"

// Client wraps HTTP calls to the ranking engine.
type Client struct {
	baseURL string
	client  *http.Client
	metrics *metrics.Metrics
}

// New creates an engine client. A zero timeout defaults to 15s; the engine
// recomputes rankings on demand and can be slow under a cold cache.
func New(baseURL string, timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// pageResponse is the engine's wire format.
type pageResponse struct {
	Success     bool           `json:"success"`
	Leaderboard []domain.Entry `json:"leaderboard"`
	Metadata    map[string]any `json:"metadata"`
	Error       string         `json:"error,omitempty"`
}

// FetchPage computes a fresh leaderboard page.
func (c *Client) FetchPage(ctx context.Context, q domain.Query) ([]domain.Entry, map[string]any, error) {
	ctx, span := observability.StartClientSpan(ctx, "engine.FetchPage",
		observability.AttrCategory.String(q.Category),
		observability.AttrAlgorithm.String(q.Algorithm),
		observability.AttrTimeframe.String(q.Timeframe),
	)
	defer span.End()

	params := url.Values{}
	params.Set("category", q.Category)
	params.Set("algorithm", q.Algorithm)
	params.Set("timeframe", q.Timeframe)
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("realTime", "true")

	start := time.Now()
	body, err := c.do(ctx, http.MethodGet, enginePath+"?"+params.Encode(), nil)
	if err != nil {
		c.metrics.EngineRequest("fetch_page", "error", time.Since(start))
		observability.SetSpanError(span, err)
		return nil, nil, err
	}

	var resp pageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.metrics.EngineRequest("fetch_page", "error", time.Since(start))
		observability.SetSpanError(span, err)
		return nil, nil, fmt.Errorf("decode engine response: %w", err)
	}
	if !resp.Success {
		err := fmt.Errorf("engine refused computation: %s", resp.Error)
		c.metrics.EngineRequest("fetch_page", "refused", time.Since(start))
		observability.SetSpanError(span, err)
		return nil, nil, err
	}

	c.metrics.EngineRequest("fetch_page", "ok", time.Since(start))
	observability.SetSpanOK(span)
	return resp.Leaderboard, resp.Metadata, nil
}

// TriggerRecalculation asks the engine to rebuild all rankings. The caller
// does not wait for completion; the engine acknowledges and works async.
func (c *Client) TriggerRecalculation(ctx context.Context) error {
	ctx, span := observability.StartClientSpan(ctx, "engine.TriggerRecalculation")
	defer span.End()

	start := time.Now()
	_, err := c.do(ctx, http.MethodPost, enginePath, map[string]string{"action": "recalculate"})
	if err != nil {
		c.metrics.EngineRequest("recalculate", "error", time.Since(start))
		observability.SetSpanError(span, err)
		return err
	}
	c.metrics.EngineRequest("recalculate", "ok", time.Since(start))
	c.metrics.RecalculationTriggered()
	observability.SetSpanOK(span)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("engine error (%d): %s", resp.StatusCode, string(respBody))
	}

	if len(respBody) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(respBody), nil
}
