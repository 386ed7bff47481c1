package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the leaderboard coordinator.
type Metrics struct {
	registry *prometheus.Registry

	// Cache
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
	cacheInvalidations *prometheus.CounterVec
	cacheEntries       prometheus.Gauge

	// Update queue
	eventsQueued    *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	queueDepth      prometheus.Gauge
	drainsTotal     prometheus.Counter
	drainDuration   prometheus.Histogram
	positionChanges prometheus.Counter

	// Collaborators
	engineRequests  *prometheus.CounterVec
	engineDuration  prometheus.Histogram
	notifySent      *prometheus.CounterVec
	notifyRetries   prometheus.Counter
	notifyDropped   prometheus.Counter
	recalcTriggered prometheus.Counter
}

// Default histogram buckets for collaborator latency (in seconds).
var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// New creates a Metrics instance with its own registry, including the default
// Go and process collectors.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Leaderboard page cache hits",
			},
			[]string{"category"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Leaderboard page cache misses",
			},
			[]string{"category"},
		),
		cacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Expired page cache entries removed by the sweep",
			},
		),
		cacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Page cache entries removed by update-driven invalidation",
			},
			[]string{"category"},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Current number of live page cache entries",
			},
		),

		eventsQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "update_events_total",
				Help:      "Update events accepted into the queue",
			},
			[]string{"type"},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "update_events_dropped_total",
				Help:      "Update events lost to processing errors",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "update_queue_depth",
				Help:      "Pending update events",
			},
		),
		drainsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_drains_total",
				Help:      "Completed queue drain passes",
			},
		),
		drainDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_drain_duration_seconds",
				Help:      "Duration of queue drain passes",
				Buckets:   latencyBuckets,
			},
		),
		positionChanges: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "position_change_broadcasts_total",
				Help:      "Significant position change notifications broadcast",
			},
		),

		engineRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_requests_total",
				Help:      "Requests to the ranking computation engine",
			},
			[]string{"operation", "status"},
		),
		engineDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_request_duration_seconds",
				Help:      "Latency of ranking engine requests",
				Buckets:   latencyBuckets,
			},
		),
		notifySent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Notifications delivered to the dispatch endpoint",
			},
			[]string{"type"},
		),
		notifyRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_retries_total",
				Help:      "Notification delivery retries",
			},
		),
		notifyDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Notifications dropped after exhausting retries",
			},
		),
		recalcTriggered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recalculations_total",
				Help:      "Full recalculation triggers sent to the engine",
			},
		),
	}

	registry.MustRegister(
		m.cacheHits, m.cacheMisses, m.cacheEvictions, m.cacheInvalidations, m.cacheEntries,
		m.eventsQueued, m.eventsDropped, m.queueDepth, m.drainsTotal, m.drainDuration,
		m.positionChanges,
		m.engineRequests, m.engineDuration,
		m.notifySent, m.notifyRetries, m.notifyDropped, m.recalcTriggered,
	)

	return m
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit(category string)  { m.cacheHits.WithLabelValues(category).Inc() }
func (m *Metrics) CacheMiss(category string) { m.cacheMisses.WithLabelValues(category).Inc() }

func (m *Metrics) CacheEvicted(n int) { m.cacheEvictions.Add(float64(n)) }

func (m *Metrics) CacheInvalidated(category string, n int) {
	m.cacheInvalidations.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) SetCacheEntries(n int) { m.cacheEntries.Set(float64(n)) }

func (m *Metrics) EventQueued(eventType string) { m.eventsQueued.WithLabelValues(eventType).Inc() }
func (m *Metrics) EventDropped()                { m.eventsDropped.Inc() }
func (m *Metrics) SetQueueDepth(n int)          { m.queueDepth.Set(float64(n)) }

func (m *Metrics) DrainCompleted(d time.Duration) {
	m.drainsTotal.Inc()
	m.drainDuration.Observe(d.Seconds())
}

func (m *Metrics) PositionChangeBroadcast() { m.positionChanges.Inc() }

func (m *Metrics) EngineRequest(operation, status string, d time.Duration) {
	m.engineRequests.WithLabelValues(operation, status).Inc()
	m.engineDuration.Observe(d.Seconds())
}

func (m *Metrics) NotificationSent(kind string) { m.notifySent.WithLabelValues(kind).Inc() }
func (m *Metrics) NotificationRetried()         { m.notifyRetries.Inc() }
func (m *Metrics) NotificationDropped()         { m.notifyDropped.Inc() }
func (m *Metrics) RecalculationTriggered()      { m.recalcTriggered.Inc() }

// Nop returns a metrics instance backed by a throwaway registry, for tests
// and for components constructed without wiring.
func Nop() *Metrics {
	return New("tiderank_test")
}
