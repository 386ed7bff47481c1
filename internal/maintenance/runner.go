// Package maintenance runs the coordinator's background jobs: periodic
// eviction of expired cache pages, the queue watchdog, and the scheduled
// full recalculation.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tiderank/tiderank/internal/config"
	"github.com/tiderank/tiderank/internal/leaderboard"
	"github.com/tiderank/tiderank/internal/logging"
	"github.com/tiderank/tiderank/internal/metrics"
	"github.com/tiderank/tiderank/internal/pagecache"
)

const recalcTimeout = 2 * time.Minute

// Runner owns the background job goroutines. Jobs log failures and carry
// on; nothing here terminates the process.
type Runner struct {
	cache   *pagecache.Store
	svc     *leaderboard.Service
	metrics *metrics.Metrics
	cfg     config.MaintenanceConfig

	cron    *cron.Cron
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New creates a Runner. Intervals left zero in cfg fall back to defaults.
func New(cache *pagecache.Store, svc *leaderboard.Service, m *metrics.Metrics, cfg config.MaintenanceConfig) *Runner {
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = 10 * time.Minute
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 30 * time.Second
	}
	if cfg.RecalcSchedule == "" {
		cfg.RecalcSchedule = "@hourly"
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Runner{
		cache:   cache,
		svc:     svc,
		metrics: m,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the eviction and watchdog tickers and schedules the
// recalculation job. Returns an error only for an unparsable cron schedule.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.cfg.RecalcSchedule, r.runRecalculation); err != nil {
		return err
	}

	r.wg.Add(2)
	go r.evictionLoop()
	go r.watchdogLoop()
	r.cron.Start()
	r.started = true

	logging.Op().Info("maintenance jobs started",
		"eviction", r.cfg.EvictionInterval,
		"watchdog", r.cfg.WatchdogInterval,
		"recalc", r.cfg.RecalcSchedule)
	return nil
}

// Stop halts all jobs and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	close(r.stopCh)
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.wg.Wait()
	r.started = false
	logging.Op().Info("maintenance jobs stopped")
}

func (r *Runner) evictionLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunEviction()
		}
	}
}

func (r *Runner) watchdogLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunWatchdog()
		}
	}
}

// RunEviction sweeps expired entries out of the local page cache.
func (r *Runner) RunEviction() {
	evicted := r.cache.EvictExpired()
	r.metrics.SetCacheEntries(r.cache.Len())
	if evicted > 0 {
		logging.Op().Debug("expired cache entries evicted", "count", evicted)
	}
}

// RunWatchdog nudges the queue drainer if events are pending and no drain
// pass is running. Normally the wake channel handles this; the watchdog
// exists so a missed wake-up delays processing by at most one interval.
func (r *Runner) RunWatchdog() {
	depth := r.svc.QueueDepth()
	if depth > 0 && !r.svc.Draining() {
		logging.Op().Warn("watchdog found stalled queue", "depth", depth)
		r.svc.Signal()
	}
}

func (r *Runner) runRecalculation() {
	ctx, cancel := context.WithTimeout(context.Background(), recalcTimeout)
	defer cancel()

	if err := r.svc.Recalculate(ctx); err != nil {
		logging.Op().Error("scheduled recalculation failed", "error", err)
		return
	}
	logging.Op().Info("scheduled recalculation completed")
}
