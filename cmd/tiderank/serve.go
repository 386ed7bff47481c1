package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tiderank/tiderank/internal/api"
	"github.com/tiderank/tiderank/internal/cache"
	"github.com/tiderank/tiderank/internal/config"
	"github.com/tiderank/tiderank/internal/engine"
	"github.com/tiderank/tiderank/internal/leaderboard"
	"github.com/tiderank/tiderank/internal/logging"
	"github.com/tiderank/tiderank/internal/maintenance"
	"github.com/tiderank/tiderank/internal/metrics"
	"github.com/tiderank/tiderank/internal/notify"
	"github.com/tiderank/tiderank/internal/observability"
	"github.com/tiderank/tiderank/internal/pagecache"
	"github.com/tiderank/tiderank/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		addr      string
		logLevel  string
		redisAddr string
		pgDSN     string
		engineURL string
		notifyURL string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the leaderboard coordinator",
		Long:  "Serve the leaderboard HTTP API with the page cache, update queue drainer, and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Server.LogLevel = logLevel
			}
			if cmd.Flags().Changed("redis") {
				cfg.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("engine-url") {
				cfg.Engine.BaseURL = engineURL
			}
			if cmd.Flags().Changed("notify-url") {
				cfg.Notify.BaseURL = notifyURL
			}

			format := "text"
			if cfg.Server.LogJSON {
				format = "json"
			}
			logging.Init(format, cfg.Server.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    cfg.Tracing.Exporter,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			return runServer(cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for the shared cache and position store")
	cmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN for the position store")
	cmd.Flags().StringVar(&engineURL, "engine-url", "", "Ranking engine base URL")
	cmd.Flags().StringVar(&notifyURL, "notify-url", "", "Notification endpoint base URL")

	return cmd
}

func runServer(cfg *config.Config) error {
	m := metrics.New("tiderank")
	pc := pagecache.New(m)

	var (
		redisClient *redis.Client
		l2          cache.Cache
		invalidator *cache.Invalidator
	)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer redisClient.Close()
		logging.Op().Info("redis connected", "addr", cfg.Redis.Addr)

		if cfg.Cache.L2 {
			shared := cache.NewRedisCacheFromClient(redisClient, "")
			l2 = shared
			invalidator = cache.NewInvalidator(shared, redisClient)
			// Peer invalidations must also clear this instance's typed
			// page cache, not just the shared byte layer.
			invalidator.OnInvalidate(func(fragment string) {
				pc.InvalidateMatching(fragment)
			})
		}
	}

	positions, err := buildPositionStore(cfg, redisClient)
	if err != nil {
		return err
	}
	defer positions.Close()

	notifier := notify.New(notify.Config{
		BaseURL:     cfg.Notify.BaseURL,
		Timeout:     cfg.Notify.Timeout,
		MaxAttempts: cfg.Notify.MaxAttempts,
	}, m)

	svc := leaderboard.New(leaderboard.Deps{
		Cache:       pc,
		Engine:      engine.New(cfg.Engine.BaseURL, cfg.Engine.Timeout, m),
		Positions:   positions,
		Notifier:    notifier,
		Metrics:     m,
		L2:          l2,
		L2TTL:       cfg.Cache.L2TTL,
		Invalidator: invalidator,
	})
	svc.Start()
	defer svc.Stop()

	if invalidator != nil {
		invCtx, invCancel := context.WithCancel(context.Background())
		defer invCancel()
		go invalidator.Start(invCtx)
		defer invalidator.Close()
	}

	runner := maintenance.New(pc, svc, m, cfg.Maintenance)
	if err := runner.Start(); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	defer runner.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(svc, m).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Op().Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logging.Op().Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("http shutdown incomplete", "error", err)
	}

	// Flush what the queue holds and let in-flight notifications finish.
	svc.DrainNow(shutdownCtx)
	notifier.Drain()

	return nil
}

func buildPositionStore(cfg *config.Config, redisClient *redis.Client) (store.PositionStore, error) {
	switch {
	case cfg.Postgres.DSN != "":
		ps, err := store.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres position store: %w", err)
		}
		logging.Op().Info("position store: postgres")
		return ps, nil
	case redisClient != nil:
		logging.Op().Info("position store: redis")
		return store.NewRedisStoreFromClient(redisClient), nil
	default:
		logging.Op().Info("position store: in-memory")
		return store.NewMemoryStore(), nil
	}
}
