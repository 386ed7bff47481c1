package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tiderank/tiderank/internal/domain"
)

// PostgresStore persists snapshots in Postgres. Durable across restarts,
// for deployments where rank history must survive the process.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies connectivity and bootstraps the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS position_snapshots (
			user_id TEXT NOT NULL,
			category TEXT NOT NULL,
			rank INTEGER NOT NULL,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, category)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_snapshots_category ON position_snapshots(category)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, category string) (*domain.PositionSnapshot, error) {
	snap := &domain.PositionSnapshot{UserID: userID, Category: category}
	err := s.pool.QueryRow(ctx,
		`SELECT rank, score, recorded_at FROM position_snapshots WHERE user_id = $1 AND category = $2`,
		userID, category,
	).Scan(&snap.Rank, &snap.Score, &snap.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *PostgresStore) Put(ctx context.Context, snap *domain.PositionSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO position_snapshots (user_id, category, rank, score, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, category)
		 DO UPDATE SET rank = EXCLUDED.rank, score = EXCLUDED.score, recorded_at = EXCLUDED.recorded_at`,
		snap.UserID, snap.Category, snap.Rank, snap.Score, snap.RecordedAt,
	)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
