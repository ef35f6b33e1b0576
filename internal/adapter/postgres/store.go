// Package postgres persists channel instances so a test session can be
// audited or resumed after a restart.
package postgres

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

// StoreConfig contains the result database settings.
type StoreConfig struct {
	DSN      string
	PoolSize int
}

// Store writes channel instances to the channel_instances table as one
// JSONB document per instance, upserted on every transition.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	saves      atomic.Uint64
	saveErrors atomic.Uint64
}

const schema = `
CREATE TABLE IF NOT EXISTS channel_instances (
	id         TEXT PRIMARY KEY,
	batch_id   TEXT NOT NULL,
	tag        TEXT NOT NULL,
	overall    TEXT NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS channel_instances_batch_idx ON channel_instances (batch_id);
`

const upsert = `
INSERT INTO channel_instances (id, batch_id, tag, overall, payload, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE
SET overall = EXCLUDED.overall,
    payload = EXCLUDED.payload,
    updated_at = now()
`

// NewStore opens the connection pool and ensures the schema exists.
func NewStore(ctx context.Context, config StoreConfig, logger zerolog.Logger) (*Store, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if config.PoolSize > 0 {
		poolConfig.MaxConns = int32(config.PoolSize)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: logger.With().Str("component", "postgres-store").Logger(),
	}
	s.logger.Info().Msg("result store ready")
	return s, nil
}

// SaveInstance upserts one channel instance.
func (s *Store) SaveInstance(ctx context.Context, inst *domain.ChannelInstance) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance %s: %w", inst.ID, err)
	}

	start := time.Now()
	_, err = s.pool.Exec(ctx, upsert,
		inst.ID, inst.BatchID, inst.Definition.Tag, string(inst.Overall), payload)
	if err != nil {
		s.saveErrors.Add(1)
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	s.saves.Add(1)
	s.logger.Debug().Str("tag", inst.Definition.Tag).
		Dur("took", time.Since(start)).Msg("instance saved")
	return nil
}

// LoadBatch returns every persisted instance of a batch, for session
// review after a restart.
func (s *Store) LoadBatch(ctx context.Context, batchID string) ([]*domain.ChannelInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM channel_instances WHERE batch_id = $1 ORDER BY tag`, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []*domain.ChannelInstance
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var inst domain.ChannelInstance
		if err := json.Unmarshal(payload, &inst); err != nil {
			return nil, fmt.Errorf("decode instance: %w", err)
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// IsHealthy pings the database.
func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info().Uint64("saves", s.saves.Load()).
		Uint64("errors", s.saveErrors.Load()).Msg("result store closed")
}
