package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool is the subset of pgxpool.Pool the store needs, so tests can mock it.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	sqlCreateProgress = `
        CREATE TABLE IF NOT EXISTS flow_progress (
            session_key  TEXT PRIMARY KEY,
            flow_id      TEXT NOT NULL,
            current_step INTEGER NOT NULL,
            started_at   TIMESTAMPTZ NOT NULL,
            updated_at   TIMESTAMPTZ NOT NULL
        );
    `
	sqlUpsertProgress = `
        INSERT INTO flow_progress (session_key, flow_id, current_step, started_at, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (session_key) DO UPDATE SET
            flow_id = EXCLUDED.flow_id,
            current_step = EXCLUDED.current_step,
            started_at = EXCLUDED.started_at,
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectProgress = `
        SELECT flow_id, current_step, started_at
        FROM flow_progress
        WHERE session_key = $1;
    `
	sqlUpdateStep = `
        UPDATE flow_progress SET current_step = $2, updated_at = $3
        WHERE session_key = $1;
    `
	sqlDeleteProgress = `DELETE FROM flow_progress WHERE session_key = $1;`
)

// Postgres stores one progress row per session key.
type Postgres struct {
	pool DBPool
	key  string
	log  *zap.Logger
	now  func() time.Time
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a store and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, sessionKey string, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}
	return &Postgres{
		pool: pool,
		key:  sessionKey,
		log:  logger.Named("store"),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureSchema creates the progress table if it is missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateProgress); err != nil {
		return fmt.Errorf("failed to create progress table: %w", err)
	}
	return nil
}

func (s *Postgres) Save(ctx context.Context, p Progress) error {
	if _, err := s.pool.Exec(ctx, sqlUpsertProgress, s.key, p.FlowID, p.CurrentStep, p.StartedAt.UTC(), s.now()); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

func (s *Postgres) Load(ctx context.Context) (*Progress, error) {
	var p Progress
	err := s.pool.QueryRow(ctx, sqlSelectProgress, s.key).Scan(&p.FlowID, &p.CurrentStep, &p.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	return &p, nil
}

func (s *Postgres) UpdateStep(ctx context.Context, step int) error {
	tag, err := s.pool.Exec(ctx, sqlUpdateStep, s.key, step, s.now())
	if err != nil {
		return fmt.Errorf("failed to update progress step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Debug("No progress row to update.", zap.String("session_key", s.key))
	}
	return nil
}

func (s *Postgres) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlDeleteProgress, s.key); err != nil {
		return fmt.Errorf("failed to clear progress: %w", err)
	}
	return nil
}
