// Package store persists flow progress so a guided flow survives a reload.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Progress is the persisted position of the live flow.
type Progress struct {
	FlowID      string    `json:"flow_id"`
	CurrentStep int       `json:"current_step"`
	StartedAt   time.Time `json:"started_at"`
}

// Store keeps at most one Progress record. Load returns nil, nil when none
// is stored.
type Store interface {
	Save(ctx context.Context, p Progress) error
	Load(ctx context.Context) (*Progress, error)
	UpdateStep(ctx context.Context, step int) error
	Clear(ctx context.Context) error
}

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// DefaultSessionKey keys the progress row when none is configured.
const DefaultSessionKey = "default"

// Options selects and configures a backend.
type Options struct {
	Driver     string
	Path       string
	DSN        string
	SessionKey string
}

// Open builds the configured Store. The returned close func releases any
// connection pool and is never nil.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, func(), error) {
	noop := func() {}
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemory(), noop, nil
	case DriverFile:
		s, err := NewFile(opts.Path, logger)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case DriverPostgres:
		pool, err := pgxpool.New(ctx, opts.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := NewPostgres(ctx, pool, opts.SessionKey, logger)
		if err != nil {
			pool.Close()
			return nil, noop, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		return s, pool.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown store driver %q", opts.Driver)
}
