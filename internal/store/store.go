// Package store persists danmaku and the repertoire in SQLite or PostgreSQL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/markb/chagpt/internal/chagpt"
	"github.com/markb/chagpt/internal/observability"
)

// DefaultTimeout bounds every store call, including pool acquisition.
const DefaultTimeout = 5 * time.Second

// Drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver      string
	Path        string // sqlite
	DatabaseURL string // postgres
	Timeout     time.Duration
	MaxConns    int32
}

// Store is a chagpt.Store that owns its connections.
type Store interface {
	chagpt.Store
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return OpenSQLite(cfg.Path, cfg.Timeout)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DatabaseURL, cfg.MaxConns, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// begin bounds one store call by the timeout and traces it. finish ends
// both and records err on the span.
func begin(ctx context.Context, d time.Duration, system, op string) (_ context.Context, finish func(err error)) {
	ctx, span := observability.StartSpan(ctx, "store."+op,
		observability.AttrDBSystem.String(system),
		observability.AttrDBOperation.String(op),
	)
	ctx, cancel := withTimeout(ctx, d)
	return ctx, func(err error) {
		cancel()
		observability.EndSpan(span, err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
