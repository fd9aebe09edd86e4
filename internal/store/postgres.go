package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"

	"github.com/markb/chagpt/internal/log"
	"github.com/markb/chagpt/internal/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	pgInsertDanmaku    = `insert into danmakus (content, time, color) values ($1, $2, $3) returning id`
	pgLoadRepertoire   = `select data from repertoire`
	pgUpsertRepertoire = `insert into repertoire (data) values ($1)
on conflict ((1)) do update set data = excluded.data, updated_at = now()`

	// migrationLockID is an advisory lock key ("chagpt" in ASCII hex).
	migrationLockID = 0x636861677074
)

// Postgres stores data through a pgx connection pool.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// OpenPostgres connects, pings and migrates. maxConns <= 0 keeps the pgx
// default.
func OpenPostgres(ctx context.Context, databaseURL string, maxConns int32, timeout time.Duration) (*Postgres, error) {
	pool, err := Connect(ctx, databaseURL, maxConns, timeout)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgres(pool, timeout), nil
}

// NewPostgres wraps an already migrated pool.
func NewPostgres(pool *pgxpool.Pool, timeout time.Duration) *Postgres {
	return &Postgres{pool: pool, timeout: timeout}
}

// Connect creates a pool and verifies it can reach the server.
func Connect(ctx context.Context, databaseURL string, maxConns int32, timeout time.Duration) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	if timeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = timeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("store: postgres connected", "max_conns", poolCfg.MaxConns)
	return pool, nil
}

// Migrate applies the embedded migrations while holding an advisory lock,
// so concurrent starts do not race.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "select pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "select pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Error("store: failed to release migration lock", "error", err.Error())
		}
	}()

	migrationFS, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	migrator, err := migrate.NewMigrator(ctx, conn.Conn(), "public.schema_version")
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := migrator.LoadMigrations(migrationFS); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	version, err := migrator.GetCurrentVersion(ctx)
	if err == nil {
		log.Info("store: postgres schema ready", "version", version)
	}
	return nil
}

func (p *Postgres) InsertDanmaku(ctx context.Context, content string, t time.Time, color uint32) (_ uint32, err error) {
	ctx, finish := begin(ctx, p.timeout, DriverPostgres, "insert_danmaku")
	defer func() { finish(err) }()

	var id int32
	if err := p.pool.QueryRow(ctx, pgInsertDanmaku, content, t, int32(color)).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert danmaku: %w", err)
	}
	return uint32(id), nil
}

func (p *Postgres) LoadRepertoire(ctx context.Context) (_ *types.Repertoire, err error) {
	ctx, finish := begin(ctx, p.timeout, DriverPostgres, "load_repertoire")
	defer func() { finish(err) }()

	var rep types.Repertoire
	err = p.pool.QueryRow(ctx, pgLoadRepertoire).Scan(&rep)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load repertoire: %w", err)
	}
	return &rep, nil
}

func (p *Postgres) UpsertRepertoire(ctx context.Context, rep types.Repertoire) (err error) {
	ctx, finish := begin(ctx, p.timeout, DriverPostgres, "upsert_repertoire")
	defer func() { finish(err) }()

	if _, err := p.pool.Exec(ctx, pgUpsertRepertoire, rep); err != nil {
		return fmt.Errorf("failed to upsert repertoire: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
