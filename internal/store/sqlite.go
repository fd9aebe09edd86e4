package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/markb/chagpt/internal/db"
	"github.com/markb/chagpt/internal/log"
	"github.com/markb/chagpt/internal/types"
)

const (
	sqliteInsertDanmaku    = `INSERT INTO danmakus (content, time, color) VALUES (?, ?, ?) RETURNING id`
	sqliteLoadRepertoire   = `SELECT data FROM repertoire WHERE singleton = 1`
	sqliteUpsertRepertoire = `INSERT INTO repertoire (singleton, data, updated_at) VALUES (1, ?, datetime('now'))
ON CONFLICT(singleton) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
)

// SQLite stores data in the embedded database. Times are Unix milliseconds.
type SQLite struct {
	db      *db.DB
	timeout time.Duration
}

// OpenSQLite opens path and applies the schema.
func OpenSQLite(path string, timeout time.Duration) (*SQLite, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(); err != nil {
		database.Close()
		return nil, err
	}
	log.Info("store: sqlite ready", "path", path)
	return NewSQLite(database, timeout), nil
}

// NewSQLite wraps an already migrated database.
func NewSQLite(database *db.DB, timeout time.Duration) *SQLite {
	return &SQLite{db: database, timeout: timeout}
}

func (s *SQLite) InsertDanmaku(ctx context.Context, content string, t time.Time, color uint32) (_ uint32, err error) {
	ctx, finish := begin(ctx, s.timeout, DriverSQLite, "insert_danmaku")
	defer func() { finish(err) }()

	var id int64
	if err := s.db.QueryRowContext(ctx, sqliteInsertDanmaku, content, t.UnixMilli(), int64(color)).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert danmaku: %w", err)
	}
	return uint32(id), nil
}

func (s *SQLite) LoadRepertoire(ctx context.Context) (_ *types.Repertoire, err error) {
	ctx, finish := begin(ctx, s.timeout, DriverSQLite, "load_repertoire")
	defer func() { finish(err) }()

	var data string
	err = s.db.QueryRowContext(ctx, sqliteLoadRepertoire).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load repertoire: %w", err)
	}

	var rep types.Repertoire
	if err := json.Unmarshal([]byte(data), &rep); err != nil {
		return nil, fmt.Errorf("failed to decode repertoire: %w", err)
	}
	return &rep, nil
}

func (s *SQLite) UpsertRepertoire(ctx context.Context, rep types.Repertoire) (err error) {
	ctx, finish := begin(ctx, s.timeout, DriverSQLite, "upsert_repertoire")
	defer func() { finish(err) }()

	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to encode repertoire: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsertRepertoire, string(data)); err != nil {
		return fmt.Errorf("failed to upsert repertoire: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error { return s.db.Close() }
