package db

import "fmt"

const danmakuSchema = `
CREATE TABLE IF NOT EXISTS danmakus (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    content  TEXT    NOT NULL,
    time     INTEGER NOT NULL,
    color    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_danmakus_time ON danmakus(time);
`

// The repertoire is a single row; the CHECK keeps it that way.
const repertoireSchema = `
CREATE TABLE IF NOT EXISTS repertoire (
    singleton  INTEGER PRIMARY KEY CHECK (singleton = 1),
    data       TEXT    NOT NULL CHECK (json_valid(data)),
    updated_at TEXT    DEFAULT (datetime('now'))
);
`

// RunMigrations creates the schema. It is safe to run on every start.
func (db *DB) RunMigrations() error {
	if _, err := db.Exec(danmakuSchema); err != nil {
		return fmt.Errorf("failed to run danmaku migrations: %w", err)
	}
	if _, err := db.Exec(repertoireSchema); err != nil {
		return fmt.Errorf("failed to run repertoire migrations: %w", err)
	}
	return nil
}
