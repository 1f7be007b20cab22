package journal

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register sqlite driver
)

const schemaVersion = 1

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS link_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at_ms INTEGER NOT NULL,
		kind TEXT NOT NULL,
		channel INTEGER NOT NULL,
		peer INTEGER NOT NULL,
		msg_id INTEGER NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		payload BLOB
	);`,
	`CREATE INDEX IF NOT EXISTS idx_link_events_kind ON link_events(kind);`,
	`CREATE TABLE IF NOT EXISTS link_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at_ms INTEGER NOT NULL,
		tx_frames INTEGER NOT NULL,
		rx_frames INTEGER NOT NULL,
		refused INTEGER NOT NULL,
		tx_timeouts INTEGER NOT NULL,
		dropped_bytes INTEGER NOT NULL,
		stale INTEGER NOT NULL,
		gaps INTEGER NOT NULL,
		echoes INTEGER NOT NULL,
		foreign_frames INTEGER NOT NULL
	);`,
}

// Store is the sqlite backed journal.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i, err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	return nil
}
