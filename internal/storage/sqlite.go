package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "courier/pkg/logx"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS broadcasts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	at           TEXT    NOT NULL,
	broadcast_id TEXT    NOT NULL,
	message      TEXT    NOT NULL,
	priority     INTEGER NOT NULL,
	ok           INTEGER NOT NULL,
	fail         INTEGER NOT NULL,
	method       TEXT    NOT NULL,
	mode         TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS broadcasts_broadcast_id ON broadcasts(broadcast_id);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	max int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, max: cfg.maxEntries()}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendBroadcast(ctx context.Context, e BroadcastEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(at, broadcast_id, message, priority, ok, fail, method, mode)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.BroadcastID, e.Message, e.Priority,
		e.SuccessCount, e.FailCount, e.Method, e.Mode,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM broadcasts WHERE id <= ?`, id-int64(s.max)); err != nil {
		s.log.Warn("broadcast log trim failed", logx.Err(err))
	}
	return nil
}

func (s *sqliteStore) RecentBroadcasts(ctx context.Context, n int) ([]BroadcastEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 || n > s.max {
		n = s.max
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, broadcast_id, message, priority, ok, fail, method, mode
		 FROM broadcasts ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BroadcastEntry
	for rows.Next() {
		var (
			e  BroadcastEntry
			at string
		)
		if err := rows.Scan(&at, &e.BroadcastID, &e.Message, &e.Priority, &e.SuccessCount, &e.FailCount, &e.Method, &e.Mode); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.Timestamp = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
