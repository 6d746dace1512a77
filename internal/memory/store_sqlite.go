package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memories (
    type      TEXT    NOT NULL,
    key       TEXT    NOT NULL,
    value     TEXT    NOT NULL,
    metadata  TEXT    NOT NULL DEFAULT '{}',
    stored_at INTEGER NOT NULL,
    ttl_ms    INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (type, key)
);
CREATE INDEX IF NOT EXISTS memories_type_stored_at_idx ON memories (type, stored_at);`

// SQLiteStore is a file-backed Store for single-node runs without Postgres.
// SQLite allows one writer at a time; the mutex keeps write transactions from
// tripping over SQLITE_BUSY.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewSQLiteStore opens (creating parent directories as needed) the database
// at dbPath with WAL enabled for concurrent reads.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logger.Info("SQLite memory store opened", zap.String("path", dbPath))
	return &SQLiteStore{db: db, logger: logger}, nil
}

const sqliteNotExpired = "(ttl_ms = 0 OR stored_at + ttl_ms * 1000000 > ?)"

// Put upserts the item.
func (s *SQLiteStore) Put(ctx context.Context, item *Item) error {
	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (type, key, value, metadata, stored_at, ttl_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (type, key) DO UPDATE SET
			value = excluded.value,
			metadata = excluded.metadata,
			stored_at = excluded.stored_at,
			ttl_ms = excluded.ttl_ms`,
		string(item.Type), item.Key, string(item.Value), string(meta),
		item.StoredAt.UnixNano(), item.TTL.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", item.Type, item.Key, err)
	}
	return nil
}

// Get retrieves one item, treating an expired row as absent.
func (s *SQLiteStore) Get(ctx context.Context, typ Type, key string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT type, key, value, metadata, stored_at, ttl_ms
		FROM memories
		WHERE type = ? AND key = ? AND `+sqliteNotExpired,
		string(typ), key, time.Now().UnixNano())

	item, err := scanSQLiteItem(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", typ, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", typ, key, err)
	}
	return item, nil
}

// List returns unexpired items of typ matching f, ordered by stored_at.
// Metadata filtering happens in Go after the scan.
func (s *SQLiteStore) List(ctx context.Context, typ Type, f Filter) ([]Item, error) {
	query := `
		SELECT type, key, value, metadata, stored_at, ttl_ms
		FROM memories
		WHERE type = ? AND ` + sqliteNotExpired
	args := []interface{}{string(typ), time.Now().UnixNano()}

	if f.KeyPrefix != "" {
		query += " AND key LIKE ?"
		args = append(args, f.KeyPrefix+"%")
	}
	if !f.Since.IsZero() {
		query += " AND stored_at >= ?"
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		query += " AND stored_at <= ?"
		args = append(args, f.Until.UnixNano())
	}
	query += " ORDER BY stored_at ASC"

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", typ, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanSQLiteItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if len(f.Metadata) > 0 && !f.Match(item) {
			continue
		}
		items = append(items, *item)
		if f.Limit > 0 && len(items) >= f.Limit {
			break
		}
	}
	return items, rows.Err()
}

// Delete removes the item under (typ, key).
func (s *SQLiteStore) Delete(ctx context.Context, typ Type, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE type = ? AND key = ?`, string(typ), key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", typ, key, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", typ, key, ErrNotFound)
	}
	return nil
}

// DeleteExpired removes every row whose TTL elapsed before now.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE ttl_ms > 0 AND stored_at + ttl_ms * 1000000 <= ?`,
		now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats summarizes unexpired rows per type.
func (s *SQLiteStore) Stats(ctx context.Context) (map[Type]TypeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, count(*), min(stored_at), max(stored_at)
		FROM memories
		WHERE `+sqliteNotExpired+`
		GROUP BY type`, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	out := make(map[Type]TypeStats)
	for rows.Next() {
		var (
			typ            string
			st             TypeStats
			oldest, newest int64
		)
		if err := rows.Scan(&typ, &st.Count, &oldest, &newest); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.Oldest = time.Unix(0, oldest)
		st.Newest = time.Unix(0, newest)
		out[Type(typ)] = st
	}
	return out, rows.Err()
}

// Close shuts down the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteItem(scan func(dest ...interface{}) error) (*Item, error) {
	var (
		typ, value, meta string
		item             Item
		storedAt, ttlMS  int64
	)
	if err := scan(&typ, &item.Key, &value, &meta, &storedAt, &ttlMS); err != nil {
		return nil, err
	}
	item.Type = Type(typ)
	item.Value = json.RawMessage(value)
	item.StoredAt = time.Unix(0, storedAt)
	item.TTL = time.Duration(ttlMS) * time.Millisecond
	if meta != "" && meta != "null" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &item.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &item, nil
}
