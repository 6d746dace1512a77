package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PGStore is a PostgreSQL-backed Store over a pgx connection pool. Row-level
// locking gives per-key serialization; distinct keys never contend.
type PGStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPGStore connects to Postgres and verifies the connection.
func NewPGStore(dsn string, logger *zap.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &PGStore{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *PGStore) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// notExpiredSQL filters out items whose TTL elapsed, evaluated in the
// database so reads never observe an expired row.
const notExpiredSQL = "(ttl_ms = 0 OR stored_at + make_interval(secs => ttl_ms::float8 / 1000.0) > now())"

// Put upserts the item.
func (s *PGStore) Put(ctx context.Context, item *Item) error {
	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO memories (type, key, value, metadata, stored_at, ttl_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (type, key) DO UPDATE SET
			value = EXCLUDED.value,
			metadata = EXCLUDED.metadata,
			stored_at = EXCLUDED.stored_at,
			ttl_ms = EXCLUDED.ttl_ms`,
		string(item.Type), item.Key, item.Value, meta,
		item.StoredAt, item.TTL.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", item.Type, item.Key, err)
	}
	return nil
}

// Get retrieves one item, treating an expired row as absent.
func (s *PGStore) Get(ctx context.Context, typ Type, key string) (*Item, error) {
	row := s.db.QueryRow(ctx, `
		SELECT type, key, value, metadata, stored_at, ttl_ms
		FROM memories
		WHERE type = $1 AND key = $2 AND `+notExpiredSQL,
		string(typ), key)

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", typ, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", typ, key, err)
	}
	return item, nil
}

// List returns unexpired items of typ matching f, ordered by stored_at.
func (s *PGStore) List(ctx context.Context, typ Type, f Filter) ([]Item, error) {
	query := `
		SELECT type, key, value, metadata, stored_at, ttl_ms
		FROM memories
		WHERE type = $1 AND ` + notExpiredSQL
	args := []interface{}{string(typ)}

	if f.KeyPrefix != "" {
		args = append(args, f.KeyPrefix+"%")
		query += fmt.Sprintf(" AND key LIKE $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND stored_at >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		query += fmt.Sprintf(" AND stored_at <= $%d", len(args))
	}
	if len(f.Metadata) > 0 {
		meta, err := json.Marshal(f.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata filter: %w", err)
		}
		args = append(args, meta)
		query += fmt.Sprintf(" AND metadata @> $%d::jsonb", len(args))
	}
	query += " ORDER BY stored_at ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", typ, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Delete removes the item under (typ, key).
func (s *PGStore) Delete(ctx context.Context, typ Type, key string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM memories WHERE type = $1 AND key = $2`, string(typ), key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", typ, key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", typ, key, ErrNotFound)
	}
	return nil
}

// DeleteExpired removes every row whose TTL elapsed before now.
func (s *PGStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM memories
		WHERE ttl_ms > 0 AND stored_at + make_interval(secs => ttl_ms::float8 / 1000.0) <= $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats summarizes unexpired rows per type.
func (s *PGStore) Stats(ctx context.Context) (map[Type]TypeStats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT type, count(*), min(stored_at), max(stored_at)
		FROM memories
		WHERE `+notExpiredSQL+`
		GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	out := make(map[Type]TypeStats)
	for rows.Next() {
		var typ string
		var st TypeStats
		if err := rows.Scan(&typ, &st.Count, &st.Oldest, &st.Newest); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out[Type(typ)] = st
	}
	return out, rows.Err()
}

// Close shuts down the connection pool.
func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var (
		typ   string
		item  Item
		meta  []byte
		ttlMS int64
	)
	if err := row.Scan(&typ, &item.Key, &item.Value, &meta, &item.StoredAt, &ttlMS); err != nil {
		return nil, err
	}
	item.Type = Type(typ)
	item.TTL = time.Duration(ttlMS) * time.Millisecond
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &item.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &item, nil
}
