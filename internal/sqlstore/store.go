// Package sqlstore implements the relational cold backend over SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/types"
)

const defaultTable = "strata_entries"

// Store implements router.Adapter over a SQLite database.
type Store struct {
	name   string
	table  string
	db     *sql.DB
	logger *zap.Logger

	gets, puts, deletes, errs atomic.Uint64
}

// NewStore opens the database and applies the schema.
func NewStore(ctx context.Context, name string, cfg config.SQLConfig, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	table := cfg.Table
	if table == "" {
		table = defaultTable
	}

	s := &Store{name: name, table: table, db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		metadata TEXT,
		written_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (s *Store) Name() string            { return s.name }
func (s *Store) Kind() types.BackendKind { return types.BackendSQL }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.gets.Add(1)

	var (
		value     []byte
		expiresAt int64
	)
	q := fmt.Sprintf("SELECT value, expires_at FROM %s WHERE key = ?", s.table)
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		s.errs.Add(1)
		return nil, false, fmt.Errorf("reading key %q: %w", key, err)
	}

	if expiresAt > 0 && time.Now().UnixNano() > expiresAt {
		if derr := s.Delete(ctx, key); derr != nil {
			s.logger.Warn("failed to delete expired key", zap.String("key", key), zap.Error(derr))
		}
		return nil, false, nil
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts router.PutOptions) error {
	s.puts.Add(1)
	now := time.Now()

	var expiresAt int64
	if opts.TTL > 0 {
		expiresAt = now.Add(opts.TTL).UnixNano()
	}

	metadata := opts.Metadata
	// Merge metadata with the stored row, last write wins by timestamp.
	var (
		prevMeta    sql.NullString
		prevWritten int64
	)
	q := fmt.Sprintf("SELECT metadata, written_at FROM %s WHERE key = ?", s.table)
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&prevMeta, &prevWritten); err == nil && prevMeta.Valid {
		var prev map[string]string
		if json.Unmarshal([]byte(prevMeta.String), &prev) == nil && len(prev) > 0 {
			if now.UnixNano() < prevWritten {
				metadata = mergeMeta(opts.Metadata, prev)
			} else {
				metadata = mergeMeta(prev, opts.Metadata)
			}
		}
	}

	var metaJSON sql.NullString
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(encoded), Valid: true}
	}

	upsert := fmt.Sprintf(`INSERT INTO %s (key, value, metadata, written_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			metadata = excluded.metadata,
			written_at = excluded.written_at,
			expires_at = excluded.expires_at`, s.table)
	if _, err := s.db.ExecContext(ctx, upsert, key, value, metaJSON, now.UnixNano(), expiresAt); err != nil {
		s.errs.Add(1)
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.deletes.Add(1)
	q := fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.table)
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		s.errs.Add(1)
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, opts router.ListOptions) ([]string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	q := fmt.Sprintf("SELECT key FROM %s WHERE key LIKE ? ORDER BY key LIMIT ?", s.table)
	rows, err := s.db.QueryContext(ctx, q, opts.Prefix+"%", limit)
	if err != nil {
		s.errs.Add(1)
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (types.AdapterStats, error) {
	var keys int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&keys); err != nil {
		return types.AdapterStats{}, fmt.Errorf("counting keys: %w", err)
	}
	return types.AdapterStats{
		Kind:    types.BackendSQL,
		Name:    s.name,
		Keys:    keys,
		Gets:    s.gets.Load(),
		Puts:    s.puts.Load(),
		Deletes: s.deletes.Load(),
		Errors:  s.errs.Load(),
	}, nil
}

func (s *Store) HealthCheck(ctx context.Context) (bool, []string) {
	if err := s.db.PingContext(ctx); err != nil {
		return false, []string{fmt.Sprintf("sqlite ping: %v", err)}
	}
	return true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func mergeMeta(base, winner map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(winner))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range winner {
		out[k] = v
	}
	return out
}
