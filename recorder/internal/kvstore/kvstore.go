// Package kvstore is the durable local key-value store shared by the
// recording session and the operation log. Values are JSON documents kept
// in a single SQLite table.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/hazyhaar/steprec/dbopen"
)

// Schema creates the kv table.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Store reads and writes JSON values by key.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New ensures the schema exists on db and returns a store.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("kvstore: schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Get returns the raw values of the keys that exist. Missing keys are
// absent from the map.
func (s *Store) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	q := `SELECT key, value FROM kv WHERE key IN (?` + strings.Repeat(",?", len(keys)-1) + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kvstore: get: scan: %w", err)
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

// Load decodes the value of key into dst. found is false when the key does
// not exist, in which case dst is untouched.
func (s *Store) Load(ctx context.Context, key string, dst any) (found bool, err error) {
	var v string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kvstore: load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return true, fmt.Errorf("kvstore: load %s: decode: %w", key, err)
	}
	return true, nil
}

// Set writes every value in one transaction.
func (s *Store) Set(ctx context.Context, values map[string]any) error {
	enc := make(map[string]string, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("kvstore: set %s: encode: %w", k, err)
		}
		enc[k] = string(b)
	}
	now := s.now().UnixMilli()
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for k, v := range enc {
			if err := upsert(ctx, tx, k, v, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvstore: set: %w", err)
	}
	return nil
}

// Update runs a read-modify-write of key inside one transaction. fn gets
// the current raw value (nil when absent) and returns the new value.
func (s *Store) Update(ctx context.Context, key string, fn func(cur json.RawMessage) (any, error)) error {
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var cur json.RawMessage
		var v string
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			cur = json.RawMessage(v)
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		return upsert(ctx, tx, key, string(b), s.now().UnixMilli())
	})
	if err != nil {
		return fmt.Errorf("kvstore: update %s: %w", key, err)
	}
	return nil
}

// Delete removes keys. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}
	return nil
}

func upsert(ctx context.Context, tx *sql.Tx, key, value string, now int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}
