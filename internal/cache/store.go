// Package cache implements the advisory quote cache and the cross-worker
// ingestion lock over the cache database. The cache is strictly a second
// copy: it is never read for authoritative state, and every operation
// fails open so ingestion keeps running when the cache misbehaves.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Store is a hash-shaped key-value cache with per-key TTL. Keys follow the
// quote-distribution protocol: hash key latest_quote:<MIC>, one field per
// symbol, JSON values.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a cache store over the cache database.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "cache").Logger(),
	}
}

// HSet stores value (JSON-marshaled) under key/field and refreshes the TTL
// of the whole hash key.
func (s *Store) HSet(ctx context.Context, key, field string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	now := time.Now().Unix()
	expiresAt := now + int64(ttl.Seconds())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv_hash (key, field, value, expires_at) VALUES (?, ?, ?, ?)`,
		key, field, string(data), expiresAt,
	); err != nil {
		return fmt.Errorf("failed to write cache field: %w", err)
	}

	// TTL applies to the whole hash key, not the single field.
	if _, err := tx.ExecContext(ctx,
		`UPDATE kv_hash SET expires_at = ? WHERE key = ?`,
		expiresAt, key,
	); err != nil {
		return fmt.Errorf("failed to refresh cache TTL: %w", err)
	}

	return tx.Commit()
}

// HGetAll returns all unexpired fields of a hash key, raw JSON values.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM kv_hash WHERE key = ? AND expires_at > ?`,
		key, time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache hash: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("failed to scan cache row: %w", err)
		}
		out[field] = value
	}
	return out, rows.Err()
}

// HGet decodes one field into dest. Returns false when absent or expired.
func (s *Store) HGet(ctx context.Context, key, field string, dest interface{}) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_hash WHERE key = ? AND field = ? AND expires_at > ?`,
		key, field, time.Now().Unix(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache field: %w", err)
	}
	if err := json.Unmarshal([]byte(value), dest); err != nil {
		return false, fmt.Errorf("failed to decode cache value: %w", err)
	}
	return true, nil
}

// TTL reports the remaining lifetime of a hash key, zero when the key is
// absent or already expired.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(expires_at) FROM kv_hash WHERE key = ?`, key,
	).Scan(&expiresAt)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache TTL: %w", err)
	}
	if !expiresAt.Valid {
		return 0, nil
	}
	remaining := expiresAt.Int64 - time.Now().Unix()
	if remaining < 0 {
		return 0, nil
	}
	return time.Duration(remaining) * time.Second, nil
}

// Delete removes a whole hash key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_hash WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}

// DeleteExpired removes all expired fields and returns the count.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_hash WHERE expires_at <= ?`, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug().Int64("rows", n).Msg("Deleted expired cache entries")
	}
	return n, nil
}
