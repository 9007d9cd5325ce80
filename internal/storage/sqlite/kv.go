package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CacheGet returns the value stored under key, or ok=false when the key is
// absent or past its TTL. Expired rows are left for PurgeExpired.
func (s *Store) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Now().Unix() >= expiresAt {
		return nil, false, nil
	}
	return value, true, nil
}

// CachePut stores value under key with the given TTL, replacing any previous
// entry.
func (s *Store) CachePut(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, time.Now().Add(ttl).Unix(),
	)
	return err
}

// CacheDelete removes the entry under key, if any.
func (s *Store) CacheDelete(ctx context.Context, key string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// PurgeExpired deletes cache rows past their TTL and returns the count.
// Called from the rotation worker; correctness does not depend on it.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
