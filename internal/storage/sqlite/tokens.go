package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TokenGet returns the token blob stored under name, or ok=false when absent.
func (s *Store) TokenGet(ctx context.Context, name string) ([]byte, bool, error) {
	var value []byte
	err := s.read.QueryRowContext(ctx,
		`SELECT value FROM token_blobs WHERE name = ?`, name,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// TokenPut stores the token blob under name, replacing any previous value.
func (s *Store) TokenPut(ctx context.Context, name string, value []byte) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO token_blobs (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, time.Now().Unix(),
	)
	return err
}

// TokenDelete removes the token blob under name.
func (s *Store) TokenDelete(ctx context.Context, name string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM token_blobs WHERE name = ?`, name)
	return err
}
