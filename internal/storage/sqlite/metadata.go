package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SetMeta stores an engine metadata value (sync watermarks, handshake
// marker, parked conflicts).
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// GetMeta returns the stored value, or "" if the key is absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, nil
}

// ListMeta returns all keys with the given prefix.
func (s *Store) ListMeta(ctx context.Context, prefix string) (map[string]string, error) {
	// ESCAPE so prefixes containing % or _ match literally.
	pattern := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM meta WHERE key LIKE ? ESCAPE '\' ORDER BY key
	`, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DeleteMeta removes a metadata key. Deleting an absent key is not an
// error.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete metadata %s: %w", key, err)
	}
	return nil
}
