package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/types"
)

const cacheColumns = `entity_type, entity_id, payload, metadata, created_at,
	updated_at, accessed_at, expires_at, server_version, last_synced,
	sync_required, access_count`

func scanCacheEntry(row rowScanner) (*types.CacheEntry, error) {
	var (
		entry                 types.CacheEntry
		payload, metadata     string
		expiresAt, lastSynced sql.NullTime
		syncRequired          int
	)
	err := row.Scan(
		&entry.EntityType, &entry.EntityID, &payload, &metadata, &entry.CreatedAt,
		&entry.UpdatedAt, &entry.AccessedAt, &expiresAt, &entry.ServerVersion, &lastSynced,
		&syncRequired, &entry.AccessCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan cache entry: %w", err)
	}
	if entry.Payload, err = unmarshalMap(payload); err != nil {
		return nil, err
	}
	if entry.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	entry.ExpiresAt = timePtr(expiresAt)
	entry.LastSynced = timePtr(lastSynced)
	entry.SyncRequired = syncRequired != 0
	return &entry, nil
}

// PutCacheEntry inserts or fully replaces the entry for its (type, id).
func (s *Store) PutCacheEntry(ctx context.Context, entry *types.CacheEntry) error {
	payload, err := marshalMap(entry.Payload)
	if err != nil {
		return err
	}
	metadata, err := marshalMap(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries (
			entity_type, entity_id, payload, metadata, created_at,
			updated_at, accessed_at, expires_at, server_version, last_synced,
			sync_required, access_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.EntityType, entry.EntityID, payload, metadata, entry.CreatedAt,
		entry.UpdatedAt, entry.AccessedAt, nullableTime(entry.ExpiresAt),
		entry.ServerVersion, nullableTime(entry.LastSynced),
		boolInt(entry.SyncRequired), entry.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// GetCacheEntry fetches one entry by (type, id). Tombstones are
// returned; visibility is the caller's concern.
func (s *Store) GetCacheEntry(ctx context.Context, entityType, entityID string) (*types.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cacheColumns+` FROM cache_entries WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	return scanCacheEntry(row)
}

// DeleteCacheEntry removes the entry outright (post-sync tombstone
// compaction).
func (s *Store) DeleteCacheEntry(ctx context.Context, entityType, entityID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// TouchCacheEntry bumps the access counter and accessed_at timestamp.
func (s *Store) TouchCacheEntry(ctx context.Context, entityType, entityID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries SET access_count = access_count + 1, accessed_at = ?
		WHERE entity_type = ? AND entity_id = ?
	`, now, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

// QueryCache runs an equality-only predicate over payload fields using
// json_extract. Tombstoned entries are excluded. The schema registry's
// indexed-field set is advisory here: SQLite serves these lookups from
// the payload JSON either way.
func (s *Store) QueryCache(ctx context.Context, entityType string, filter map[string]any, limit int) ([]*types.CacheEntry, error) {
	whereClauses := []string{
		"entity_type = ?",
		"COALESCE(json_extract(payload, '$." + types.DeletedMarker + "'), 0) != 1",
	}
	args := []any{entityType}

	// Fixed key order keeps the generated SQL deterministic.
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.ContainsAny(k, "'\"$") {
			return nil, fmt.Errorf("invalid filter field: %s", k)
		}
		whereClauses = append(whereClauses, fmt.Sprintf("json_extract(payload, '$.%s') = ?", k))
		args = append(args, bindValue(filter[k]))
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cacheColumns+` FROM cache_entries
		WHERE `+strings.Join(whereClauses, " AND ")+`
		ORDER BY entity_id ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache: %w", err)
	}
	defer rows.Close()

	var entries []*types.CacheEntry
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// bindValue converts a filter value to a form json_extract compares
// against: booleans become 0/1, everything else binds as-is.
func bindValue(v any) any {
	if b, ok := v.(bool); ok {
		return boolInt(b)
	}
	return v
}

// CountCache returns the number of live (non-tombstone) cache entries.
func (s *Store) CountCache(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cache_entries
		WHERE COALESCE(json_extract(payload, '$.`+types.DeletedMarker+`'), 0) != 1
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

// CountSyncRequired returns the number of entries with unacknowledged
// local mutations.
func (s *Store) CountSyncRequired(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE sync_required = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sync-required entries: %w", err)
	}
	return n, nil
}

// CompactExpired removes cache entries past their expires_at.
func (s *Store) CompactExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to compact expired entries: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}
