package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syncforge/syncforge/internal/storage"
	"github.com/syncforge/syncforge/internal/types"
)

// opColumns is the canonical column list for operation SELECTs. Keep in
// sync with scanOperation.
const opColumns = `id, entity_type, entity_id, kind, payload, previous_payload,
	user_id, session_id, device_id, created_at, executed_at, synced_at,
	status, priority, strategy, retry_count, max_retries, not_before,
	sync_attempts, dead_letter, error_message, rules_evaluated,
	validation_errors, requires_sync, claimed_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*types.Operation, error) {
	var (
		op                       types.Operation
		payload, rules, verrs    string
		prevPayload              sql.NullString
		executedAt, syncedAt     sql.NullTime
		notBefore                sql.NullTime
		deadLetter, requiresSync int
	)
	err := row.Scan(
		&op.ID, &op.EntityType, &op.EntityID, &op.Kind, &payload, &prevPayload,
		&op.UserID, &op.SessionID, &op.DeviceID, &op.CreatedAt, &executedAt, &syncedAt,
		&op.Status, &op.Priority, &op.Strategy, &op.RetryCount, &op.MaxRetries, &notBefore,
		&op.SyncAttempts, &deadLetter, &op.ErrorMessage, &rules,
		&verrs, &requiresSync, &op.ClaimedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}
	if op.Payload, err = unmarshalMap(payload); err != nil {
		return nil, err
	}
	if prevPayload.Valid {
		if op.PreviousPayload, err = unmarshalMap(prevPayload.String); err != nil {
			return nil, err
		}
	}
	if op.RulesEvaluated, err = unmarshalStrings(rules); err != nil {
		return nil, err
	}
	if op.ValidationErrors, err = unmarshalStrings(verrs); err != nil {
		return nil, err
	}
	op.ExecutedAt = timePtr(executedAt)
	op.SyncedAt = timePtr(syncedAt)
	op.NotBefore = timePtr(notBefore)
	op.DeadLetter = deadLetter != 0
	op.RequiresSync = requiresSync != 0
	return &op, nil
}

// PutOperation persists a full operation record, replacing any existing
// record with the same id. Dependency edges are rewritten to match.
func (s *Store) PutOperation(ctx context.Context, op *types.Operation) error {
	payload, err := marshalMap(op.Payload)
	if err != nil {
		return err
	}
	var prevPayload any
	if op.PreviousPayload != nil {
		pp, err := marshalMap(op.PreviousPayload)
		if err != nil {
			return err
		}
		prevPayload = pp
	}
	rules, err := marshalStrings(op.RulesEvaluated)
	if err != nil {
		return err
	}
	verrs, err := marshalStrings(op.ValidationErrors)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO operations (
			id, entity_type, entity_id, kind, payload, previous_payload,
			user_id, session_id, device_id, created_at, executed_at, synced_at,
			status, priority, strategy, retry_count, max_retries, not_before,
			sync_attempts, dead_letter, error_message, rules_evaluated,
			validation_errors, requires_sync, claimed_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID, op.EntityType, op.EntityID, op.Kind, payload, prevPayload,
		op.UserID, op.SessionID, op.DeviceID, op.CreatedAt,
		nullableTime(op.ExecutedAt), nullableTime(op.SyncedAt),
		op.Status, op.Priority, op.Strategy, op.RetryCount, op.MaxRetries,
		nullableTime(op.NotBefore), op.SyncAttempts, boolInt(op.DeadLetter),
		op.ErrorMessage, rules, verrs, boolInt(op.RequiresSync), op.ClaimedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to put operation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM operation_deps WHERE operation_id = ?`, op.ID); err != nil {
		return fmt.Errorf("failed to clear dependency edges: %w", err)
	}
	for _, dep := range op.DependsOn {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO operation_deps (operation_id, depends_on_id) VALUES (?, ?)
		`, op.ID, dep); err != nil {
			return fmt.Errorf("failed to insert dependency edge: %w", err)
		}
	}

	return tx.Commit()
}

// GetOperation fetches one operation by id, dependency edges included.
func (s *Store) GetOperation(ctx context.Context, id string) (*types.Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+opColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err != nil {
		return nil, err
	}
	if op.DependsOn, err = s.loadDeps(ctx, id); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *Store) loadDeps(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM operation_deps WHERE operation_id = ? ORDER BY depends_on_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency edges: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependency edge: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// opUpdateColumns maps UpdateOperation keys to column writers. Keys not
// listed here are rejected so that callers cannot bypass lifecycle rules
// (e.g. rewriting created_at or dependency edges through an update).
var opUpdateOrder = []string{
	"status", "executed_at", "synced_at", "retry_count", "not_before",
	"sync_attempts", "dead_letter", "error_message", "claimed_by",
	"requires_sync", "previous_payload",
}

var opUpdateColumns = map[string]func(any) (any, error){
	"status":           passString,
	"executed_at":      passTime,
	"synced_at":        passTime,
	"retry_count":      passInt,
	"not_before":       passTime,
	"sync_attempts":    passInt,
	"dead_letter":      passBool,
	"error_message":    passString,
	"claimed_by":       passString,
	"requires_sync":    passBool,
	"previous_payload": passMap,
}

func passString(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case types.OpStatus:
		return string(t), nil
	}
	return nil, fmt.Errorf("expected string, got %T", v)
}

func passTime(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return t, nil
	case *time.Time:
		return nullableTime(t), nil
	}
	return nil, fmt.Errorf("expected time, got %T", v)
}

func passInt(v any) (any, error) {
	if i, ok := v.(int); ok {
		return i, nil
	}
	return nil, fmt.Errorf("expected int, got %T", v)
}

func passBool(v any) (any, error) {
	if b, ok := v.(bool); ok {
		return boolInt(b), nil
	}
	return nil, fmt.Errorf("expected bool, got %T", v)
}

func passMap(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return marshalMap(t)
	}
	return nil, fmt.Errorf("expected map, got %T", v)
}

// UpdateOperation applies a partial, column-level update to one operation.
func (s *Store) UpdateOperation(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(updates))
	args := make([]any, 0, len(updates)+1)
	// Fixed column order keeps the generated SQL deterministic.
	for _, col := range opUpdateOrder {
		v, ok := updates[col]
		if !ok {
			continue
		}
		cv, err := opUpdateColumns[col](v)
		if err != nil {
			return fmt.Errorf("invalid update for %s: %w", col, err)
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, cv)
	}
	if len(setClauses) != len(updates) {
		for col := range updates {
			if _, ok := opUpdateColumns[col]; !ok {
				return fmt.Errorf("unknown operation column: %s", col)
			}
		}
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET `+strings.Join(setClauses, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClaimOperation atomically transitions pending → executing for workerID.
// The single UPDATE guarded by the status predicate is the claim: two
// workers racing on the same id see exactly one row affected between them.
func (s *Store) ClaimOperation(ctx context.Context, id, workerID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, claimed_by = ?
		WHERE id = ? AND status = ? AND (not_before IS NULL OR not_before <= ?)
	`, types.StatusExecuting, workerID, id, types.StatusPending, now)
	if err != nil {
		return fmt.Errorf("failed to claim operation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetOperation(ctx, id); err != nil {
			return err
		}
		return storage.ErrIllegalState
	}
	return nil
}

// CancelOperation transitions pending → cancelled. Executing operations
// must be allowed to complete or fail naturally.
func (s *Store) CancelOperation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = ? WHERE id = ? AND status = ?
	`, types.StatusCancelled, id, types.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to cancel operation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetOperation(ctx, id); err != nil {
			return err
		}
		return storage.ErrIllegalState
	}
	return nil
}

// RecoverExecuting returns every executing operation to pending with
// its claim cleared. A row can only be executing across a restart when
// the previous run was interrupted between claim and completion; the
// exclusive open guarantees no live worker holds it.
func (s *Store) RecoverExecuting(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, claimed_by = '' WHERE status = ?
	`, types.StatusPending, types.StatusExecuting)
	if err != nil {
		return 0, fmt.Errorf("failed to recover executing operations: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]*types.Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []*types.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	for _, op := range ops {
		if op.DependsOn, err = s.loadDeps(ctx, op.ID); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

// ListPending returns pending, validation-clean operations ordered by
// priority descending then created_at ascending.
func (s *Store) ListPending(ctx context.Context, filter types.PendingFilter) ([]*types.Operation, error) {
	whereClauses := []string{"status = ?", "validation_errors = '[]'"}
	args := []any{types.StatusPending}

	if filter.EntityType != "" {
		whereClauses = append(whereClauses, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.UserID != "" {
		whereClauses = append(whereClauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	return s.queryOperations(ctx, `
		SELECT `+opColumns+` FROM operations
		WHERE `+strings.Join(whereClauses, " AND ")+`
		ORDER BY priority DESC, created_at ASC
		LIMIT ?
	`, args...)
}

// ListReady returns pending operations whose every dependency edge
// resolves to a completed or synced operation and whose not-before
// deferral has passed. An edge pointing at an id with no stored
// operation leaves the operation not-ready.
func (s *Store) ListReady(ctx context.Context, now time.Time, limit int) ([]*types.Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryOperations(ctx, `
		SELECT `+opColumns+` FROM operations o
		WHERE o.status = ?
		  AND o.validation_errors = '[]'
		  AND (o.not_before IS NULL OR o.not_before <= ?)
		  AND NOT EXISTS (
			SELECT 1 FROM operation_deps d
			LEFT JOIN operations dep ON dep.id = d.depends_on_id
			WHERE d.operation_id = o.id
			  AND (dep.id IS NULL OR dep.status NOT IN (?, ?))
		  )
		ORDER BY o.priority DESC, o.created_at ASC
		LIMIT ?
	`, types.StatusPending, now, types.StatusCompleted, types.StatusSynced, limit)
}

// ListCompletedUnsynced returns completed operations awaiting upload,
// dead-letters excluded, ordered by executed_at so per-entity completion
// order is preserved in upload batches.
func (s *Store) ListCompletedUnsynced(ctx context.Context, limit int) ([]*types.Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryOperations(ctx, `
		SELECT `+opColumns+` FROM operations
		WHERE status = ? AND dead_letter = 0
		ORDER BY executed_at ASC, created_at ASC
		LIMIT ?
	`, types.StatusCompleted, limit)
}

// ListByEntity returns operations for one (type, id) in the given
// statuses, ordered by created_at ascending.
func (s *Store) ListByEntity(ctx context.Context, entityType, entityID string, statuses ...types.OpStatus) ([]*types.Operation, error) {
	whereClauses := []string{"entity_type = ?", "entity_id = ?"}
	args := []any{entityType, entityID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		whereClauses = append(whereClauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	return s.queryOperations(ctx, `
		SELECT `+opColumns+` FROM operations
		WHERE `+strings.Join(whereClauses, " AND ")+`
		ORDER BY created_at ASC
	`, args...)
}

// ListDeadLetters returns operations that exhausted their sync retries.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*types.Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryOperations(ctx, `
		SELECT `+opColumns+` FROM operations
		WHERE dead_letter = 1
		ORDER BY created_at ASC
		LIMIT ?
	`, limit)
}

// CountByStatus returns operation counts grouped by status.
func (s *Store) CountByStatus(ctx context.Context) (map[types.OpStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.OpStatus]int)
	for rows.Next() {
		var status types.OpStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountUnsynced counts completed-and-unsynced operations for one entity
// type. The validator's backpressure gate reads this.
func (s *Store) CountUnsynced(ctx context.Context, entityType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations WHERE status = ? AND entity_type = ?
	`, types.StatusCompleted, entityType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced operations: %w", err)
	}
	return n, nil
}

// CompactOperations removes synced and terminal operations created
// before the horizon. Completed-but-unsynced operations are never
// removed.
func (s *Store) CompactOperations(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM operations
		WHERE created_at < ? AND status IN (?, ?, ?)
	`, before, types.StatusSynced, types.StatusFailed, types.StatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("failed to compact operations: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
