// Package storage defines the durable store contract shared by the
// engine's components.
//
// The concrete implementation lives in the sqlite sub-package. This
// package holds the interface and sentinel errors so that consumers
// depend on the contract rather than on a backend.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/syncforge/syncforge/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrIllegalState is returned when a status transition is not permitted
// from the record's current state (e.g. cancelling a non-pending
// operation, or claiming an operation another worker already holds).
var ErrIllegalState = errors.New("illegal state transition")

// ErrCorrupt is returned when a stored record cannot be decoded. The
// engine treats it as fatal and refuses to proceed with the read.
var ErrCorrupt = errors.New("storage corrupt")

// Storage is the durable store behind every engine component. All
// mutations go through it; a restart with the same storage reproduces
// the pre-restart state exactly, including dependency edges.
//
// Writes within a single call are atomic: they are either durable or
// reported failed, never partially observable.
type Storage interface {
	// Operations.
	PutOperation(ctx context.Context, op *types.Operation) error
	GetOperation(ctx context.Context, id string) (*types.Operation, error)
	// UpdateOperation applies a column-level partial update. Unknown
	// keys are rejected.
	UpdateOperation(ctx context.Context, id string, updates map[string]any) error
	// ClaimOperation atomically transitions pending → executing for the
	// given worker. Returns ErrIllegalState if the operation is not
	// pending or is deferred by a not-before timestamp.
	ClaimOperation(ctx context.Context, id, workerID string, now time.Time) error
	// CancelOperation transitions pending → cancelled.
	CancelOperation(ctx context.Context, id string) error
	// RecoverExecuting returns operations stranded in executing by an
	// interrupted run to pending, claims cleared. Called once at
	// startup, before any worker runs; the store is exclusively open so
	// no live worker can hold a claim. Returns the number recovered.
	RecoverExecuting(ctx context.Context) (int, error)
	// ListPending returns pending, validation-clean operations ordered
	// by priority descending then created_at ascending.
	ListPending(ctx context.Context, filter types.PendingFilter) ([]*types.Operation, error)
	// ListReady is ListPending restricted to operations whose every
	// dependency is completed or synced and whose not-before has passed.
	// A dependency id with no stored operation leaves the operation
	// not-ready.
	ListReady(ctx context.Context, now time.Time, limit int) ([]*types.Operation, error)
	// ListCompletedUnsynced returns completed operations awaiting
	// upload, dead-letters excluded, ordered by executed_at ascending so
	// per-entity completion order is preserved.
	ListCompletedUnsynced(ctx context.Context, limit int) ([]*types.Operation, error)
	// ListByEntity returns operations for one (type, id) in the given
	// statuses, ordered by created_at ascending.
	ListByEntity(ctx context.Context, entityType, entityID string, statuses ...types.OpStatus) ([]*types.Operation, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*types.Operation, error)
	CountByStatus(ctx context.Context) (map[types.OpStatus]int, error)
	// CountUnsynced counts completed-and-unsynced operations for one
	// entity type; the validator's backpressure gate reads it.
	CountUnsynced(ctx context.Context, entityType string) (int, error)
	// CompactOperations removes synced and terminal operations created
	// before the horizon. Returns the number removed.
	CompactOperations(ctx context.Context, before time.Time) (int, error)

	// Cache entries.
	PutCacheEntry(ctx context.Context, entry *types.CacheEntry) error
	GetCacheEntry(ctx context.Context, entityType, entityID string) (*types.CacheEntry, error)
	DeleteCacheEntry(ctx context.Context, entityType, entityID string) error
	// TouchCacheEntry bumps the access counter and accessed_at.
	TouchCacheEntry(ctx context.Context, entityType, entityID string, now time.Time) error
	// QueryCache is an equality-only predicate over payload fields.
	// Tombstoned entries are excluded.
	QueryCache(ctx context.Context, entityType string, filter map[string]any, limit int) ([]*types.CacheEntry, error)
	CountCache(ctx context.Context) (int, error)
	CountSyncRequired(ctx context.Context) (int, error)
	// CompactExpired removes cache entries past expires_at. Returns the
	// number removed.
	CompactExpired(ctx context.Context, now time.Time) (int, error)

	// Schemas and rules.
	PutSchema(ctx context.Context, schema *types.EntitySchema) error
	GetSchema(ctx context.Context, entityType string) (*types.EntitySchema, error)
	ListSchemas(ctx context.Context) ([]*types.EntitySchema, error)
	PutRule(ctx context.Context, rule *types.BusinessRule) error
	ListRulesForType(ctx context.Context, entityType string) ([]*types.BusinessRule, error)

	// Metadata: sync watermarks, handshake marker, parked conflicts.
	SetMeta(ctx context.Context, key, value string) error
	// GetMeta returns "" (no error) for absent keys.
	GetMeta(ctx context.Context, key string) (string, error)
	ListMeta(ctx context.Context, prefix string) (map[string]string, error)
	DeleteMeta(ctx context.Context, key string) error

	Close() error
}
