// Package types defines the core data structures for the operation engine.
package types

import (
	"time"
)

// OpKind is the kind of mutation an operation proposes.
type OpKind string

const (
	KindCreate  OpKind = "create"
	KindUpdate  OpKind = "update"
	KindDelete  OpKind = "delete"
	KindApprove OpKind = "approve"
	KindReject  OpKind = "reject"
	KindSubmit  OpKind = "submit"
	KindCancel  OpKind = "cancel"
)

// OpStatus is the lifecycle state of an operation.
//
// Legal transitions: pending → executing → {completed, failed};
// executing → pending on a retryable failure; pending → cancelled;
// completed → synced. Everything else is illegal.
type OpStatus string

const (
	StatusPending   OpStatus = "pending"
	StatusExecuting OpStatus = "executing"
	StatusCompleted OpStatus = "completed"
	StatusFailed    OpStatus = "failed"
	StatusCancelled OpStatus = "cancelled"
	StatusSynced    OpStatus = "synced"
)

// Terminal reports whether the status admits no further transitions
// other than completed → synced.
func (s OpStatus) Terminal() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusSynced:
		return true
	}
	return false
}

// Priority orders operations within a scheduler tick. Higher runs first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "normal"
}

// ParsePriority maps a priority name to its value. Unknown names map
// to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	}
	return PriorityNormal
}

// ResolutionStrategy selects how a sync conflict for an entity is reconciled.
type ResolutionStrategy string

const (
	StrategyClientWins     ResolutionStrategy = "client_wins"
	StrategyServerWins     ResolutionStrategy = "server_wins"
	StrategyLastWriterWins ResolutionStrategy = "last_writer_wins"
	StrategyMerge          ResolutionStrategy = "merge"
	StrategyManual         ResolutionStrategy = "manual"
)

// Operation is a single proposed mutation, durable and tracked through
// its lifecycle. Operations reference each other only by id so that a
// restart reconstructs the dependency graph from storage alone.
type Operation struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Kind       OpKind         `json:"kind"`
	Payload    map[string]any `json:"payload"`

	// PreviousPayload is the cache pre-image recorded by the scheduler
	// before an update executes. Used by the conflict resolver.
	PreviousPayload map[string]any `json:"previous_payload,omitempty"`

	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`

	Status   OpStatus `json:"status"`
	Priority Priority `json:"priority"`

	// DependsOn lists operation ids that must reach completed or synced
	// before this operation may execute. An id that does not resolve to a
	// stored operation leaves this operation permanently not-ready; the
	// engine deliberately refuses to guess that a missing dependency was
	// satisfied.
	DependsOn []string `json:"depends_on,omitempty"`

	Strategy ResolutionStrategy `json:"strategy,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	// NotBefore defers re-eligibility after a retryable failure.
	NotBefore *time.Time `json:"not_before,omitempty"`

	SyncAttempts int  `json:"sync_attempts,omitempty"`
	DeadLetter   bool `json:"dead_letter,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	RulesEvaluated   []string `json:"rules_evaluated,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`

	// RequiresSync keeps the operation pending until the sync coordinator
	// has completed at least one successful handshake with the server.
	RequiresSync bool `json:"requires_sync,omitempty"`

	// ClaimedBy identifies the scheduler worker holding the operation
	// while it is executing.
	ClaimedBy string `json:"claimed_by,omitempty"`
}

// Valid reports whether the operation passed validation at enqueue time.
// Operations with recorded validation errors are retained for audit but
// never selected by the scheduler.
func (o *Operation) Valid() bool {
	return len(o.ValidationErrors) == 0
}

// DeletedMarker is the tombstone key in a cache entry payload. An entry
// whose payload carries DeletedMarker=true is soft-deleted: invisible to
// reads, retained until the delete has been acknowledged by the server.
const DeletedMarker = "_deleted"

// CacheEntry is the local materialized state of one remote entity.
type CacheEntry struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`

	// Metadata is an opaque bag persisted as-is; the engine never
	// interprets its contents.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	AccessedAt time.Time  `json:"accessed_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	// ServerVersion is advanced only by the sync coordinator, never by
	// local execution.
	ServerVersion string     `json:"server_version,omitempty"`
	LastSynced    *time.Time `json:"last_synced,omitempty"`

	// SyncRequired is true iff local mutations exist that the server has
	// not acknowledged.
	SyncRequired bool `json:"sync_required"`

	AccessCount int64 `json:"access_count"`
}

// IsTombstone reports whether the entry is soft-deleted.
func (e *CacheEntry) IsTombstone() bool {
	if e.Payload == nil {
		return false
	}
	v, ok := e.Payload[DeletedMarker]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// AccessFrequency returns accesses per hour since the entry was created.
func (e *CacheEntry) AccessFrequency(now time.Time) float64 {
	age := now.Sub(e.CreatedAt)
	if age <= 0 {
		return float64(e.AccessCount)
	}
	return float64(e.AccessCount) / age.Hours()
}

// Key returns the (type, id) cache key as a single string, for metadata
// keys and log fields.
func (e *CacheEntry) Key() string {
	return e.EntityType + "/" + e.EntityID
}

// PendingFilter narrows ListPending results.
type PendingFilter struct {
	EntityType string
	UserID     string
	Limit      int
}

// Statistics is the engine-level snapshot returned by Statistics().
type Statistics struct {
	ByStatus     map[OpStatus]int `json:"by_status"`
	CacheSize    int              `json:"cache_size"`
	PendingSync  int              `json:"pending_sync"`
	QueueDepth   int              `json:"queue_depth"`
	DeadLettered int              `json:"dead_lettered"`
}
