package syncer

import (
	"context"
	"time"

	"github.com/syncforge/syncforge/internal/types"
)

// Transport is the remote-server client supplied by the embedding
// application. The engine never parses transport payloads beyond these
// shapes.
type Transport interface {
	// UploadBatch ships completed operations for one entity type, in
	// the order given. It returns one result per operation.
	UploadBatch(ctx context.Context, entityType string, ops []*types.Operation) ([]UploadResult, error)
	// DownloadChanges returns server-originated changes since the
	// watermark, plus the new watermark. An empty watermark means
	// "from the beginning".
	DownloadChanges(ctx context.Context, entityType string, since string) ([]Change, string, error)
}

// UploadResult is the per-operation outcome of an upload batch.
type UploadResult struct {
	OperationID   string
	Ack           bool
	ServerVersion string
	// Error describes a per-operation rejection; the batch itself
	// succeeded.
	Error string
}

// Change is one server-originated entity change.
type Change struct {
	EntityID      string
	Payload       map[string]any
	ServerVersion string
	UpdatedAt     time.Time
	Deleted       bool
}

// AuthProvider yields identity tokens for sync calls. Opaque to the
// engine; the token travels to the transport on the call context.
type AuthProvider interface {
	Token(ctx context.Context) (string, error)
}

type tokenKey struct{}

// WithToken attaches an identity token to a transport call context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext extracts the token a transport implementation should
// present to the server.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey{}).(string)
	return token, ok
}

// ConflictReport surfaces a resolved conflict to the embedding
// application, including any local operations the resolution cancelled.
type ConflictReport struct {
	EntityType   string
	EntityID     string
	Strategy     types.ResolutionStrategy
	CancelledOps []string
	Manual       bool
}
