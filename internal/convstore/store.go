// Package convstore implements the Conversation Store Contract: a narrow
// interface over durable conversation records, with a SQLite-backed
// implementation and an in-memory one for tests.
package convstore

import (
	"context"
	"errors"
	"time"

	"github.com/forgehq/forge/internal/conversation"
)

// ErrNotFound is returned by Get when no record exists for the given id.
var ErrNotFound = errors.New("convstore: conversation not found")

// ErrConflict is returned by Upsert when the record's workspace is unknown
// to the store.
var ErrConflict = errors.New("convstore: unknown workspace")

// LifecycleEvent is an auditing record appended alongside a conversation,
// independent of the turn-level conversation.Event that drives the
// orchestrator.
type LifecycleEvent struct {
	ConvID    string
	Kind      string // "created" | "renamed" | "deleted"
	Detail    string
	Timestamp time.Time
}

// Store is the contract the orchestrator core consumes. A successful Upsert
// must be durable before it returns; callers never need to flush separately.
type Store interface {
	Get(ctx context.Context, convID string) (conversation.Conversation, error)
	Upsert(ctx context.Context, conv conversation.Conversation) error
	List(ctx context.Context, workspaceID string, limit int, cursor string) ([]conversation.Conversation, string, error)
	AppendEvent(ctx context.Context, convID string, event LifecycleEvent) error
	Close() error
}
