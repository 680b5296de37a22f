package types

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// MessageLog is the append-only message log. Append reports inserted=false,
// without error, when the (conversation, dedupe key) pair already exists.
type MessageLog interface {
	Append(ctx context.Context, event *MessageEvent) (bool, error)
	ListByConversation(ctx context.Context, conversationID ConversationID, limit int) ([]*MessageEvent, error)
	Count(ctx context.Context, conversationID ConversationID) (int64, error)
	Delete(ctx context.Context, conversationID ConversationID, dedupeKey string) error
	DeleteConversation(ctx context.Context, conversationID ConversationID) error
}

type ConversationStore interface {
	Upsert(ctx context.Context, rec *ConversationRecord) error
	Get(ctx context.Context, id ConversationID) (*ConversationRecord, error)
	List(ctx context.Context) ([]*ConversationRecord, error)
	MarkSynced(ctx context.Context, id ConversationID, at time.Time) error
	PruneStale(ctx context.Context, olderThan time.Time) (int, error)
}

// OutboxStore is the outbox job table.
type OutboxStore interface {
	Put(ctx context.Context, job *OutboxJob) error
	Update(ctx context.Context, job *OutboxJob) error
	Delete(ctx context.Context, id JobID) error
	Get(ctx context.Context, id JobID) (*OutboxJob, error)
	List(ctx context.Context) ([]*OutboxJob, error)
}
