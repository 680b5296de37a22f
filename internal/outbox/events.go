package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/user/wacopilot/internal/types"
)

type EventType string

const (
	EventEnqueued       EventType = "enqueued"
	EventCompleted      EventType = "completed"
	EventRetryScheduled EventType = "retry_scheduled"
	EventFailed         EventType = "failed"
	// EventRequeued is emitted when a failed or stale job returns to pending.
	EventRequeued EventType = "requeued"
)

// Event describes one job lifecycle transition.
type Event struct {
	Type           EventType            `json:"type"`
	JobID          types.JobID          `json:"job_id"`
	Kind           types.JobKind        `json:"kind"`
	ConversationID types.ConversationID `json:"conversation_id,omitempty"`
	Attempts       int                  `json:"attempts"`
	NextAttemptAt  int64                `json:"next_attempt_at,omitempty"`
	RemoteJobID    string               `json:"remote_job_id,omitempty"`
	Error          string               `json:"error,omitempty"`
	At             time.Time            `json:"at"`

	// Err is the dispatch error behind failed and retry_scheduled events.
	Err error `json:"-"`
}

// Listener receives queue events. Listeners run synchronously on the
// flushing goroutine and should return quickly.
type Listener func(Event)

// SyncRecorder returns a listener that stamps LastSyncedAt on a conversation
// each time one of its jobs completes. Conversations unknown to the store are
// skipped.
func SyncRecorder(conversations types.ConversationStore, logger *slog.Logger) Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ev Event) {
		if ev.Type != EventCompleted || ev.ConversationID == "" {
			return
		}
		err := conversations.MarkSynced(context.Background(), ev.ConversationID, ev.At)
		switch {
		case errors.Is(err, types.ErrNotFound):
			logger.Debug("completed job for unknown conversation", "conversation_id", string(ev.ConversationID), "job_id", string(ev.JobID))
		case err != nil:
			logger.Warn("mark conversation synced", "conversation_id", string(ev.ConversationID), "error", err)
		}
	}
}
