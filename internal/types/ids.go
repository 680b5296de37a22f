package types

import (
	"strings"

	"github.com/google/uuid"
)

type EventID string
type JobID string
type ConversationID string

// UnknownConversation is the sentinel used when no conversation can be
// derived from the page.
const UnknownConversation ConversationID = "wa:unknown"

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// NewIdempotencyKey returns a fresh key for a logical job. The key must be
// kept across retries of that job.
func NewIdempotencyKey() string {
	return "idem-" + uuid.New().String()
}

func NewConversationID(parts ...string) ConversationID {
	return ConversationID(strings.Join(parts, ":"))
}
