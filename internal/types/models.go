package types

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the MessageEvent format version.
const SchemaVersion = "1.0"

type AuthorRole string

const (
	RoleSelf    AuthorRole = "self"
	RoleContact AuthorRole = "contact"
	RoleSystem  AuthorRole = "system"
)

// MessageEvent is one observed message. It is immutable once created.
type MessageEvent struct {
	SchemaVersion  string         `json:"schemaVersion"`
	TenantID       string         `json:"tenantId"`
	ConversationID ConversationID `json:"conversationId"`
	// ConversationTitle is the chat header title at capture time.
	ConversationTitle string     `json:"conversationTitle,omitempty"`
	EventID           EventID    `json:"eventId"`
	SourceMessageID   string     `json:"sourceMessageId,omitempty"`
	AuthorRole        AuthorRole `json:"authorRole"`
	AuthorName        string     `json:"authorName,omitempty"`
	TimestampSource   time.Time  `json:"timestampSource"`
	Sequence          int64      `json:"sequence"`
	Text              string     `json:"text"`
	TextNormalized    string     `json:"textNormalized"`
	DedupeKey         string     `json:"dedupeKey"`
	Checksum          string     `json:"checksum"`
	IngestedAt        time.Time  `json:"ingestedAt"`
}

type ConversationRecord struct {
	ID           ConversationID `json:"id"`
	Title        string         `json:"title,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	LastSyncedAt *time.Time     `json:"lastSyncedAt,omitempty"`
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusFailed     JobStatus = "failed"
)

// OutboxJob is a persisted, not yet confirmed unit of outbound work.
// Timestamps are epoch milliseconds.
type OutboxJob struct {
	ID             JobID           `json:"id"`
	Kind           JobKind         `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  int64           `json:"nextAttemptAt"`
	CreatedAt      int64           `json:"createdAt"`
	UpdatedAt      int64           `json:"updatedAt"`
	IdempotencyKey string          `json:"idempotencyKey"`
	LastError      string          `json:"lastError,omitempty"`
	RemoteJobID    string          `json:"remoteJobId,omitempty"`
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (j *OutboxJob) Clone() *OutboxJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	return &c
}

// Due reports whether the job is pending and its next attempt is at or before now.
func (j *OutboxJob) Due(now time.Time) bool {
	return j.Status == JobStatusPending && j.NextAttemptAt <= now.UnixMilli()
}
