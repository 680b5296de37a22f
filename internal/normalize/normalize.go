// Package normalize builds canonical, fingerprinted message events from raw
// extracted text and metadata. It performs no I/O.
package normalize

import (
	"encoding/hex"
	"hash/fnv"
	"strings"
	"time"

	"github.com/user/wacopilot/internal/types"
)

const (
	fingerprintSalt = "wacopilot:"
	noSourceID      = "no-source-id"
	isoLayout       = "2006-01-02T15:04:05.000Z"
)

// Input is the raw material for one message event.
type Input struct {
	TenantID       string
	ConversationID types.ConversationID
	// ConversationTitle is not part of the dedupe key.
	ConversationTitle string
	SourceMessageID   string
	AuthorRole        types.AuthorRole
	AuthorName        string
	Text              string
	// Timestamp is the host-page time of the message; zero means unknown.
	Timestamp time.Time
	Sequence  int64
	// Now is the capture time; zero means time.Now().
	Now time.Time
}

// NewMessageEvent derives a MessageEvent from in. Identical inputs always
// yield the same DedupeKey and Checksum; EventID is fresh on every call.
func NewMessageEvent(in Input) *types.MessageEvent {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = now
	}
	ts = ts.UTC().Truncate(time.Millisecond)

	role := in.AuthorRole
	if role == "" {
		role = types.RoleSystem
	}
	normalized := NormalizeText(in.Text)

	return &types.MessageEvent{
		SchemaVersion:     types.SchemaVersion,
		TenantID:          in.TenantID,
		ConversationID:    in.ConversationID,
		ConversationTitle: strings.TrimSpace(in.ConversationTitle),
		EventID:           types.NewEventID(),
		SourceMessageID:   in.SourceMessageID,
		AuthorRole:        role,
		AuthorName:        strings.TrimSpace(in.AuthorName),
		TimestampSource:   ts,
		Sequence:          in.Sequence,
		Text:              in.Text,
		TextNormalized:    normalized,
		DedupeKey:         DedupeKey(in.TenantID, in.ConversationID, in.SourceMessageID, role, ts, normalized),
		Checksum:          Checksum(in.ConversationID, in.SourceMessageID, normalized),
		IngestedAt:        now.UTC().Truncate(time.Millisecond),
	}
}

// NormalizeText collapses every whitespace run to a single space and trims.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DedupeKey prefers the stable source id; without one it falls back to the
// composite of role, timestamp and normalized text.
func DedupeKey(tenantID string, conversationID types.ConversationID, sourceID string, role types.AuthorRole, ts time.Time, normalized string) string {
	if sourceID != "" {
		return Fingerprint(strings.Join([]string{tenantID, string(conversationID), sourceID}, "|"))
	}
	return Fingerprint(strings.Join([]string{tenantID, string(conversationID), string(role), FormatISO(ts), normalized}, "|"))
}

// Checksum is an audit fingerprint; it is never used for dedupe decisions.
func Checksum(conversationID types.ConversationID, sourceID, normalized string) string {
	if sourceID == "" {
		sourceID = noSourceID
	}
	return Fingerprint(strings.Join([]string{string(conversationID), sourceID, normalized}, "|"))
}

// Fingerprint hashes seed and a salted copy of it with FNV-1a 64 and
// concatenates both digests (32 hex chars).
func Fingerprint(seed string) string {
	return fnvHex(seed) + fnvHex(fingerprintSalt+seed)
}

func fnvHex(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

// FormatISO renders t as ISO-8601 UTC with millisecond precision.
func FormatISO(t time.Time) string {
	return t.UTC().Format(isoLayout)
}
