// Package capture persists observed messages for conversations the user
// has consented to.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/user/wacopilot/internal/types"
)

// Consent decides whether a conversation may be captured.
type Consent interface {
	Allowed(id types.ConversationID) bool
}

// Stats counts what the pipeline did with observed events.
type Stats struct {
	Stored     int64 `json:"stored"`
	Duplicates int64 `json:"duplicates"`
	Denied     int64 `json:"denied"`
}

type Pipeline struct {
	messages      types.MessageLog
	conversations types.ConversationStore
	consent       Consent
	logger        *slog.Logger

	stored     atomic.Int64
	duplicates atomic.Int64
	denied     atomic.Int64
}

func New(messages types.MessageLog, conversations types.ConversationStore, consent Consent, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		messages:      messages,
		conversations: conversations,
		consent:       consent,
		logger:        logger.With("component", "capture"),
	}
}

// Handle stores one observed message. Its signature matches observer.Handler.
func (p *Pipeline) Handle(ctx context.Context, event *types.MessageEvent) error {
	if p.consent == nil || !p.consent.Allowed(event.ConversationID) {
		p.denied.Add(1)
		p.logger.Debug("capture skipped, no consent", "conversation", string(event.ConversationID))
		return nil
	}

	inserted, err := p.messages.Append(ctx, event)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if !inserted {
		p.duplicates.Add(1)
		p.logger.Debug("duplicate message", "conversation", string(event.ConversationID), "dedupe_key", event.DedupeKey)
		return nil
	}
	p.stored.Add(1)

	if err := p.conversations.Upsert(ctx, &types.ConversationRecord{
		ID:        event.ConversationID,
		Title:     event.ConversationTitle,
		CreatedAt: event.IngestedAt,
		UpdatedAt: event.IngestedAt,
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	p.logger.Debug("message stored", "conversation", string(event.ConversationID), "event_id", string(event.EventID), "sequence", event.Sequence)
	return nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Stored:     p.stored.Load(),
		Duplicates: p.duplicates.Load(),
		Denied:     p.denied.Load(),
	}
}
