// Package suggest produces reply suggestions for a captured conversation.
// Suggestions are only returned to the caller for review; nothing is sent.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/user/wacopilot/internal/types"
	"github.com/user/wacopilot/internal/window"
	"github.com/user/wacopilot/pkg/remote"
)

const (
	DefaultContextWindow = 20
	DefaultTokenBudget   = 2000
	DefaultLocale        = "pt-BR"
)

// ErrNoMessages is returned when the conversation has nothing to suggest from.
var ErrNoMessages = errors.New("conversation has no captured messages")

// Generator is the part of remote.Client the service uses.
type Generator interface {
	GenerateSuggestions(ctx context.Context, req remote.SuggestionRequest, idempotencyKey string) (*remote.SuggestionResponse, error)
}

type Options struct {
	Locale        string `json:"locale,omitempty"`
	Tone          string `json:"tone,omitempty"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// Result is a ranked suggestion list awaiting human review.
type Result struct {
	ConversationID types.ConversationID `json:"conversation_id"`
	Suggestions    []remote.Suggestion  `json:"suggestions"`
	QualityScore   *float64             `json:"quality_score,omitempty"`
	HITLRequired   bool                 `json:"hitl_required"`
	ContextLines   int                  `json:"context_lines"`
}

// Config holds the Service dependencies. Conversations is optional and only
// used for the conversation title.
type Config struct {
	TenantID      string
	Messages      types.MessageLog
	Conversations types.ConversationStore
	Generator     Generator
	Window        *window.Builder
	TokenBudget   int
	Logger        *slog.Logger
}

type Service struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Service {
	if cfg.Window == nil {
		cfg.Window = window.New(nil)
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, logger: logger.With("component", "suggest")}
}

// Suggest loads the latest messages of a conversation, builds the context
// window and asks the remote API for replies, sorted by rank.
func (s *Service) Suggest(ctx context.Context, conversationID types.ConversationID, opts Options) (*Result, error) {
	if conversationID == "" || conversationID == types.UnknownConversation {
		return nil, fmt.Errorf("invalid conversation id %q", conversationID)
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = DefaultContextWindow
	}
	if opts.Locale == "" {
		opts.Locale = DefaultLocale
	}

	events, err := s.cfg.Messages.ListByConversation(ctx, conversationID, opts.ContextWindow)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	lines := s.cfg.Window.Build(events, opts.ContextWindow, s.cfg.TokenBudget)
	if len(lines) == 0 {
		return nil, ErrNoMessages
	}

	ref := remote.ConversationRef{TenantID: s.cfg.TenantID, ConversationID: string(conversationID)}
	if s.cfg.Conversations != nil {
		rec, err := s.cfg.Conversations.Get(ctx, conversationID)
		switch {
		case err == nil:
			ref.Title = rec.Title
		case !errors.Is(err, types.ErrNotFound):
			s.logger.Warn("load conversation", "conversation_id", string(conversationID), "error", err)
		}
	}

	resp, err := s.cfg.Generator.GenerateSuggestions(ctx, remote.SuggestionRequest{
		Conversation:  ref,
		Locale:        opts.Locale,
		Tone:          strings.TrimSpace(opts.Tone),
		ContextWindow: opts.ContextWindow,
		Messages:      lines,
	}, types.NewIdempotencyKey())
	if err != nil {
		return nil, fmt.Errorf("generate suggestions: %w", err)
	}

	suggestions := append([]remote.Suggestion(nil), resp.Suggestions...)
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Rank < suggestions[j].Rank
	})

	s.logger.Info("suggestions generated", "conversation_id", string(conversationID), "count", len(suggestions), "context_lines", len(lines))
	return &Result{
		ConversationID: conversationID,
		Suggestions:    suggestions,
		QualityScore:   resp.QualityScore,
		HITLRequired:   true,
		ContextLines:   len(lines),
	}, nil
}
