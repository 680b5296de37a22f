package suggest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/wacopilot/internal/normalize"
	"github.com/user/wacopilot/internal/state"
	"github.com/user/wacopilot/internal/types"
	"github.com/user/wacopilot/internal/window"
	"github.com/user/wacopilot/pkg/remote"
)

type fakeGenerator struct {
	requests []remote.SuggestionRequest
	keys     []string
	resp     *remote.SuggestionResponse
	err      error
}

func (f *fakeGenerator) GenerateSuggestions(_ context.Context, req remote.SuggestionRequest, key string) (*remote.SuggestionResponse, error) {
	f.requests = append(f.requests, req)
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func seed(t *testing.T, messages *state.MessageStore, conv types.ConversationID, n int) {
	t.Helper()
	base := time.Date(2026, 2, 5, 8, 0, 0, 0, time.UTC)
	for i := range n {
		role := types.RoleContact
		if i%2 == 1 {
			role = types.RoleSelf
		}
		ev := normalize.NewMessageEvent(normalize.Input{
			ConversationID:  conv,
			SourceMessageID: fmt.Sprintf("m%d", i),
			AuthorRole:      role,
			Text:            fmt.Sprintf("mensagem  %d", i),
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
			Sequence:        int64(i + 1),
		})
		_, err := messages.Append(context.Background(), ev)
		require.NoError(t, err)
	}
}

func TestSuggestBuildsWindowAndSortsByRank(t *testing.T) {
	dir := t.TempDir()
	messages := state.NewMessageStore(dir)
	conversations := state.NewConversationStore(dir, messages)
	conv := types.ConversationID("wa:jid:5511987654321@c.us")
	ctx := context.Background()

	seed(t, messages, conv, 5)
	require.NoError(t, conversations.Upsert(ctx, &types.ConversationRecord{ID: conv, Title: "Fulano"}))

	score := 0.8
	gen := &fakeGenerator{resp: &remote.SuggestionResponse{
		Suggestions: []remote.Suggestion{
			{Rank: 2, Content: "Pode ser amanhã?"},
			{Rank: 1, Content: "Combinado!"},
			{Rank: 3, Content: "Vou verificar."},
		},
		QualityScore: &score,
	}}

	svc := New(Config{
		TenantID:      "t1",
		Messages:      messages,
		Conversations: conversations,
		Generator:     gen,
		Window:        window.New(window.ApproxCounter{}),
	})

	res, err := svc.Suggest(ctx, conv, Options{Tone: " friendly ", ContextWindow: 3})
	require.NoError(t, err)

	require.Len(t, res.Suggestions, 3)
	assert.Equal(t, "Combinado!", res.Suggestions[0].Content)
	assert.Equal(t, 3, res.Suggestions[2].Rank)
	assert.True(t, res.HITLRequired)
	assert.Equal(t, 3, res.ContextLines)
	require.NotNil(t, res.QualityScore)
	assert.InDelta(t, 0.8, *res.QualityScore, 1e-9)

	require.Len(t, gen.requests, 1)
	req := gen.requests[0]
	assert.Equal(t, "t1", req.Conversation.TenantID)
	assert.Equal(t, string(conv), req.Conversation.ConversationID)
	assert.Equal(t, "Fulano", req.Conversation.Title)
	assert.Equal(t, DefaultLocale, req.Locale)
	assert.Equal(t, "friendly", req.Tone)
	assert.Equal(t, 3, req.ContextWindow)
	assert.Equal(t, []string{"Contact: mensagem 2", "Me: mensagem 3", "Contact: mensagem 4"}, req.Messages)
	assert.True(t, strings.HasPrefix(gen.keys[0], "idem-"))
}

func TestSuggestEmptyConversation(t *testing.T) {
	dir := t.TempDir()
	gen := &fakeGenerator{}
	svc := New(Config{Messages: state.NewMessageStore(dir), Generator: gen})

	_, err := svc.Suggest(context.Background(), "wa:title:vazio", Options{})
	assert.ErrorIs(t, err, ErrNoMessages)
	assert.Empty(t, gen.requests)
}

func TestSuggestRejectsUnknownConversation(t *testing.T) {
	svc := New(Config{Messages: state.NewMessageStore(t.TempDir()), Generator: &fakeGenerator{}})

	_, err := svc.Suggest(context.Background(), types.UnknownConversation, Options{})
	assert.Error(t, err)
}

func TestSuggestPropagatesRemoteError(t *testing.T) {
	dir := t.TempDir()
	messages := state.NewMessageStore(dir)
	conv := types.ConversationID("wa:title:equipe")
	seed(t, messages, conv, 2)

	gen := &fakeGenerator{err: &remote.Error{Status: 429, Retryable: true}}
	svc := New(Config{Messages: messages, Generator: gen})

	_, err := svc.Suggest(context.Background(), conv, Options{})
	require.Error(t, err)
	var apiErr *remote.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, remote.CategoryRateLimit, remote.Classify(err))
	assert.Equal(t, DefaultContextWindow, gen.requests[0].ContextWindow)
}
