//go:build integration

package test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/wacopilot/internal/capture"
	"github.com/user/wacopilot/internal/consent"
	"github.com/user/wacopilot/internal/observer"
	"github.com/user/wacopilot/internal/outbox"
	"github.com/user/wacopilot/internal/page"
	"github.com/user/wacopilot/internal/state"
	"github.com/user/wacopilot/internal/suggest"
	"github.com/user/wacopilot/internal/types"
	"github.com/user/wacopilot/pkg/remote"
)

const chat = `<html><head></head><body>
<div id="main"><header><span title="Fulano de Tal">Fulano de Tal</span></header></div>
</body></html>`

// fakeAPI records what the copilot API receives.
type fakeAPI struct {
	mu         sync.Mutex
	summaries  []remote.SummaryRequest
	keys       []string
	suggestion remote.SuggestionRequest
}

func (a *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/summaries", func(w http.ResponseWriter, r *http.Request) {
		var req remote.SummaryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.summaries = append(a.summaries, req)
		a.keys = append(a.keys, r.Header.Get("Idempotency-Key"))
		a.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(remote.JobAccepted{JobID: "remote-1", Status: remote.JobPending})
	})
	mux.HandleFunc("POST /v1/suggestions", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&a.suggestion); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(remote.SuggestionResponse{Suggestions: []remote.Suggestion{
			{Rank: 2, Content: "Posso ligar amanhã?"},
			{Rank: 1, Content: "Claro, combinado!"},
		}})
	})
	return mux
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	messages := state.NewMessageStore(dir)
	conversations := state.NewConversationStore(dir, messages)
	jobs := state.NewOutboxStore(dir)

	grants := consent.NewStore(filepath.Join(dir, "consent.json"))
	if err := grants.Grant("wa:title:*"); err != nil {
		t.Fatal(err)
	}

	// Capture
	doc, err := page.NewDocument(chat, "https://web.whatsapp.com/")
	if err != nil {
		t.Fatal(err)
	}
	pipeline := capture.New(messages, conversations, grants, nil)
	obs := observer.New(doc, observer.Options{TenantID: "tenant-1", OnMessage: pipeline.Handle, Location: time.UTC})
	obs.Start(ctx)
	defer obs.Stop()

	for _, frag := range []string{
		`<div data-id="msg-1"><div class="message-in"><span class="selectable-text">oi, tudo bem?</span></div></div>`,
		`<div data-id="msg-2"><div class="message-in"><span class="selectable-text">podemos falar amanhã?</span></div></div>`,
		`<div data-id="msg-1"><div class="message-in"><span class="selectable-text">oi, tudo bem?</span></div></div>`,
	} {
		if _, err := doc.Append(frag); err != nil {
			t.Fatal(err)
		}
	}
	if !obs.WaitIdle(2 * time.Second) {
		t.Fatal("observer did not go idle")
	}

	conv := types.ConversationID("wa:title:fulano-de-tal")
	count, err := messages.Count(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 stored messages, got %d", count)
	}
	if s := pipeline.Stats(); s.Stored != 2 {
		t.Errorf("expected 2 stored, got %+v", s)
	}
	recs, err := conversations.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != conv {
		t.Fatalf("unexpected conversations: %+v", recs)
	}

	api := &fakeAPI{}
	server := httptest.NewServer(api.handler())
	defer server.Close()
	client := remote.New(remote.Config{BaseURL: server.URL})

	// Outbox
	queue := outbox.NewQueue(jobs, outbox.NewRemoteTransport(client))
	var mu sync.Mutex
	var seen []outbox.EventType
	queue.Subscribe(func(ev outbox.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	job, err := queue.Enqueue(ctx, types.SummaryPayload{
		Conversation: types.ConversationRef{TenantID: "tenant-1", ConversationID: conv},
		SummaryType:  "conversation",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := queue.FlushDueJobs(ctx); err != nil {
		t.Fatal(err)
	}

	left, err := queue.Jobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("expected empty outbox, got %d jobs", len(left))
	}
	api.mu.Lock()
	if len(api.summaries) != 1 || api.summaries[0].Conversation.ConversationID != string(conv) {
		t.Errorf("unexpected summary requests: %+v", api.summaries)
	}
	if len(api.keys) != 1 || api.keys[0] != job.IdempotencyKey {
		t.Errorf("idempotency key not forwarded: %v", api.keys)
	}
	api.mu.Unlock()

	mu.Lock()
	if len(seen) != 2 || seen[0] != outbox.EventEnqueued || seen[1] != outbox.EventCompleted {
		t.Errorf("unexpected events: %v", seen)
	}
	mu.Unlock()

	// Suggestions
	svc := suggest.New(suggest.Config{
		TenantID:      "tenant-1",
		Messages:      messages,
		Conversations: conversations,
		Generator:     client,
	})
	res, err := svc.Suggest(ctx, conv, suggest.Options{Locale: "pt-BR"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Suggestions) != 2 || res.Suggestions[0].Rank != 1 {
		t.Fatalf("suggestions not ranked: %+v", res.Suggestions)
	}
	if !res.HITLRequired {
		t.Error("suggestions must require review")
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	lines := api.suggestion.Messages
	if len(lines) != 2 || !strings.Contains(lines[1], "podemos falar amanhã?") {
		t.Errorf("unexpected context lines: %v", lines)
	}
}
