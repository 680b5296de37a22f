package observer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/wacopilot/internal/page"
	"github.com/user/wacopilot/internal/types"
)

const chatShell = `<html><head><title>WhatsApp</title></head><body>
<div id="main"><header><span title="Fulano de Tal">Fulano de Tal</span></header></div>
</body></html>`

type recorder struct {
	mu     sync.Mutex
	events []*types.MessageEvent
}

func (r *recorder) handle(_ context.Context, ev *types.MessageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []*types.MessageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.MessageEvent(nil), r.events...)
}

func startObserver(t *testing.T, src string, handler Handler) (*page.Document, *Observer) {
	t.Helper()
	doc, err := page.NewDocument(src, "https://web.whatsapp.com/")
	require.NoError(t, err)
	obs := New(doc, Options{TenantID: "tenant-1", OnMessage: handler, Location: time.UTC})
	obs.Start(context.Background())
	t.Cleanup(obs.Stop)
	return doc, obs
}

func TestObserverDeduplicatesBySourceID(t *testing.T) {
	rec := &recorder{}
	doc, obs := startObserver(t, chatShell, rec.handle)

	_, err := doc.Append(`<div data-id="msg-1"><span class="selectable-text">primeira mensagem</span></div>`)
	require.NoError(t, err)
	require.True(t, obs.WaitIdle(time.Second))
	require.Len(t, rec.snapshot(), 1)

	_, err = doc.Append(`<div data-id="msg-1"><span class="selectable-text">primeira mensagem</span></div>`)
	require.NoError(t, err)
	require.True(t, obs.WaitIdle(time.Second))
	assert.Len(t, rec.snapshot(), 1)

	_, err = doc.Append(`<div data-id="msg-2"><span class="selectable-text">segunda mensagem</span></div>`)
	require.NoError(t, err)
	require.True(t, obs.WaitIdle(time.Second))

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "primeira mensagem", events[0].Text)
	assert.Equal(t, "msg-1", events[0].SourceMessageID)
	assert.Equal(t, types.ConversationID("wa:title:fulano-de-tal"), events[0].ConversationID)
	assert.Equal(t, "Fulano de Tal", events[0].ConversationTitle)
	assert.Equal(t, "tenant-1", events[0].TenantID)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)
}

func TestObserverInitialScan(t *testing.T) {
	src := `<html><body>
<div id="main"><header><span title="Grupo">Grupo</span></header></div>
<div data-id="false_5511987654321@c.us_AAA">
  <div class="message-in"><div class="copyable-text" data-pre-plain-text="[08:15, 05/02/2026] Fulano: ">
    <span class="selectable-text"><span>bom dia</span></span>
  </div></div>
</div>
<div data-id="true_5511987654321@c.us_BBB">
  <div class="message-out"><span class="selectable-text">oi</span></div>
</div>
</body></html>`
	rec := &recorder{}
	_, obs := startObserver(t, src, rec.handle)
	require.True(t, obs.WaitIdle(time.Second))

	events := rec.snapshot()
	require.Len(t, events, 2)

	assert.Equal(t, types.ConversationID("wa:jid:5511987654321@c.us"), events[0].ConversationID)
	assert.Equal(t, "Grupo", events[0].ConversationTitle)
	assert.Equal(t, types.RoleContact, events[0].AuthorRole)
	assert.Equal(t, "Fulano", events[0].AuthorName)
	assert.Equal(t, "bom dia", events[0].Text)
	assert.Equal(t, time.Date(2026, 2, 5, 8, 15, 0, 0, time.UTC), events[0].TimestampSource)

	assert.Equal(t, types.RoleSelf, events[1].AuthorRole)
	assert.Equal(t, "oi", events[1].Text)
	assert.Equal(t, types.ConversationID("wa:jid:5511987654321@c.us"), obs.ConversationID())
}

func TestObserverSkipsUnknownConversation(t *testing.T) {
	rec := &recorder{}
	doc, obs := startObserver(t, `<html><body></body></html>`, rec.handle)

	_, err := doc.Append(`<div data-id="msg-1"><span class="selectable-text">sem conversa</span></div>`)
	require.NoError(t, err)
	require.True(t, obs.WaitIdle(time.Second))
	assert.Empty(t, rec.snapshot())
}

func TestObserverRefreshDoesNotRepeat(t *testing.T) {
	src := `<html><body><div id="main"><header><span title="Ana">Ana</span></header></div>
<div data-id="msg-1"><span class="selectable-text">oi</span></div></body></html>`
	rec := &recorder{}
	_, obs := startObserver(t, src, rec.handle)
	obs.RefreshSnapshot()
	obs.RefreshSnapshot()
	require.True(t, obs.WaitIdle(time.Second))
	assert.Len(t, rec.snapshot(), 1)
}

func TestObserverHandlerFailuresDoNotStopDelivery(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	handler := func(_ context.Context, ev *types.MessageEvent) error {
		mu.Lock()
		texts = append(texts, ev.Text)
		mu.Unlock()
		switch ev.Text {
		case "boom":
			panic("handler exploded")
		case "fail":
			return errors.New("handler failed")
		}
		return nil
	}
	doc, obs := startObserver(t, chatShell, handler)

	for i, text := range []string{"boom", "fail", "ok"} {
		_, err := doc.Append(`<div data-id="m` + string(rune('0'+i)) + `"><span class="selectable-text">` + text + `</span></div>`)
		require.NoError(t, err)
	}
	require.True(t, obs.WaitIdle(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"boom", "fail", "ok"}, texts)
}

func TestObserverStopDetaches(t *testing.T) {
	rec := &recorder{}
	doc, err := page.NewDocument(chatShell, "https://web.whatsapp.com/")
	require.NoError(t, err)
	obs := New(doc, Options{OnMessage: rec.handle})
	obs.Start(context.Background())
	obs.Start(context.Background())
	obs.Stop()
	obs.Stop()

	_, err = doc.Append(`<div data-id="msg-9"><span class="selectable-text">depois</span></div>`)
	require.NoError(t, err)
	assert.Empty(t, rec.snapshot())
}

// hookedPage runs beforeSubscribe once, ahead of the first subscription,
// and counts live subscriptions.
type hookedPage struct {
	*page.Document
	beforeSubscribe func()
	active          atomic.Int32
}

func (p *hookedPage) Subscribe(fn func(page.Mutation)) func() {
	if hook := p.beforeSubscribe; hook != nil {
		p.beforeSubscribe = nil
		hook()
	}
	unsubscribe := p.Document.Subscribe(fn)
	p.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.active.Add(-1)
			unsubscribe()
		})
	}
}

func TestObserverStopWhileStartingLeavesNoSubscription(t *testing.T) {
	doc, err := page.NewDocument(chatShell, "https://web.whatsapp.com/")
	require.NoError(t, err)
	rec := &recorder{}
	p := &hookedPage{Document: doc}
	obs := New(p, Options{OnMessage: rec.handle})
	p.beforeSubscribe = obs.Stop

	obs.Start(context.Background())
	assert.Zero(t, p.active.Load())

	_, err = doc.Append(`<div data-id="msg-1"><span class="selectable-text">perdida</span></div>`)
	require.NoError(t, err)
	assert.Empty(t, rec.snapshot())
}

func TestObserverRestartWhileStartingKeepsOneSubscription(t *testing.T) {
	doc, err := page.NewDocument(chatShell, "https://web.whatsapp.com/")
	require.NoError(t, err)
	rec := &recorder{}
	p := &hookedPage{Document: doc}
	obs := New(p, Options{OnMessage: rec.handle})
	p.beforeSubscribe = func() {
		obs.Stop()
		obs.Start(context.Background())
	}
	t.Cleanup(obs.Stop)

	obs.Start(context.Background())
	assert.Equal(t, int32(1), p.active.Load())

	_, err = doc.Append(`<div data-id="msg-1"><span class="selectable-text">uma vez</span></div>`)
	require.NoError(t, err)
	require.True(t, obs.WaitIdle(time.Second))
	assert.Len(t, rec.snapshot(), 1)

	obs.Stop()
	assert.Zero(t, p.active.Load())
}

func TestObserverFingerprintWithoutSourceID(t *testing.T) {
	rec := &recorder{}
	doc, obs := startObserver(t, chatShell, rec.handle)

	block := `<div class="copyable-text" data-pre-plain-text="[09:00, 1/3/26] Ana: "><span class="selectable-text">sem id</span></div>`
	_, err := doc.Append(block)
	require.NoError(t, err)
	_, err = doc.Append(block)
	require.NoError(t, err)
	require.True(t, obs.WaitIdle(time.Second))

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Empty(t, events[0].SourceMessageID)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), events[0].TimestampSource)
}
