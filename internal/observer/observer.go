// Package observer watches a page.Document for chat message elements and
// turns each newly seen message into a normalized types.MessageEvent.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/user/wacopilot/internal/normalize"
	"github.com/user/wacopilot/internal/page"
	"github.com/user/wacopilot/internal/types"
)

// DefaultSeenCapacity bounds the number of fingerprints remembered for
// deduplication.
const DefaultSeenCapacity = 6000

const deliveryBuffer = 1024

// Page is the part of page.Document the observer needs.
type Page interface {
	View(fn func(root *html.Node, url string))
	Subscribe(fn func(page.Mutation)) (unsubscribe func())
}

// Handler receives each new message. Handlers run one at a time on the
// observer's delivery goroutine, in capture order.
type Handler func(ctx context.Context, event *types.MessageEvent) error

type Options struct {
	TenantID     string
	OnMessage    Handler
	Logger       *slog.Logger
	Location     *time.Location
	SeenCapacity int
	Now          func() time.Time
}

type Observer struct {
	page   Page
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	started     bool
	unsubscribe func()
	resolver    *Resolver
	seen        *seenSet
	sequences   map[types.ConversationID]int64

	lane    chan *types.MessageEvent
	pending atomic.Int64
	wg      sync.WaitGroup
}

func New(p Page, opts Options) *Observer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Observer{
		page:      p,
		opts:      opts,
		logger:    opts.Logger.With("component", "observer"),
		resolver:  NewResolver(),
		seen:      newSeenSet(opts.SeenCapacity),
		sequences: make(map[types.ConversationID]int64),
	}
}

// Start subscribes to page mutations and scans the current page. Calling
// Start on a running observer is a no-op.
func (o *Observer) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	lane := make(chan *types.MessageEvent, deliveryBuffer)
	o.lane = lane
	o.wg.Add(1)
	go o.deliver(ctx, lane)
	o.mu.Unlock()

	// Page callbacks take the document lock before ours, so subscribe
	// without holding o.mu.
	unsubscribe := o.page.Subscribe(o.handleMutation)

	o.mu.Lock()
	if !o.started || o.lane != lane {
		// Stopped (and maybe restarted) while subscribing.
		o.mu.Unlock()
		unsubscribe()
		return
	}
	o.unsubscribe = unsubscribe
	o.mu.Unlock()

	o.RefreshSnapshot()
	o.logger.Info("observer started", "tenant", o.opts.TenantID)
}

// Stop detaches from the page and waits for queued callbacks to finish.
func (o *Observer) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	close(o.lane)
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	o.wg.Wait()
	o.logger.Info("observer stopped")
}

// RefreshSnapshot re-scans the whole page. Already seen messages are not
// reported again.
func (o *Observer) RefreshSnapshot() {
	o.page.View(func(root *html.Node, url string) {
		o.mu.Lock()
		defer o.mu.Unlock()
		if !o.started {
			return
		}
		conv := o.resolver.Resolve(root, url)
		o.processAll(conv, headerTitle(root), candidatesIn(root))
	})
}

// ConversationID returns the conversation the observer last resolved.
func (o *Observer) ConversationID() types.ConversationID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolver.Current()
}

// WaitIdle blocks until every queued callback has returned, or the timeout
// expires. Returns true if idle, false if timed out.
func (o *Observer) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if o.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (o *Observer) handleMutation(m page.Mutation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return
	}
	conv := o.resolver.Resolve(m.Root, m.URL)

	var nodes []*html.Node
	for _, added := range m.Added {
		nodes = append(nodes, candidatesIn(added)...)
	}
	o.processAll(conv, headerTitle(m.Root), nodes)
}

// processAll must be called with o.mu held.
func (o *Observer) processAll(conv types.ConversationID, title string, nodes []*html.Node) {
	visited := make(map[*html.Node]struct{}, len(nodes))
	for _, n := range nodes {
		if _, ok := visited[n]; ok {
			continue
		}
		visited[n] = struct{}{}
		if err := o.process(conv, title, n); err != nil {
			o.logger.Warn("message extraction failed", "conversation", string(conv), "error", err)
		}
	}
}

func (o *Observer) process(conv types.ConversationID, title string, n *html.Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if conv == types.UnknownConversation {
		return nil
	}
	ex := extract(n, o.opts.Location)
	text := normalize.NormalizeText(ex.Text)
	if text == "" {
		return nil
	}
	if !o.seen.Add(localFingerprint(conv, ex, text)) {
		return nil
	}

	o.sequences[conv]++
	event := normalize.NewMessageEvent(normalize.Input{
		TenantID:          o.opts.TenantID,
		ConversationID:    conv,
		ConversationTitle: title,
		SourceMessageID:   ex.SourceID,
		AuthorRole:        ex.Role,
		AuthorName:        ex.Author,
		Text:              ex.Text,
		Timestamp:         ex.Timestamp,
		Sequence:          o.sequences[conv],
		Now:               o.opts.Now(),
	})

	o.pending.Add(1)
	o.lane <- event
	return nil
}

func localFingerprint(conv types.ConversationID, ex extraction, normalized string) string {
	if ex.SourceID != "" {
		return string(conv) + "|src:" + ex.SourceID
	}
	ts := "-"
	if !ex.Timestamp.IsZero() {
		ts = normalize.FormatISO(ex.Timestamp)
	}
	return strings.Join([]string{string(conv), string(ex.Role), ts, normalized}, "|")
}

// deliver drains the lane, invoking the handler sequentially. A failing or
// panicking handler is logged and does not stop delivery.
func (o *Observer) deliver(ctx context.Context, lane chan *types.MessageEvent) {
	defer o.wg.Done()
	for event := range lane {
		o.invoke(ctx, event)
		o.pending.Add(-1)
	}
}

func (o *Observer) invoke(ctx context.Context, event *types.MessageEvent) {
	if o.opts.OnMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("message handler panicked", "event_id", string(event.EventID), "panic", r)
		}
	}()
	if err := o.opts.OnMessage(ctx, event); err != nil {
		o.logger.Error("message handler failed", "event_id", string(event.EventID), "conversation", string(event.ConversationID), "error", err)
	}
}
