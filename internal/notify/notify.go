// Package notify turns outbox lifecycle events into human-readable
// notifications and fans them out to the registered notifiers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/user/wacopilot/internal/outbox"
	"github.com/user/wacopilot/pkg/remote"
)

const bufferSize = 256

// Message is one notification.
type Message struct {
	Title string
	Body  string
	Event outbox.Event
}

// Notifier delivers a Message to one destination.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Humanize renders a queue event for people.
func Humanize(ev outbox.Event) Message {
	msg := Message{Event: ev}
	job := shortID(string(ev.JobID))

	switch ev.Type {
	case outbox.EventEnqueued:
		msg.Title = fmt.Sprintf("%s job queued", ev.Kind)
		msg.Body = fmt.Sprintf("Job %s is waiting to be sent.", job)
	case outbox.EventCompleted:
		msg.Title = fmt.Sprintf("%s job sent", ev.Kind)
		msg.Body = fmt.Sprintf("Job %s was accepted by the API", job)
		if ev.RemoteJobID != "" {
			msg.Body += fmt.Sprintf(" as %s", ev.RemoteJobID)
		}
		msg.Body += "."
	case outbox.EventRetryScheduled:
		msg.Title = fmt.Sprintf("%s job will be retried", ev.Kind)
		msg.Body = fmt.Sprintf("Attempt %d of job %s failed. %s", ev.Attempts, job, describe(ev))
	case outbox.EventFailed:
		msg.Title = fmt.Sprintf("%s job failed", ev.Kind)
		msg.Body = fmt.Sprintf("Job %s gave up after %d attempts. %s", job, ev.Attempts, describe(ev))
	case outbox.EventRequeued:
		msg.Title = fmt.Sprintf("%s job requeued", ev.Kind)
		msg.Body = fmt.Sprintf("Job %s is pending again.", job)
	default:
		msg.Title = string(ev.Type)
		msg.Body = fmt.Sprintf("Job %s", job)
	}
	return msg
}

func describe(ev outbox.Event) string {
	err := ev.Err
	if err == nil && ev.Error != "" {
		err = errors.New(ev.Error)
	}
	return remote.Describe(err)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type route struct {
	notifier Notifier
	types    map[outbox.EventType]bool
}

// Registry routes humanized events to named notifiers. Delivery happens on
// a separate goroutine so queue flushes never wait on a slow destination.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]route
	logger *slog.Logger

	ch chan Message
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		routes: make(map[string]route),
		logger: logger.With("component", "notify"),
		ch:     make(chan Message, bufferSize),
	}
}

// Register adds a notifier under name. With no event types it receives
// every event. Registering an existing name replaces it.
func (r *Registry) Register(name string, n Notifier, only ...outbox.EventType) {
	rt := route{notifier: n}
	if len(only) > 0 {
		rt.types = make(map[outbox.EventType]bool, len(only))
		for _, t := range only {
			rt.types[t] = true
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = rt
}

// Names lists registered notifiers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Listener returns an outbox.Listener that queues events for delivery.
// Events are dropped with a warning when the buffer is full.
func (r *Registry) Listener() outbox.Listener {
	return func(ev outbox.Event) {
		select {
		case r.ch <- Humanize(ev):
		default:
			r.logger.Warn("notification dropped", "event", string(ev.Type), "job_id", string(ev.JobID))
		}
	}
}

// Run delivers queued notifications until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.ch:
			r.Deliver(ctx, msg)
		}
	}
}

// Deliver sends msg to every matching notifier and returns the joined errors.
func (r *Registry) Deliver(ctx context.Context, msg Message) error {
	type target struct {
		name     string
		notifier Notifier
	}
	r.mu.RLock()
	var targets []target
	for name, rt := range r.routes {
		if rt.types == nil || rt.types[msg.Event.Type] {
			targets = append(targets, target{name, rt.notifier})
		}
	}
	r.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	var errs []error
	for _, t := range targets {
		if err := t.notifier.Notify(ctx, msg); err != nil {
			r.logger.Warn("notifier failed", "notifier", t.name, "event", string(msg.Event.Type), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
	}
	return errors.Join(errs...)
}
