// Package outbox is a persistent job queue with at-least-once delivery.
// Jobs are stored before dispatch, retried with exponential backoff and
// removed only once the remote side accepts them.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/wacopilot/internal/types"
)

// DefaultFlushInterval is how often Start flushes due jobs.
const DefaultFlushInterval = 5 * time.Second

// Stats counts jobs by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

func (s Stats) Total() int {
	return s.Pending + s.Processing + s.Failed
}

// Option configures a Queue.
type Option func(*Queue)

func WithPolicy(p *RetryPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// Queue dispatches stored jobs through a Transport. A single flush runs at
// a time; a flush requested while another is in progress returns at once.
type Queue struct {
	store     types.OutboxStore
	transport Transport
	policy    *RetryPolicy
	now       func() time.Time
	logger    *slog.Logger

	flushing *semaphore.Weighted
	kick     chan struct{}

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewQueue(store types.OutboxStore, transport Transport, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		transport: transport,
		policy:    DefaultRetryPolicy(),
		now:       time.Now,
		logger:    slog.Default(),
		flushing:  semaphore.NewWeighted(1),
		kick:      make(chan struct{}, 1),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "outbox")
	return q
}

// Enqueue stores a new pending job, due immediately. An empty
// idempotencyKey gets a generated one.
func (q *Queue) Enqueue(ctx context.Context, payload types.JobPayload, idempotencyKey string) (*types.OutboxJob, error) {
	raw, err := types.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	if idempotencyKey == "" {
		idempotencyKey = types.NewIdempotencyKey()
	}

	now := q.now().UnixMilli()
	job := &types.OutboxJob{
		ID:             types.NewJobID(),
		Kind:           payload.Kind(),
		Payload:        raw,
		Status:         types.JobStatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
		IdempotencyKey: idempotencyKey,
	}
	if err := q.store.Put(ctx, job.Clone()); err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}

	q.logger.Info("job enqueued", "job_id", string(job.ID), "kind", string(job.Kind))
	q.emit(Event{
		Type:           EventEnqueued,
		JobID:          job.ID,
		Kind:           job.Kind,
		ConversationID: types.PayloadConversation(payload).ConversationID,
		NextAttemptAt:  job.NextAttemptAt,
	})
	q.Kick()
	return job, nil
}

// Start runs a flush loop every interval until Stop. Jobs left processing
// by a previous run are returned to pending first. Calling Start on a
// running queue is a no-op.
func (q *Queue) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	q.mu.Lock()
	if q.cancel != nil {
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(1)
	q.mu.Unlock()

	// RecoverStale emits events, which takes q.mu.
	if _, err := q.RecoverStale(ctx, 0); err != nil {
		q.logger.Error("recover stale jobs", "error", err)
	}
	go q.loop(ctx, interval)
}

// Stop cancels the flush loop and waits for an in-flight flush to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Kick asks a running loop to flush without waiting for the next tick.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.flushLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.kick:
		}
		q.flushLogged(ctx)
	}
}

func (q *Queue) flushLogged(ctx context.Context) {
	if err := q.FlushDueJobs(ctx); err != nil && ctx.Err() == nil {
		q.logger.Error("flush failed", "error", err)
	}
}

// FlushDueJobs dispatches every due pending job, oldest NextAttemptAt
// first, one at a time. It returns immediately if a flush is already running.
func (q *Queue) FlushDueJobs(ctx context.Context) error {
	if !q.flushing.TryAcquire(1) {
		return nil
	}
	defer q.flushing.Release(1)

	jobs, err := q.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	now := q.now()
	due := jobs[:0]
	for _, job := range jobs {
		if job.Due(now) {
			due = append(due, job)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].NextAttemptAt < due[j].NextAttemptAt
	})

	for _, job := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := q.process(ctx, job); err != nil {
			q.logger.Error("job bookkeeping failed", "job_id", string(job.ID), "error", err)
		}
	}
	return nil
}

// process dispatches one job. Store writes after dispatch outlive ctx
// cancellation so a stopped queue never strands a job mid-transition.
func (q *Queue) process(ctx context.Context, job *types.OutboxJob) error {
	bookkeeping := context.WithoutCancel(ctx)

	job.Status = types.JobStatusProcessing
	job.UpdatedAt = q.now().UnixMilli()
	if err := q.store.Update(bookkeeping, job.Clone()); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	remoteID, dispatchErr := q.transport.Dispatch(ctx, job.Clone())
	now := q.now()

	if dispatchErr == nil {
		if err := q.store.Delete(bookkeeping, job.ID); err != nil {
			return fmt.Errorf("delete completed job: %w", err)
		}
		q.logger.Info("job completed", "job_id", string(job.ID), "kind", string(job.Kind), "remote_job_id", remoteID)
		q.emit(Event{
			Type:           EventCompleted,
			JobID:          job.ID,
			Kind:           job.Kind,
			ConversationID: conversationOf(job),
			Attempts:       job.Attempts + 1,
			RemoteJobID:    remoteID,
		})
		return nil
	}

	// Interrupted by Stop: the attempt does not count.
	if ctx.Err() != nil {
		job.Status = types.JobStatusPending
		job.UpdatedAt = now.UnixMilli()
		if err := q.store.Update(bookkeeping, job.Clone()); err != nil {
			return fmt.Errorf("release interrupted job: %w", err)
		}
		q.logger.Info("job interrupted by shutdown", "job_id", string(job.ID), "attempts", job.Attempts)
		return nil
	}

	job.Attempts++
	job.LastError = dispatchErr.Error()
	job.UpdatedAt = now.UnixMilli()

	ev := Event{
		JobID:          job.ID,
		Kind:           job.Kind,
		ConversationID: conversationOf(job),
		Attempts:       job.Attempts,
		Error:          job.LastError,
		Err:            dispatchErr,
	}
	if q.policy.ShouldRetry(dispatchErr, job.Attempts) {
		delay := q.policy.NextDelay(job.Attempts) + q.policy.Jitter()
		job.Status = types.JobStatusPending
		job.NextAttemptAt = now.Add(delay).UnixMilli()
		ev.Type = EventRetryScheduled
		ev.NextAttemptAt = job.NextAttemptAt
		q.logger.Warn("job retry scheduled", "job_id", string(job.ID), "attempts", job.Attempts, "delay", delay, "error", dispatchErr)
	} else {
		job.Status = types.JobStatusFailed
		ev.Type = EventFailed
		q.logger.Error("job failed", "job_id", string(job.ID), "attempts", job.Attempts, "error", dispatchErr)
	}

	if err := q.store.Update(bookkeeping, job.Clone()); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	q.emit(ev)
	return nil
}

// Stats counts stored jobs by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	jobs, err := q.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list jobs: %w", err)
	}
	var s Stats
	for _, job := range jobs {
		switch job.Status {
		case types.JobStatusPending:
			s.Pending++
		case types.JobStatusProcessing:
			s.Processing++
		case types.JobStatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// Jobs returns every stored job, oldest first.
func (q *Queue) Jobs(ctx context.Context) ([]*types.OutboxJob, error) {
	return q.store.List(ctx)
}

// RetryFailedJobs returns every failed job to pending, due now, with a fresh
// attempt budget. It returns how many jobs were reset.
func (q *Queue) RetryFailedJobs(ctx context.Context) (int, error) {
	return q.requeue(ctx, func(job *types.OutboxJob) bool {
		return job.Status == types.JobStatusFailed
	}, true)
}

// RecoverStale returns jobs stuck in processing for longer than olderThan
// to pending. Their attempt counts are kept.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	return q.requeue(ctx, func(job *types.OutboxJob) bool {
		return job.Status == types.JobStatusProcessing && job.UpdatedAt <= cutoff
	}, false)
}

func (q *Queue) requeue(ctx context.Context, match func(*types.OutboxJob) bool, resetAttempts bool) (int, error) {
	jobs, err := q.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	now := q.now().UnixMilli()
	count := 0
	for _, job := range jobs {
		if !match(job) {
			continue
		}
		job.Status = types.JobStatusPending
		job.NextAttemptAt = now
		job.UpdatedAt = now
		if resetAttempts {
			job.Attempts = 0
		}
		if err := q.store.Update(ctx, job); err != nil {
			return count, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		count++
		q.emit(Event{
			Type:           EventRequeued,
			JobID:          job.ID,
			Kind:           job.Kind,
			ConversationID: conversationOf(job),
			Attempts:       job.Attempts,
			NextAttemptAt:  now,
		})
	}
	if count > 0 {
		q.logger.Info("jobs requeued", "count", count)
		q.Kick()
	}
	return count, nil
}

// conversationOf reads the conversation a stored job is about. Undecodable
// payloads yield an empty id.
func conversationOf(job *types.OutboxJob) types.ConversationID {
	payload, err := types.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return ""
	}
	return types.PayloadConversation(payload).ConversationID
}

// Subscribe registers a listener for every subsequent event.
func (q *Queue) Subscribe(l Listener) (unsubscribe func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			delete(q.listeners, id)
		})
	}
}

func (q *Queue) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = q.now()
	}

	q.mu.Lock()
	ids := make([]int, 0, len(q.listeners))
	for id := range q.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, q.listeners[id])
	}
	q.mu.Unlock()

	for _, l := range listeners {
		q.notify(l, ev)
	}
}

func (q *Queue) notify(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue listener panicked", "event", string(ev.Type), "job_id", string(ev.JobID), "panic", r)
		}
	}()
	l(ev)
}
