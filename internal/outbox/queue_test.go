package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/wacopilot/internal/types"
	"github.com/user/wacopilot/pkg/remote"
)

// memStore is an in-memory types.OutboxStore.
type memStore struct {
	mu   sync.Mutex
	jobs map[types.JobID]*types.OutboxJob
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[types.JobID]*types.OutboxJob)}
}

func (m *memStore) Put(_ context.Context, job *types.OutboxJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return errors.New("duplicate job")
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *memStore) Update(_ context.Context, job *types.OutboxJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return types.ErrNotFound
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *memStore) Delete(_ context.Context, id types.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStore) Get(_ context.Context, id types.JobID) (*types.OutboxJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return job.Clone(), nil
}

func (m *memStore) List(_ context.Context) ([]*types.OutboxJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.OutboxJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func summary() types.SummaryPayload {
	return types.SummaryPayload{
		Conversation: types.ConversationRef{TenantID: "t1", ConversationID: "wa:jid:5511@c.us"},
		SummaryType:  "brief",
	}
}

func newTestQueue(t *testing.T, transport Transport, policy *RetryPolicy) (*Queue, *memStore, *fakeClock, *eventLog) {
	t.Helper()
	store := newMemStore()
	clock := &fakeClock{now: time.Date(2026, 2, 5, 8, 0, 0, 0, time.UTC)}
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	policy.MaxJitter = 0
	q := NewQueue(store, transport, WithPolicy(policy), WithClock(clock.Now))
	log := &eventLog{}
	q.Subscribe(log.record)
	return q, store, clock, log
}

func TestQueueSuccessPath(t *testing.T) {
	var keys []string
	transport := TransportFunc(func(_ context.Context, job *types.OutboxJob) (string, error) {
		keys = append(keys, job.IdempotencyKey)
		return "remote-1", nil
	})
	q, store, _, log := newTestQueue(t, transport, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, summary(), "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.NotEmpty(t, job.IdempotencyKey)

	require.NoError(t, q.FlushDueJobs(ctx))

	jobs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, []EventType{EventEnqueued, EventCompleted}, log.types())
	assert.Equal(t, "remote-1", log.events[1].RemoteJobID)
	assert.Equal(t, []string{job.IdempotencyKey}, keys)
}

func TestQueueRetryThenFail(t *testing.T) {
	transport := TransportFunc(func(context.Context, *types.OutboxJob) (string, error) {
		return "", errors.New("boom")
	})
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = 2
	q, store, clock, log := newTestQueue(t, transport, policy)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, summary(), "idem-fixed")
	require.NoError(t, err)

	require.NoError(t, q.FlushDueJobs(ctx))
	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, clock.Now().Add(time.Second).UnixMilli(), got.NextAttemptAt)

	// Not due yet: nothing happens
	require.NoError(t, q.FlushDueJobs(ctx))
	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)

	// Force the next attempt into the past
	got.NextAttemptAt = clock.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, store.Update(ctx, got))

	require.NoError(t, q.FlushDueJobs(ctx))
	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "idem-fixed", got.IdempotencyKey)

	n, err := q.RetryFailedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Zero(t, got.Attempts)

	n, err = q.RetryFailedJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left in failed")

	assert.Equal(t, []EventType{EventEnqueued, EventRetryScheduled, EventFailed, EventRequeued}, log.types())
}

func TestQueueNonRetryableFailsImmediately(t *testing.T) {
	transport := TransportFunc(func(context.Context, *types.OutboxJob) (string, error) {
		return "", &remote.Error{Status: 400, Body: "bad"}
	})
	q, store, _, log := newTestQueue(t, transport, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, summary(), "")
	require.NoError(t, err)
	require.NoError(t, q.FlushDueJobs(ctx))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)

	last := log.events[len(log.events)-1]
	assert.Equal(t, EventFailed, last.Type)
	var apiErr *remote.Error
	assert.True(t, errors.As(last.Err, &apiErr))
}

func TestQueueProcessesDueJobsInOrder(t *testing.T) {
	var order []types.JobID
	transport := TransportFunc(func(_ context.Context, job *types.OutboxJob) (string, error) {
		order = append(order, job.ID)
		return "", nil
	})
	q, store, clock, _ := newTestQueue(t, transport, nil)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, summary(), "")
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, summary(), "")
	require.NoError(t, err)
	later, err := q.Enqueue(ctx, summary(), "")
	require.NoError(t, err)

	// Reorder: second becomes oldest due, later is not yet due
	for id, at := range map[types.JobID]int64{
		first.ID:  clock.Now().Add(-time.Second).UnixMilli(),
		second.ID: clock.Now().Add(-time.Minute).UnixMilli(),
		later.ID:  clock.Now().Add(time.Hour).UnixMilli(),
	} {
		job, err := store.Get(ctx, id)
		require.NoError(t, err)
		job.NextAttemptAt = at
		require.NoError(t, store.Update(ctx, job))
	}

	require.NoError(t, q.FlushDueJobs(ctx))
	assert.Equal(t, []types.JobID{second.ID, first.ID}, order)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestQueueFlushIsNotReentrant(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	transport := TransportFunc(func(context.Context, *types.OutboxJob) (string, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return "", nil
	})
	q, _, _, _ := newTestQueue(t, transport, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, summary(), "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- q.FlushDueJobs(ctx) }()
	<-entered

	// A concurrent flush returns immediately without dispatching
	require.NoError(t, q.FlushDueJobs(ctx))
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueueListenerPanicDoesNotStopDelivery(t *testing.T) {
	transport := TransportFunc(func(context.Context, *types.OutboxJob) (string, error) { return "", nil })
	q, _, _, log := newTestQueue(t, transport, nil)
	unsubscribe := q.Subscribe(func(Event) { panic("listener exploded") })
	ctx := context.Background()

	_, err := q.Enqueue(ctx, summary(), "")
	require.NoError(t, err)
	require.NoError(t, q.FlushDueJobs(ctx))
	assert.Equal(t, []EventType{EventEnqueued, EventCompleted}, log.types())

	unsubscribe()
	unsubscribe()
}

func TestQueueRecoverStale(t *testing.T) {
	q, store, clock, _ := newTestQueue(t, TransportFunc(func(context.Context, *types.OutboxJob) (string, error) { return "", nil }), nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, summary(), "")
	require.NoError(t, err)
	stuck, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	stuck.Status = types.JobStatusProcessing
	stuck.Attempts = 2
	require.NoError(t, store.Update(ctx, stuck))

	n, err := q.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "recently updated jobs are not stale")

	clock.Advance(11 * time.Minute)
	n, err = q.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestQueueStartStop(t *testing.T) {
	var calls atomic.Int32
	transport := TransportFunc(func(context.Context, *types.OutboxJob) (string, error) {
		calls.Add(1)
		return "r", nil
	})
	q, store, _, _ := newTestQueue(t, transport, nil)
	ctx := context.Background()

	q.Start(ctx, time.Hour)
	q.Start(ctx, time.Hour)
	defer q.Stop()

	_, err := q.Enqueue(ctx, summary(), "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		jobs, _ := store.List(ctx)
		return len(jobs) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	q.Stop()
	q.Stop()
}

func TestQueueStopDuringDispatchDoesNotSpendAttempt(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	transport := TransportFunc(func(ctx context.Context, _ *types.OutboxJob) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	})
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = 1
	q, store, _, log := newTestQueue(t, transport, policy)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, summary(), "")
	require.NoError(t, err)

	q.Start(ctx, time.Hour)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		q.Stop()
		t.Fatal("dispatch never started")
	}
	q.Stop()

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.LastError)
	assert.Equal(t, job.NextAttemptAt, got.NextAttemptAt)
	assert.Equal(t, []EventType{EventEnqueued}, log.types())
}

// syncedConversations records MarkSynced calls; other methods are unused.
type syncedConversations struct {
	types.ConversationStore

	mu     sync.Mutex
	synced map[types.ConversationID]time.Time
}

func (s *syncedConversations) MarkSynced(_ context.Context, id types.ConversationID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "wa:missing" {
		return types.ErrNotFound
	}
	s.synced[id] = at
	return nil
}

func TestSyncRecorderMarksCompletedConversations(t *testing.T) {
	fail := false
	transport := TransportFunc(func(context.Context, *types.OutboxJob) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return "remote-1", nil
	})
	q, _, clock, log := newTestQueue(t, transport, nil)
	conversations := &syncedConversations{synced: make(map[types.ConversationID]time.Time)}
	q.Subscribe(SyncRecorder(conversations, nil))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, summary(), "")
	require.NoError(t, err)
	require.NoError(t, q.FlushDueJobs(ctx))

	assert.Equal(t, map[types.ConversationID]time.Time{"wa:jid:5511@c.us": clock.Now()}, conversations.synced)
	require.Len(t, log.events, 2)
	assert.Equal(t, types.ConversationID("wa:jid:5511@c.us"), log.events[1].ConversationID)

	// Failed dispatches and unknown conversations leave the store alone.
	fail = true
	_, err = q.Enqueue(ctx, types.ReportPayload{
		Conversation: types.ConversationRef{ConversationID: "wa:title:vendas"},
		ReportType:   "weekly",
	}, "")
	require.NoError(t, err)
	require.NoError(t, q.FlushDueJobs(ctx))
	assert.NotContains(t, conversations.synced, types.ConversationID("wa:title:vendas"))

	fail = false
	_, err = q.Enqueue(ctx, types.SummaryPayload{
		Conversation: types.ConversationRef{ConversationID: "wa:missing"},
	}, "")
	require.NoError(t, err)
	assert.NotPanics(t, func() { require.NoError(t, q.FlushDueJobs(ctx)) })
	assert.Len(t, conversations.synced, 1)
}

type fakeJobClient struct {
	summaries []remote.SummaryRequest
	reports   []remote.ReportRequest
	keys      []string
}

func (f *fakeJobClient) EnqueueSummary(_ context.Context, req remote.SummaryRequest, key string) (*remote.JobAccepted, error) {
	f.summaries = append(f.summaries, req)
	f.keys = append(f.keys, key)
	return &remote.JobAccepted{JobID: "sum-1", Status: remote.JobPending}, nil
}

func (f *fakeJobClient) EnqueueReport(_ context.Context, req remote.ReportRequest, key string) (*remote.JobAccepted, error) {
	f.reports = append(f.reports, req)
	f.keys = append(f.keys, key)
	return &remote.JobAccepted{JobID: "rep-1", Status: remote.JobPending}, nil
}

func TestRemoteTransport(t *testing.T) {
	client := &fakeJobClient{}
	transport := NewRemoteTransport(client)
	ctx := context.Background()

	raw, err := types.EncodePayload(types.ReportPayload{
		Conversation: types.ConversationRef{ConversationID: "wa:title:x"},
		ReportType:   "weekly",
		Topic:        "vendas",
		PageSize:     20,
	})
	require.NoError(t, err)

	id, err := transport.Dispatch(ctx, &types.OutboxJob{Kind: types.JobKindReport, Payload: raw, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, "rep-1", id)
	require.Len(t, client.reports, 1)
	assert.Equal(t, "wa:title:x", client.reports[0].Conversation.ConversationID)
	assert.Equal(t, "vendas", client.reports[0].Topic)
	assert.Equal(t, []string{"k1"}, client.keys)

	_, err = transport.Dispatch(ctx, &types.OutboxJob{Kind: "bogus", Payload: raw})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}
