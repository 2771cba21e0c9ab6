package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dispatchkit/dispatchkit/internal/clock"
	"github.com/dispatchkit/dispatchkit/pkg/breaker"
	"github.com/dispatchkit/dispatchkit/pkg/cache"
	"github.com/dispatchkit/dispatchkit/pkg/dlq"
	"github.com/dispatchkit/dispatchkit/pkg/events"
	"github.com/dispatchkit/dispatchkit/pkg/model"
	"github.com/dispatchkit/dispatchkit/pkg/queue"
	"github.com/dispatchkit/dispatchkit/pkg/retry"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls int32
	fn    func(calls int32) model.ResponseRecord
}

func (f *fakeTransport) Send(ctx context.Context, d *model.RequestDescriptor) model.ResponseRecord {
	n := atomic.AddInt32(&f.calls, 1)
	return f.fn(n)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func newHarness(t *testing.T, transport *fakeTransport) (*Dispatcher, *queue.PriorityQueue, clock.Clock, *recordingSink) {
	t.Helper()
	mc := clock.NewReal()
	q := queue.New(mc, 0)
	bus := events.NewBus()
	sink := &recordingSink{}
	bus.Subscribe(sink)

	d := New(Config{
		Workers:   1,
		Queue:     q,
		Cache:     mustCache(t),
		Breakers:  breaker.NewManager(breaker.DefaultConfig(), mc),
		Transport: transport,
		DLQ:       dlq.New(100),
		Bus:       bus,
		Clock:     mc,
		Retry:     retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	})
	return d, q, mc, sink
}

func mustCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(100, time.Minute, nil)
	require.NoError(t, err)
	return c
}

func waitForKind(t *testing.T, sink *recordingSink, kind events.Kind, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, k := range sink.kinds() {
			if k == kind {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("did not observe event kind %s within %s", kind, timeout)
}

func TestDispatcher_SuccessfulAttemptEmitsSucceeded(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ft := &fakeTransport{fn: func(n int32) model.ResponseRecord {
		return model.ResponseRecord{StatusCode: 200, Outcome: model.Success}
	}}
	d, q, mc, sink := newHarness(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	defer func() { cancel(); d.Stop() }()

	desc := model.NewRequestDescriptor(model.MethodGet, "https://example.com/a", mc.Now())
	_, err := q.Enqueue(desc, mc.Now(), mc.Now().Add(time.Hour))
	require.NoError(t, err)

	waitForKind(t, sink, events.Succeeded, time.Second)
}

func TestDispatcher_TransportErrorRetriesThenDeadLetters(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ft := &fakeTransport{fn: func(n int32) model.ResponseRecord {
		return model.ResponseRecord{Outcome: model.TransportError}
	}}
	d, q, mc, sink := newHarness(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	defer func() { cancel(); d.Stop() }()

	desc := model.NewRequestDescriptor(model.MethodGet, "https://example.com/b", mc.Now())
	_, err := q.Enqueue(desc, mc.Now(), mc.Now().Add(time.Hour))
	require.NoError(t, err)

	waitForKind(t, sink, events.DeadLettered, 2*time.Second)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&ft.calls), int32(3))
}

func TestDispatcher_CacheHitSkipsTransport(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ft := &fakeTransport{fn: func(n int32) model.ResponseRecord {
		return model.ResponseRecord{StatusCode: 200, Outcome: model.Success}
	}}
	d, q, mc, sink := newHarness(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	defer func() { cancel(); d.Stop() }()

	desc := model.NewRequestDescriptor(model.MethodGet, "https://example.com/c", mc.Now())
	_, err := q.Enqueue(desc, mc.Now(), mc.Now().Add(time.Hour))
	require.NoError(t, err)
	waitForKind(t, sink, events.Succeeded, time.Second)

	desc2 := model.NewRequestDescriptor(model.MethodGet, "https://example.com/c", mc.Now())
	_, err = q.Enqueue(desc2, mc.Now(), mc.Now().Add(time.Hour))
	require.NoError(t, err)
	waitForKind(t, sink, events.CacheHit, time.Second)

	assert.Equal(t, int32(1), atomic.LoadInt32(&ft.calls))
}

func TestDispatcher_ClientErrorNeverRetries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ft := &fakeTransport{fn: func(n int32) model.ResponseRecord {
		return model.ResponseRecord{StatusCode: 404, Outcome: model.HTTPError}
	}}
	d, q, mc, sink := newHarness(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	defer func() { cancel(); d.Stop() }()

	desc := model.NewRequestDescriptor(model.MethodGet, "https://example.com/d", mc.Now())
	_, err := q.Enqueue(desc, mc.Now(), mc.Now().Add(time.Hour))
	require.NoError(t, err)

	waitForKind(t, sink, events.Failed, time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ft.calls))
}
