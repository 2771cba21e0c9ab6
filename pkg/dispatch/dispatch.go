// Package dispatch implements the worker pool that drains the
// priority queue and drives each request through caching, rate
// limiting, circuit breaking, transport, and retry scheduling.
package dispatch

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/internal/clock"
	"github.com/dispatchkit/dispatchkit/pkg/breaker"
	"github.com/dispatchkit/dispatchkit/pkg/cache"
	"github.com/dispatchkit/dispatchkit/pkg/dlq"
	"github.com/dispatchkit/dispatchkit/pkg/events"
	"github.com/dispatchkit/dispatchkit/pkg/model"
	"github.com/dispatchkit/dispatchkit/pkg/queue"
	"github.com/dispatchkit/dispatchkit/pkg/ratelimit"
	"github.com/dispatchkit/dispatchkit/pkg/retry"
	"github.com/dispatchkit/dispatchkit/pkg/transport"
)

// Dispatcher owns a fixed pool of workers, each running the same
// dequeue-attempt-resolve loop against shared collaborators. No two
// workers ever hold the same QueueEntry at once: DequeueReady hands
// each entry to exactly one goroutine.
type Dispatcher struct {
	queue     *queue.PriorityQueue
	cache     *cache.Cache // nil disables caching
	limiter   *ratelimit.Limiter
	breakers  *breaker.Manager
	transport transport.Transport
	dlq       *dlq.Queue
	bus       *events.Bus
	clock     clock.Clock
	retry     retry.Policy
	logger    *zap.Logger

	workers int
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	canceledMu sync.Mutex
	canceled   map[uuid.UUID]struct{}
}

// Config bundles the collaborators and tuning a Dispatcher needs.
type Config struct {
	Workers   int
	Queue     *queue.PriorityQueue
	Cache     *cache.Cache
	Limiter   *ratelimit.Limiter
	Breakers  *breaker.Manager
	Transport transport.Transport
	DLQ       *dlq.Queue
	Bus       *events.Bus
	Clock     clock.Clock
	Retry     retry.Policy
	Logger    *zap.Logger
}

// New builds a Dispatcher. It does not start workers; call Start.
func New(cfg Config) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     cfg.Queue,
		cache:     cfg.Cache,
		limiter:   cfg.Limiter,
		breakers:  cfg.Breakers,
		transport: cfg.Transport,
		dlq:       cfg.DLQ,
		bus:       cfg.Bus,
		clock:     cfg.Clock,
		retry:     cfg.Retry,
		logger:    cfg.Logger,
		workers:   cfg.Workers,
		rng:       rand.New(rand.NewSource(1)),
		canceled:  make(map[uuid.UUID]struct{}),
	}
}

// Cancel marks a request ID so that if it is still queued (or is
// dequeued before the cancellation is noticed elsewhere), the next
// worker to see it resolves it as CANCELED instead of attempting
// dispatch. Already in-flight transport calls are not interrupted.
func (d *Dispatcher) Cancel(id uuid.UUID) {
	d.canceledMu.Lock()
	defer d.canceledMu.Unlock()
	d.canceled[id] = struct{}{}
}

func (d *Dispatcher) isCanceled(id uuid.UUID) bool {
	d.canceledMu.Lock()
	defer d.canceledMu.Unlock()
	_, ok := d.canceled[id]
	return ok
}

func (d *Dispatcher) clearCanceled(id uuid.UUID) {
	d.canceledMu.Lock()
	defer d.canceledMu.Unlock()
	delete(d.canceled, id)
}

// Start launches the worker pool. Calling Start twice is a no-op
// until Stop has returned.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx)
	}
}

// Stop signals every worker to exit and blocks until they have.
// In-flight attempts are allowed to finish; nothing is interrupted
// mid-transport.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.cancel = nil
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		entry, err := d.queue.DequeueReady(ctx, d.handleExpired)
		if err != nil {
			return
		}
		now := d.clock.Now()
		d.bus.Publish(events.Event{
			Kind:      events.Dequeued,
			At:        now,
			RequestID: entry.Descriptor.ID.String(),
			Priority:  entry.Descriptor.Priority,
			Duration:  now.Sub(entry.Descriptor.SubmittedAt),
		})
		d.processRecovering(ctx, entry)
	}
}

func (d *Dispatcher) handleExpired(e *model.QueueEntry) {
	d.bus.Publish(events.Event{
		Kind:      events.Failed,
		At:        d.clock.Now(),
		RequestID: e.Descriptor.ID.String(),
		Priority:  e.Descriptor.Priority,
		Outcome:   model.Expired,
		Attempt:   e.Attempt,
	})

	if d.dlq != nil {
		d.dlq.Push(dlq.Record{
			Descriptor:   e.Descriptor,
			FinalOutcome: model.Expired,
			Attempts:     e.Attempt,
			DeadAt:       d.clock.Now(),
		})
		d.bus.Publish(events.Event{Kind: events.DeadLettered, At: d.clock.Now(), RequestID: e.Descriptor.ID.String(), Priority: e.Descriptor.Priority, Outcome: model.Expired})
	}
}

// processRecovering guards a single worker's process call so a panic
// in a Transport implementation or an event Sink kills neither the
// worker goroutine nor the whole pool; the entry that triggered it is
// dead-lettered as TRANSPORT_ERROR instead.
func (d *Dispatcher) processRecovering(ctx context.Context, entry *model.QueueEntry) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch: recovered panic processing request",
				zap.String("request_id", entry.Descriptor.ID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			d.finalize(entry, model.ResponseRecord{Outcome: model.TransportError, Attempts: entry.Attempt})
		}
	}()
	d.process(ctx, entry)
}

// process drives one dequeued entry through cache, rate limit, breaker
// and transport, then schedules a retry or finalizes it. A cache hit
// short-circuits straight to finalize; a miss runs the full attempt
// exactly once even under concurrent requests for the same key, via
// the cache's single-flight coalescing.
func (d *Dispatcher) process(ctx context.Context, entry *model.QueueEntry) {
	desc := entry.Descriptor
	entry.Attempt++

	if d.isCanceled(desc.ID) {
		d.clearCanceled(desc.ID)
		d.finalize(entry, model.ResponseRecord{Outcome: model.Canceled, Attempts: entry.Attempt})
		return
	}

	if d.cache != nil && !desc.CacheDisabled {
		key := model.CacheKey(desc)
		record, hit, _ := d.cache.GetOrLoad(key, func() (model.ResponseRecord, error) {
			return d.attempt(ctx, entry), nil
		})
		if hit {
			record.CacheHit = true
			d.bus.Publish(events.Event{Kind: events.CacheHit, At: d.clock.Now(), RequestID: desc.ID.String(), Priority: desc.Priority})
			d.finalize(entry, record)
			return
		}
		d.bus.Publish(events.Event{Kind: events.CacheMiss, At: d.clock.Now(), RequestID: desc.ID.String(), Priority: desc.Priority})
		d.afterAttempt(entry, record)
		return
	}

	d.afterAttempt(entry, d.attempt(ctx, entry))
}

// attempt runs the breaker-guarded, rate-limited transport call for a
// single try. Its return is either a terminal ResponseRecord already
// classified for caching purposes, or a retryable-outcome record for
// afterAttempt to schedule.
func (d *Dispatcher) attempt(ctx context.Context, entry *model.QueueEntry) model.ResponseRecord {
	desc := entry.Descriptor

	origin, err := model.OriginOf(desc.URL)
	var done func(bool)
	if err == nil && d.breakers != nil {
		br := d.breakers.GetOrCreate(origin)
		done, err = br.Allow()
		if err != nil {
			d.bus.Publish(events.Event{Kind: events.BreakerRejected, At: d.clock.Now(), RequestID: desc.ID.String(), Priority: desc.Priority})
			return model.ResponseRecord{Outcome: model.CircuitOpen, Attempts: entry.Attempt}
		}
	}

	if d.limiter != nil {
		if waitErr := d.limiter.Wait(ctx); waitErr != nil {
			if done != nil {
				done(false)
			}
			return model.ResponseRecord{Outcome: model.Canceled, Attempts: entry.Attempt}
		}
	}

	d.bus.Publish(events.Event{Kind: events.Attempted, At: d.clock.Now(), RequestID: desc.ID.String(), Priority: desc.Priority, Attempt: entry.Attempt})
	// The attempt is detached from the worker's cancellation so Stop
	// lets it finish; the descriptor's own Timeout still bounds it.
	record := d.transport.Send(context.WithoutCancel(ctx), desc)
	record.Attempts = entry.Attempt

	if done != nil {
		done(!record.Outcome.IsBreakerFailure(record.StatusCode))
	}
	return record
}

// afterAttempt finalizes a non-retryable outcome immediately, or
// schedules a retry for everything else.
func (d *Dispatcher) afterAttempt(entry *model.QueueEntry, record model.ResponseRecord) {
	if record.Outcome == model.HTTPError && !retryableStatus(record.StatusCode) {
		d.finalize(entry, record)
		return
	}

	retryAfter := transport.ParseRetryAfter(record.Headers, d.clock.Now())
	d.scheduleRetryOrFinalize(entry, record, retryAfter)
}

// retryableStatus reports whether an HTTP status code should be
// retried: every 5xx. 4xx is a client-side defect that retrying cannot
// fix; 429 is classified model.RateLimited rather than model.HTTPError
// and is handled by its own (always-retryable) outcome branch.
func retryableStatus(status int) bool {
	return status >= 500
}

func (d *Dispatcher) scheduleRetryOrFinalize(entry *model.QueueEntry, record model.ResponseRecord, retryAfter time.Duration) {
	policy := d.retry.Resolve(entry.Descriptor.Retry)

	d.rngMu.Lock()
	decision := policy.ShouldRetry(record.Outcome, entry.Attempt, retryAfter, d.rng)
	d.rngMu.Unlock()

	if !decision.Retry {
		d.finalize(entry, record)
		return
	}

	entry.NextEligibleAt = d.clock.Now().Add(decision.Delay)
	d.bus.Publish(events.Event{
		Kind:      events.RetryScheduled,
		At:        d.clock.Now(),
		RequestID: entry.Descriptor.ID.String(),
		Priority:  entry.Descriptor.Priority,
		Attempt:   entry.Attempt,
		Delay:     decision.Delay,
	})
	if err := d.queue.Requeue(entry); err != nil {
		d.logger.Warn("dispatch: requeue after scheduled retry failed", zap.String("request_id", entry.Descriptor.ID.String()), zap.Error(err))
		d.finalize(entry, record)
	}
}

func (d *Dispatcher) finalize(entry *model.QueueEntry, record model.ResponseRecord) {
	kind := events.Succeeded
	if record.Outcome != model.Success {
		kind = events.Failed
	}
	d.bus.Publish(events.Event{
		Kind:      kind,
		At:        d.clock.Now(),
		RequestID: entry.Descriptor.ID.String(),
		Priority:  entry.Descriptor.Priority,
		Outcome:   record.Outcome,
		Attempt:   entry.Attempt,
		Duration:  time.Duration(record.WallTime),
	})

	if record.Outcome != model.Success && d.dlq != nil {
		d.dlq.Push(dlq.Record{
			Descriptor:   entry.Descriptor,
			FinalOutcome: record.Outcome,
			Attempts:     entry.Attempt,
			DeadAt:       d.clock.Now(),
		})
		d.bus.Publish(events.Event{Kind: events.DeadLettered, At: d.clock.Now(), RequestID: entry.Descriptor.ID.String(), Priority: entry.Descriptor.Priority, Outcome: record.Outcome})
	}
}
