// Package queue implements the dispatcher's priority-ordered,
// delay-aware work queue: one heap band per model.Priority, strict
// priority across bands and FIFO-within-band, with entries that can be
// scheduled for future eligibility (retry backoff) and expire on a
// wall-clock deadline.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dispatchkit/dispatchkit/internal/clock"
	"github.com/dispatchkit/dispatchkit/pkg/model"
)

// ErrFull is returned by Enqueue when the queue is at capacity.
var ErrFull = errors.New("queue: at capacity")

// ErrClosed is returned by Enqueue/DequeueReady once Close has run.
var ErrClosed = errors.New("queue: closed")

// Stats is a point-in-time snapshot of queue depth for the monitor.
type Stats struct {
	Total    int
	PerBand  [model.BandCount]int
	Deferred int // entries whose NextEligibleAt is still in the future
}

// PriorityQueue is safe for concurrent use by multiple producers and
// consumers.
type PriorityQueue struct {
	clock    clock.Clock
	maxSize  int

	mu     sync.Mutex
	cond   *sync.Cond
	bands  [model.BandCount]band
	seq    uint64
	size   int
	closed bool

	wakeTimer clock.Timer
}

// New builds an empty PriorityQueue bounded at maxSize entries (0 means
// unbounded). The clock is injectable so tests can advance virtual time
// instead of sleeping.
func New(c clock.Clock, maxSize int) *PriorityQueue {
	q := &PriorityQueue{clock: c, maxSize: maxSize}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue admits a new descriptor, assigning it the next sequence
// number for FIFO tie-breaking within its band.
func (q *PriorityQueue) Enqueue(d *model.RequestDescriptor, now time.Time, expiresAt time.Time) (*model.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if q.maxSize > 0 && q.size >= q.maxSize {
		return nil, ErrFull
	}

	q.seq++
	entry := &model.QueueEntry{
		Descriptor:     d,
		Sequence:       q.seq,
		Attempt:        0,
		NextEligibleAt: now,
		ExpiresAt:      expiresAt,
	}
	q.bands[d.Priority].push(entry)
	q.size++
	q.cond.Broadcast()
	return entry, nil
}

// Requeue reinserts an entry already owned by the queue, typically
// after a failed attempt scheduled for a future retry. The caller is
// responsible for bumping Attempt and NextEligibleAt beforehand.
func (q *PriorityQueue) Requeue(e *model.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.bands[e.Descriptor.Priority].push(e)
	q.size++
	q.cond.Broadcast()
	return nil
}

// DequeueReady blocks until an entry is ready (its NextEligibleAt has
// elapsed) in the highest-priority non-empty band, the context is
// canceled, or the queue is closed. It never returns an entry whose
// ExpiresAt has already passed; expired entries are dropped and
// reported via the expired callback so the caller can emit outcomes
// and metrics for them.
func (q *PriorityQueue) DequeueReady(ctx context.Context, onExpired func(*model.QueueEntry)) (*model.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, ErrClosed
		}

		now := q.clock.Now()
		entry, wait, ok := q.popReadyLocked(now, onExpired)
		if ok {
			return entry, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.waitLocked(ctx, wait)
	}
}

// popReadyLocked scans bands in priority order for the first ready
// entry, dropping any expired entries it encounters along the way. It
// returns the minimum wait until the next entry (across all bands)
// becomes ready, for the caller to use as a timer deadline.
func (q *PriorityQueue) popReadyLocked(now time.Time, onExpired func(*model.QueueEntry)) (entry *model.QueueEntry, wait time.Duration, ok bool) {
	wait = -1

	for p := 0; p < model.BandCount; p++ {
		b := &q.bands[p]
		for {
			head := b.peek()
			if head == nil {
				break
			}
			if head.Expired(now) {
				b.pop()
				q.size--
				if onExpired != nil {
					onExpired(head)
				}
				continue
			}
			if head.Ready(now) {
				b.pop()
				q.size--
				return head, 0, true
			}
			d := head.NextEligibleAt.Sub(now)
			if wait < 0 || d < wait {
				wait = d
			}
			break
		}
	}
	return nil, wait, false
}

// waitLocked blocks until Broadcast, the wait duration elapses, or ctx
// is done. It must be called with q.mu held and re-acquires it before
// returning.
func (q *PriorityQueue) waitLocked(ctx context.Context, wait time.Duration) {
	if wait < 0 {
		// Nothing pending anywhere: block on Broadcast only, but still
		// wake on context cancellation.
		done := make(chan struct{})
		go q.signalOnDone(ctx, done)
		q.cond.Wait()
		close(done)
		return
	}

	timer := q.clock.NewTimer(wait)
	done := make(chan struct{})
	go func() {
		select {
		case <-timer.C():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	q.cond.Wait()
	close(done)
	timer.Stop()
}

func (q *PriorityQueue) signalOnDone(ctx context.Context, done chan struct{}) {
	select {
	case <-ctx.Done():
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	case <-done:
	}
}

// PurgeExpired removes every expired entry across all bands without
// dequeuing a ready one, invoking onExpired for each. Intended for a
// periodic janitor tick rather than the hot dequeue path.
func (q *PriorityQueue) PurgeExpired(now time.Time, onExpired func(*model.QueueEntry)) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for p := 0; p < model.BandCount; p++ {
		b := &q.bands[p]
		kept := (*b)[:0]
		for _, e := range *b {
			if e.Expired(now) {
				removed++
				q.size--
				if onExpired != nil {
					onExpired(e)
				}
				continue
			}
			kept = append(kept, e)
		}
		*b = kept
		heapifyBand(b)
	}
	return removed
}

func heapifyBand(b *band) {
	// After filtering in place, re-establish the heap invariant; the
	// slice is small per band relative to container/heap.Init's cost.
	n := len(*b)
	for i := n/2 - 1; i >= 0; i-- {
		siftDown(b, i, n)
	}
}

func siftDown(b *band, i, n int) {
	for {
		l, r, smallest := 2*i+1, 2*i+2, i
		if l < n && (*b)[l].Less((*b)[smallest]) {
			smallest = l
		}
		if r < n && (*b)[r].Less((*b)[smallest]) {
			smallest = r
		}
		if smallest == i {
			return
		}
		(*b)[i], (*b)[smallest] = (*b)[smallest], (*b)[i]
		i = smallest
	}
}

// Stats reports current depth by band.
func (q *PriorityQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var s Stats
	s.Total = q.size
	for p := 0; p < model.BandCount; p++ {
		s.PerBand[p] = len(q.bands[p])
		for _, e := range q.bands[p] {
			if !e.Ready(now) {
				s.Deferred++
			}
		}
	}
	return s
}

// Close unblocks every pending DequeueReady with ErrClosed and rejects
// further Enqueue calls.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
