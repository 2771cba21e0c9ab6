//go:build property

package queue

import (
	"context"
	"strconv"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/dispatchkit/dispatchkit/internal/clock"
	"github.com/dispatchkit/dispatchkit/pkg/model"
)

// Property-based tests for the priority queue's ordering invariant.
// Run separately: go test -tags=property ./pkg/queue -run TestProperty

// TestPropertyDequeueRespectsPriorityThenSequence draws a random
// sequence of enqueues across random priority bands, all immediately
// eligible, and checks that DequeueReady drains them in strict
// priority order and FIFO order within a band no matter what random
// interleaving of priorities was submitted.
func TestPropertyDequeueRespectsPriorityThenSequence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mc := clock.NewMock(time.Unix(0, 0))
		q := New(mc, 0)
		now := mc.Now()

		n := rapid.IntRange(1, 200).Draw(t, "n")
		priorities := make([]model.Priority, n)
		for i := 0; i < n; i++ {
			p := rapid.IntRange(int(model.Critical), int(model.Low)).Draw(t, "priority_"+strconv.Itoa(i))
			priorities[i] = model.Priority(p)

			d := model.NewRequestDescriptor(model.MethodGet, "https://example.com/x", now)
			d.Priority = priorities[i]
			d.Tags = model.Tags{"idx": strconv.Itoa(i)}
			if _, err := q.Enqueue(d, now, now.Add(time.Hour)); err != nil {
				t.Fatalf("enqueue %d: %v", i, err)
			}
		}

		// bandLastIdx tracks the last sequence index dequeued per band, to
		// assert FIFO-within-band; highestSeenBand tracks the most recent
		// priority dequeued, to assert strict cross-band ordering.
		bandLastIdx := make(map[model.Priority]int)
		highestSeenBand := model.Priority(0)

		ctx := context.Background()
		for i := 0; i < n; i++ {
			e, err := q.DequeueReady(ctx, nil)
			if err != nil {
				t.Fatalf("dequeue %d: %v", i, err)
			}
			p := e.Descriptor.Priority
			if p < highestSeenBand {
				t.Fatalf("dequeued priority %v after already having drained into %v: priority ordering violated", p, highestSeenBand)
			}
			if p > highestSeenBand {
				highestSeenBand = p
			}

			idx, err := strconv.Atoi(e.Descriptor.Tags["idx"])
			if err != nil {
				t.Fatalf("entry missing idx tag: %v", err)
			}
			if last, ok := bandLastIdx[p]; ok && idx < last {
				t.Fatalf("band %v dequeued idx %d after idx %d: FIFO-within-band violated", p, idx, last)
			}
			bandLastIdx[p] = idx
		}
	})
}
