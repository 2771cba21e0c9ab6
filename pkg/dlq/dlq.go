// Package dlq holds requests the dispatcher has given up on: those
// whose retry budget was exhausted or whose TTL expired before they
// could be served. It is a bounded FIFO that drops its oldest entry
// to make room for a new one, rather than rejecting the new one.
package dlq

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dispatchkit/dispatchkit/pkg/model"
)

// Record is one dead-lettered descriptor and why it landed here.
type Record struct {
	Descriptor  *model.RequestDescriptor
	FinalOutcome model.OutcomeKind
	Attempts    int
	DeadAt      time.Time
}

// Queue is a bounded, oldest-drop FIFO. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	records []Record
	max     int
	dropped uint64
}

// New builds a Queue holding at most max records (0 means unbounded,
// which the spec discourages outside of tests).
func New(max int) *Queue {
	return &Queue{max: max}
}

// Push appends r, evicting the oldest record first if at capacity.
func (q *Queue) Push(r Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.max > 0 && len(q.records) >= q.max {
		q.records = q.records[1:]
		q.dropped++
	}
	q.records = append(q.records, r)
}

// List returns a copy of every record currently held, oldest first.
func (q *Queue) List() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, len(q.records))
	copy(out, q.records)
	return out
}

// Len reports the current number of held records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Dropped reports how many records have been evicted for capacity
// since the queue was created.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Drain removes and returns every record, clearing the queue.
func (q *Queue) Drain() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.records
	q.records = nil
	return out
}

// Snapshot serializes every held record as JSON, oldest first. Unlike
// the priority queue's binary wire format, DLQ retention is an
// optional, operator-enabled convenience rather than a protocol this
// core must interoperate on, so JSON is used instead of inventing a
// second binary layout.
func (q *Queue) Snapshot() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return json.Marshal(q.records)
}

// Restore replaces the queue's contents with the records encoded in
// data, respecting the queue's max size by keeping only the newest
// entries if data holds more than max.
func (q *Queue) Restore(data []byte) error {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max > 0 && len(records) > q.max {
		records = records[len(records)-q.max:]
	}
	q.records = records
	return nil
}
