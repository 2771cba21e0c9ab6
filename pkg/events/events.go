// Package events publishes a typed stream of lifecycle notifications
// for every descriptor the dispatcher handles, so external observers
// (the monitor, operator tooling, audit logs) can subscribe without
// coupling to the dispatch internals.
package events

import (
	"sync"
	"time"

	"github.com/dispatchkit/dispatchkit/pkg/model"
)

// Kind enumerates the lifecycle events a descriptor can emit.
type Kind int

const (
	Submitted Kind = iota
	Dequeued
	CacheHit
	CacheMiss
	BreakerRejected
	Attempted
	Succeeded
	Failed
	RetryScheduled
	DeadLettered
	AlertFiring
	AlertResolved
)

func (k Kind) String() string {
	switch k {
	case Submitted:
		return "submitted"
	case Dequeued:
		return "dequeued"
	case CacheHit:
		return "cache_hit"
	case CacheMiss:
		return "cache_miss"
	case BreakerRejected:
		return "breaker_rejected"
	case Attempted:
		return "attempted"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case RetryScheduled:
		return "retry_scheduled"
	case DeadLettered:
		return "dead_lettered"
	case AlertFiring:
		return "alert_firing"
	case AlertResolved:
		return "alert_resolved"
	default:
		return "unknown"
	}
}

// Event is one notification in the stream.
type Event struct {
	Kind      Kind
	At        time.Time
	RequestID string
	Priority  model.Priority
	Outcome   model.OutcomeKind
	Attempt   int
	Delay     time.Duration
	// Duration is context-dependent on Kind: the completed attempt's
	// wall time for Succeeded/Failed, or the time spent queued before
	// dequeue for Dequeued. Zero means not measured.
	Duration  time.Duration
	AlertName string
	Detail    string
}

// Sink receives published events. Bus.Publish calls every sink
// synchronously, so implementations must not block; ChannelSink drops
// an event when its channel is full rather than stall the dispatcher.
type Sink interface {
	Publish(Event)
}

// Bus fans a single event out to every subscribed Sink.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewBus builds an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a Sink to receive every future event.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish fans e out to every subscribed Sink.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		s.Publish(e)
	}
}

// ChannelSink is a Sink backed by a bounded buffered channel; events
// published while the buffer is full are dropped and counted rather
// than blocking the publisher.
type ChannelSink struct {
	ch      chan Event
	dropped uint64
	mu      sync.Mutex
}

// NewChannelSink builds a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Publish implements Sink.
func (c *ChannelSink) Publish(e Event) {
	select {
	case c.ch <- e:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// C returns the channel events arrive on.
func (c *ChannelSink) C() <-chan Event {
	return c.ch
}

// Dropped reports how many events this sink has discarded for backpressure.
func (c *ChannelSink) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
