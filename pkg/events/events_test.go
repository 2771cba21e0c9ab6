package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishFansOutToAllSinks(t *testing.T) {
	b := NewBus()
	a := NewChannelSink(4)
	c := NewChannelSink(4)
	b.Subscribe(a)
	b.Subscribe(c)

	b.Publish(Event{Kind: Submitted, At: time.Now()})

	select {
	case e := <-a.C():
		assert.Equal(t, Submitted, e.Kind)
	default:
		t.Fatal("sink a did not receive event")
	}
	select {
	case e := <-c.C():
		assert.Equal(t, Submitted, e.Kind)
	default:
		t.Fatal("sink c did not receive event")
	}
}

func TestChannelSink_DropsWhenFull(t *testing.T) {
	s := NewChannelSink(1)
	s.Publish(Event{Kind: Submitted})
	s.Publish(Event{Kind: Dequeued})

	assert.Equal(t, uint64(1), s.Dropped())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "dead_lettered", DeadLettered.String())
	assert.Equal(t, "unknown", Kind(999).String())
}
