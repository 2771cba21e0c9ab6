package queue

import (
	"container/heap"

	"github.com/dispatchkit/dispatchkit/pkg/model"
)

// band is a single priority band's ordering structure: a min-heap over
// (NextEligibleAt, Sequence) implementing container/heap.Interface.
// The PriorityQueue holds one band per model.Priority value.
type band []*model.QueueEntry

func (b band) Len() int { return len(b) }

func (b band) Less(i, j int) bool { return b[i].Less(b[j]) }

func (b band) Swap(i, j int) { b[i], b[j] = b[j], b[i] }

func (b *band) Push(x any) {
	*b = append(*b, x.(*model.QueueEntry))
}

func (b *band) Pop() any {
	old := *b
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*b = old[:n-1]
	return entry
}

func (b *band) push(e *model.QueueEntry) { heap.Push(b, e) }

func (b *band) pop() *model.QueueEntry { return heap.Pop(b).(*model.QueueEntry) }

func (b band) peek() *model.QueueEntry {
	if len(b) == 0 {
		return nil
	}
	return b[0]
}

var _ heap.Interface = (*band)(nil)
