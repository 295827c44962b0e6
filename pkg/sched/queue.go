package sched

import (
	"container/heap"

	"github.com/mitchellh/hashstructure"

	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/types"
)

// Queue orders schedulable items by priority descending, enqueue time
// ascending. Implementations are not safe for concurrent use; the
// scheduler serializes access.
type Queue interface {
	Enqueue(it *Item)
	Dequeue() *Item
	Front() *Item
	// Extend drains another queue into this one, preserving priority
	// order. The other queue is left empty.
	Extend(other Queue)
	CheckIsQueueEmpty() bool
	Len() int
}

// NewQueue returns the configured implementation: aggregated batches
// identical-shape instance requests, time-sorted keeps every request
// individual.
func NewQueue(aggregate bool) Queue {
	if aggregate {
		return newAggregatedQueue()
	}
	return newTimeSortedQueue()
}

type heapEntry struct {
	item *Item
	seq  uint64
	idx  int
}

type itemHeap []*heapEntry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i].item, h[j].item
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *itemHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timeSortedQueue is the plain implementation: every request is its
// own entry.
type timeSortedQueue struct {
	items itemHeap
	seq   uint64
}

func newTimeSortedQueue() *timeSortedQueue {
	return &timeSortedQueue{}
}

func (q *timeSortedQueue) Enqueue(it *Item) {
	q.seq++
	heap.Push(&q.items, &heapEntry{item: it, seq: q.seq})
}

func (q *timeSortedQueue) Dequeue() *Item {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*heapEntry).item
}

func (q *timeSortedQueue) Front() *Item {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].item
}

func (q *timeSortedQueue) Extend(other Queue) {
	for {
		it := other.Dequeue()
		if it == nil {
			return
		}
		q.Enqueue(it)
	}
}

func (q *timeSortedQueue) CheckIsQueueEmpty() bool {
	return len(q.items) == 0
}

func (q *timeSortedQueue) Len() int {
	n := 0
	for _, e := range q.items {
		if e.item.Aggregated() {
			n += len(e.item.inner)
		} else {
			n++
		}
	}
	return n
}

// aggregatedQueue collapses single-spec instance items with identical
// function, resource shape, priority, and affinity into one wrapper
// carrying a FIFO of the originals. Group gangs and wrappers spliced
// in from another queue keep their identity.
type aggregatedQueue struct {
	ts    *timeSortedQueue
	index map[uint64]*Item
	keys  map[*Item]uint64
}

func newAggregatedQueue() *aggregatedQueue {
	return &aggregatedQueue{
		ts:    newTimeSortedQueue(),
		index: make(map[uint64]*Item),
		keys:  make(map[*Item]uint64),
	}
}

// aggShape is the identity hashed into the aggregation key. Resource
// group membership is part of the shape: quota verdicts must not leak
// across partitions.
type aggShape struct {
	Function      string
	Resources     types.Resources
	Priority      int32
	Affinity      string
	ResourceGroup string
}

func aggregationKey(it *Item) (uint64, bool) {
	if it.Kind != KindInstance || it.Aggregated() || len(it.Specs) != 1 {
		return 0, false
	}
	spec := it.Specs[0]
	// Fail-fast demands never suspend, so batching them behind a
	// suspendable wrapper would strand them.
	if spec.Options.ScheduleTimeoutMs == 0 {
		return 0, false
	}
	key, err := hashstructure.Hash(aggShape{
		Function:      spec.Function,
		Resources:     spec.Resources,
		Priority:      it.Priority,
		Affinity:      it.AffinityKey(),
		ResourceGroup: spec.Options.ResourceGroup,
	}, nil)
	if err != nil {
		logger := log.WithComponent("sched")
		logger.Warn().
			Str("request_id", it.RequestID).
			Err(err).
			Msg("failed to hash aggregation key")
		return 0, false
	}
	return key, true
}

func (q *aggregatedQueue) Enqueue(it *Item) {
	if it.Aggregated() {
		q.spliceWrapper(it)
		return
	}
	key, ok := aggregationKey(it)
	if !ok {
		q.ts.Enqueue(it)
		return
	}
	if agg := q.index[key]; agg != nil {
		agg.inner = append(agg.inner, it)
		return
	}
	wrapper := newAggregate(it)
	q.index[key] = wrapper
	q.keys[wrapper] = key
	q.ts.Enqueue(wrapper)
}

// spliceWrapper merges an incoming wrapper (from Extend or a suspend
// re-enqueue) with a live one of the same shape, or adopts it.
func (q *aggregatedQueue) spliceWrapper(w *Item) {
	if len(w.inner) == 0 {
		return
	}
	key, ok := aggregationKey(w.inner[0])
	if ok {
		if agg := q.index[key]; agg != nil {
			agg.inner = append(agg.inner, w.inner...)
			return
		}
		q.index[key] = w
		q.keys[w] = key
	}
	q.ts.Enqueue(w)
}

func (q *aggregatedQueue) Dequeue() *Item {
	it := q.ts.Dequeue()
	if it == nil {
		return nil
	}
	if key, ok := q.keys[it]; ok {
		delete(q.keys, it)
		delete(q.index, key)
	}
	return it
}

func (q *aggregatedQueue) Front() *Item {
	return q.ts.Front()
}

func (q *aggregatedQueue) Extend(other Queue) {
	for {
		it := other.Dequeue()
		if it == nil {
			return
		}
		q.Enqueue(it)
	}
}

func (q *aggregatedQueue) CheckIsQueueEmpty() bool {
	return q.ts.CheckIsQueueEmpty()
}

func (q *aggregatedQueue) Len() int {
	return q.ts.Len()
}
