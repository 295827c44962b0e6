package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-sh/skein/pkg/types"
)

func queueItem(id string, prio int32, timeoutMs int64) *Item {
	return NewItem(KindInstance, "req-"+id, "", []*Spec{
		demand(id, 10, 10, types.ScheduleOptions{Priority: prio, ScheduleTimeoutMs: timeoutMs}),
	})
}

// TestQueuePriorityOrder dequeues strictly by priority descending.
func TestQueuePriorityOrder(t *testing.T) {
	q := NewQueue(false)
	q.Enqueue(queueItem("lo", 1, 0))
	q.Enqueue(queueItem("hi", 9, 0))
	q.Enqueue(queueItem("mid", 5, 0))

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, "req-hi", q.Front().RequestID)
	assert.Equal(t, "req-hi", q.Dequeue().RequestID)
	assert.Equal(t, "req-mid", q.Dequeue().RequestID)
	assert.Equal(t, "req-lo", q.Dequeue().RequestID)
	assert.Nil(t, q.Dequeue())
	assert.True(t, q.CheckIsQueueEmpty())
}

// TestQueueFIFOWithinPriority keeps arrival order between equal
// priorities.
func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewQueue(false)
	a := queueItem("a", 3, 0)
	b := queueItem("b", 3, 0)
	b.EnqueuedAt = a.EnqueuedAt.Add(time.Millisecond)
	q.Enqueue(a)
	q.Enqueue(b)

	assert.Equal(t, "req-a", q.Dequeue().RequestID)
	assert.Equal(t, "req-b", q.Dequeue().RequestID)
}

// TestQueueAggregationMerges batches identical-shape demands into one
// wrapper and keeps differing shapes separate.
func TestQueueAggregationMerges(t *testing.T) {
	q := NewQueue(true)
	q.Enqueue(queueItem("a", 3, 1000))
	q.Enqueue(queueItem("b", 3, 1000))
	other := NewItem(KindInstance, "req-c", "", []*Spec{
		demand("c", 20, 20, types.ScheduleOptions{Priority: 3, ScheduleTimeoutMs: 1000}),
	})
	q.Enqueue(other)

	assert.Equal(t, 3, q.Len())

	first := q.Dequeue()
	require.NotNil(t, first)
	require.True(t, first.Aggregated())
	require.Len(t, first.Inner(), 2)
	assert.Equal(t, "req-a", first.Inner()[0].RequestID)
	assert.Equal(t, "req-b", first.Inner()[1].RequestID)

	second := q.Dequeue()
	require.NotNil(t, second)
	assert.False(t, second.Aggregated())
	assert.Equal(t, "req-c", second.RequestID)
}

// TestQueueAggregationFailFastBypass keeps zero-timeout demands out of
// wrappers so a suspension cannot strand them.
func TestQueueAggregationFailFastBypass(t *testing.T) {
	q := NewQueue(true)
	q.Enqueue(queueItem("a", 3, 0))
	q.Enqueue(queueItem("b", 3, 0))

	first := q.Dequeue()
	require.NotNil(t, first)
	assert.False(t, first.Aggregated())
	second := q.Dequeue()
	require.NotNil(t, second)
	assert.False(t, second.Aggregated())
}

// TestQueueExtendSplicesWrappers re-merges a suspended wrapper with a
// live one of the same shape when pending drains back into running.
func TestQueueExtendSplicesWrappers(t *testing.T) {
	pending := NewQueue(true)
	pending.Enqueue(queueItem("a", 3, 1000))
	pending.Enqueue(queueItem("b", 3, 1000))

	running := NewQueue(true)
	running.Enqueue(queueItem("c", 3, 1000))

	running.Extend(pending)
	assert.True(t, pending.CheckIsQueueEmpty())
	assert.Equal(t, 3, running.Len())

	w := running.Dequeue()
	require.NotNil(t, w)
	require.True(t, w.Aggregated())
	assert.Len(t, w.Inner(), 3)
	assert.Nil(t, running.Dequeue())
}

// TestQueuePopHeadSkipsCancelled drops cancelled inners while peeling.
func TestQueuePopHeadSkipsCancelled(t *testing.T) {
	q := NewQueue(true)
	a := queueItem("a", 3, 1000)
	b := queueItem("b", 3, 1000)
	c := queueItem("c", 3, 1000)
	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)
	b.Cancel()

	w := q.Dequeue()
	require.True(t, w.Aggregated())

	head, dropped := w.PopHead()
	require.NotNil(t, head)
	assert.Equal(t, "req-a", head.RequestID)
	assert.Empty(t, dropped)

	head, dropped = w.PopHead()
	require.NotNil(t, head)
	assert.Equal(t, "req-c", head.RequestID)
	require.Len(t, dropped, 1)
	assert.Equal(t, "req-b", dropped[0].RequestID)

	head, _ = w.PopHead()
	assert.Nil(t, head)
}
