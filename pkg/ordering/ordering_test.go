package ordering

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-sh/skein/pkg/errcode"
)

// TestNextSeqAssignment tests monotonic per-instance assignment
func TestNextSeqAssignment(t *testing.T) {
	m := NewManager()

	assert.Equal(t, int64(0), m.NextSeq("i1"))
	assert.Equal(t, int64(1), m.NextSeq("i1"))
	assert.Equal(t, int64(2), m.NextSeq("i1"))

	// A second instance counts from zero independently.
	assert.Equal(t, int64(0), m.NextSeq("i2"))
	assert.Equal(t, 2, m.Tracked())
}

// TestUnfinishedSeqSlide tests the slide over out-of-order completions:
// completing 1 then 2 holds the floor at 0 until 0 completes, which
// advances it past the whole run to 3
func TestUnfinishedSeqSlide(t *testing.T) {
	m := NewManager()

	for i := 0; i < 3; i++ {
		m.NextSeq("i1")
	}
	assert.Equal(t, int64(0), m.UnfinishedSeq("i1"))

	m.Complete("i1", 1)
	assert.Equal(t, int64(0), m.UnfinishedSeq("i1"))

	m.Complete("i1", 2)
	assert.Equal(t, int64(0), m.UnfinishedSeq("i1"))

	m.Complete("i1", 0)
	assert.Equal(t, int64(3), m.UnfinishedSeq("i1"))
}

// TestCompleteDuplicate tests that repeated and below-floor completions
// do not move the floor twice
func TestCompleteDuplicate(t *testing.T) {
	m := NewManager()

	m.NextSeq("i1")
	m.NextSeq("i1")

	m.Complete("i1", 0)
	m.Complete("i1", 0)
	assert.Equal(t, int64(1), m.UnfinishedSeq("i1"))

	m.Complete("i1", 1)
	assert.Equal(t, int64(2), m.UnfinishedSeq("i1"))
}

// TestManagerDrop tests that dropped instances forget their state and
// late completions stay dead
func TestManagerDrop(t *testing.T) {
	m := NewManager()

	m.NextSeq("i1")
	m.Drop("i1")
	assert.Zero(t, m.Tracked())
	assert.Equal(t, int64(0), m.UnfinishedSeq("i1"))

	m.Complete("i1", 0)
	assert.Zero(t, m.Tracked())
}

// TestSequencerDeliveryOrder tests that concurrent out-of-order
// arrivals deliver in sequence order
func TestSequencerDeliveryOrder(t *testing.T) {
	s := NewSequencer()
	ctx := context.Background()

	var mu sync.Mutex
	var order []int64
	var wg sync.WaitGroup

	deliver := func(seq int64) {
		defer wg.Done()
		require.NoError(t, s.Acquire(ctx, "i1", seq))
		mu.Lock()
		order = append(order, seq)
		mu.Unlock()
		s.Delivered("i1", seq)
	}

	// Later sequences arrive first and must wait.
	wg.Add(3)
	go deliver(2)
	go deliver(1)
	time.Sleep(20 * time.Millisecond)
	go deliver(0)
	wg.Wait()

	assert.Equal(t, []int64{0, 1, 2}, order)
}

// TestSequencerContextCancel tests that a cancelled waiter unblocks
// with a cancellation code
func TestSequencerContextCancel(t *testing.T) {
	s := NewSequencer()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Acquire(ctx, "i1", 5)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.Equal(t, errcode.RequestCancelled, errcode.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released on cancel")
	}
}

// TestSequencerDrop tests that dropping an instance fails its blocked
// waiters
func TestSequencerDrop(t *testing.T) {
	s := NewSequencer()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Acquire(context.Background(), "i1", 3)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Drop("i1")

	select {
	case err := <-errCh:
		assert.Equal(t, errcode.InstanceNotFound, errcode.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released on drop")
	}
}

// TestSequencerSkipTo tests floor recovery: raising the floor releases
// the waiter sitting at it and lets below-floor sequences through
func TestSequencerSkipTo(t *testing.T) {
	s := NewSequencer()
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Acquire(ctx, "i1", 5)
	}()
	time.Sleep(20 * time.Millisecond)

	s.SkipTo("i1", 5)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by floor raise")
	}

	// Below the floor nothing blocks.
	require.NoError(t, s.Acquire(ctx, "i1", 2))
}
