package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skein-sh/skein/pkg/types"
)

func fairnessItem(id string, prio int32, aff *types.Affinity) *Item {
	return NewItem(KindInstance, "req-"+id, "", []*Spec{
		demand(id, 10, 10, types.ScheduleOptions{Priority: prio, Affinity: aff, ScheduleTimeoutMs: 1000}),
	})
}

// TestFairnessEmptyPendingBlocksAll gates every equal-or-lower
// priority candidate behind a pending demand with no affinity.
func TestFairnessEmptyPendingBlocksAll(t *testing.T) {
	f := NewFairness()
	f.StorePendingInfo(fairnessItem("p", 5, nil))

	affA := &types.Affinity{NodeRequired: term(0, exists("poolA"))}
	assert.False(t, f.CanSchedule(fairnessItem("lo", 3, affA)))
	assert.False(t, f.CanSchedule(fairnessItem("eq", 5, nil)))
	assert.True(t, f.CanSchedule(fairnessItem("hi", 9, affA)))
}

// TestFairnessAffinityKeyConflict blocks only candidates sharing the
// pending demand's affinity key.
func TestFairnessAffinityKeyConflict(t *testing.T) {
	f := NewFairness()
	affA := &types.Affinity{NodeRequired: term(0, exists("poolA"))}
	affB := &types.Affinity{NodeRequired: term(0, exists("poolB"))}
	f.StorePendingInfo(fairnessItem("p", 5, affA))

	assert.False(t, f.CanSchedule(fairnessItem("same", 3, affA)))
	assert.True(t, f.CanSchedule(fairnessItem("other", 3, affB)))
	assert.True(t, f.CanSchedule(fairnessItem("free", 3, nil)))
	assert.True(t, f.CanSchedule(fairnessItem("above", 7, affA)))
}

// TestFairnessPrepareAttachesMessages hands a candidate the pending
// affinities at its priority and above, not below.
func TestFairnessPrepareAttachesMessages(t *testing.T) {
	f := NewFairness()
	affHigh := &types.Affinity{NodeRequired: term(0, exists("poolA"))}
	affLow := &types.Affinity{NodeRequired: term(0, exists("poolB"))}
	f.StorePendingInfo(fairnessItem("high", 5, affHigh))
	f.StorePendingInfo(fairnessItem("low", 2, affLow))

	it := fairnessItem("cand", 3, &types.Affinity{NodeRequired: term(0, exists("poolC"))})
	f.PrepareForScheduling(it)
	assert.Equal(t, []*types.Affinity{affHigh}, it.PendingAffinities)
}

// TestFairnessReset clears the cycle's bookkeeping.
func TestFairnessReset(t *testing.T) {
	f := NewFairness()
	f.StorePendingInfo(fairnessItem("p", 5, nil))
	assert.False(t, f.CanSchedule(fairnessItem("x", 3, nil)))

	f.Reset()
	assert.True(t, f.CanSchedule(fairnessItem("x", 3, nil)))
	assert.Empty(t, f.PendingByPriority())
}

// TestFairnessPendingByPriority totals pending counts per level.
func TestFairnessPendingByPriority(t *testing.T) {
	f := NewFairness()
	affA := &types.Affinity{NodeRequired: term(0, exists("poolA"))}
	f.StorePendingInfo(fairnessItem("a", 5, affA))
	f.StorePendingInfo(fairnessItem("b", 5, nil))
	f.StorePendingInfo(fairnessItem("c", 2, nil))

	assert.Equal(t, map[int32]int{5: 2, 2: 1}, f.PendingByPriority())
}
