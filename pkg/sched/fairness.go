package sched

import (
	"sync"

	"github.com/skein-sh/skein/pkg/resource"
	"github.com/skein-sh/skein/pkg/types"
)

// Fairness gates admission behind pending demand so a fresh request
// cannot jump a queue of equal-or-higher-priority items waiting for
// the same kind of capacity. Bookkeeping lasts one scheduling cycle;
// ActivatePending resets it and suspending items re-register.
type Fairness struct {
	mu sync.Mutex

	// counts is pending items per priority per serialized affinity key.
	counts map[int32]map[string]int

	// messages is the union of pending non-empty affinity messages per
	// priority, attached to candidates so placement avoids starving
	// the pending items.
	messages map[int32][]*types.Affinity
}

func NewFairness() *Fairness {
	f := &Fairness{}
	f.Reset()
	return f
}

// CanSchedule decides admission for a candidate. It conflicts when any
// pending item at priority >= the candidate's either has no resource
// affinity (key "empty" consumes anything) or shares the candidate's
// affinity key.
func (f *Fairness) CanSchedule(it *Item) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for prio, keys := range f.counts {
		if prio < it.Priority {
			continue
		}
		if keys[resource.EmptyAffinityKey] > 0 {
			return false
		}
		if keys[it.AffinityKey()] > 0 {
			return false
		}
	}
	return true
}

// PrepareForScheduling attaches the pending affinity messages at the
// candidate's priority and above. Lower-priority pendings are not
// shielded; they wait behind the candidate anyway.
func (f *Fairness) PrepareForScheduling(it *Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var affs []*types.Affinity
	for prio, msgs := range f.messages {
		if prio < it.Priority {
			continue
		}
		affs = append(affs, msgs...)
	}
	it.PendingAffinities = affs
}

// StorePendingInfo registers an item entering the pending queue, both
// on a suspend and on a fairness conflict, so later similar demand
// queues behind it.
func (f *Fairness) StorePendingInfo(it *Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := f.counts[it.Priority]
	if keys == nil {
		keys = make(map[string]int)
		f.counts[it.Priority] = keys
	}
	keys[it.AffinityKey()]++
	if !it.Affinity.Empty() {
		f.messages[it.Priority] = append(f.messages[it.Priority], it.Affinity)
	}
}

// Reset starts a fresh cycle. Called when pending items are activated
// back into the running queue.
func (f *Fairness) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = make(map[int32]map[string]int)
	f.messages = make(map[int32][]*types.Affinity)
}

// PendingByPriority reports pending item counts per priority level.
func (f *Fairness) PendingByPriority() map[int32]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int32]int, len(f.counts))
	for prio, keys := range f.counts {
		total := 0
		for _, n := range keys {
			total += n
		}
		if total > 0 {
			out[prio] = total
		}
	}
	return out
}
