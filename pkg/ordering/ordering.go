package ordering

import (
	"sync"

	"github.com/hashicorp/go-set/v3"
)

// insOrder is the per-instance counter pair plus the out-of-order
// completion backlog.
type insOrder struct {
	nextSeq       int64
	unfinishedSeq int64
	completed     *set.Set[int64]
}

// Manager assigns monotonic invocation sequence numbers per instance
// and tracks completions. unfinishedSeq is the lowest sequence number
// not yet completed; completions arriving out of order are parked
// until the run below them closes.
type Manager struct {
	mu  sync.Mutex
	ins map[string]*insOrder
}

func NewManager() *Manager {
	return &Manager{ins: make(map[string]*insOrder)}
}

// NextSeq assigns the instance's next sequence number, starting at
// zero. First caller wins: concurrent submitters against the same
// instance serialize here.
func (m *Manager) NextSeq(instanceID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.ins[instanceID]
	if o == nil {
		o = &insOrder{completed: set.New[int64](8)}
		m.ins[instanceID] = o
	}
	seq := o.nextSeq
	o.nextSeq++
	return seq
}

// UnfinishedSeq returns the lowest sequence number not yet completed
// for the instance. Zero for untracked instances.
func (m *Manager) UnfinishedSeq(instanceID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o := m.ins[instanceID]; o != nil {
		return o.unfinishedSeq
	}
	return 0
}

// Complete records a finished invocation. unfinishedSeq slides forward
// over the contiguous completed run; a completion above the run parks
// until the gap closes. Duplicate and below-floor completions are
// ignored, as are completions for untracked instances.
func (m *Manager) Complete(instanceID string, seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.ins[instanceID]
	if o == nil || seq < o.unfinishedSeq {
		return
	}
	o.completed.Insert(seq)
	for o.completed.Contains(o.unfinishedSeq) {
		o.completed.Remove(o.unfinishedSeq)
		o.unfinishedSeq++
	}
}

// Drop discards all ordering state for an instance. Late completions
// after a drop are ignored rather than resurrecting state.
func (m *Manager) Drop(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ins, instanceID)
}

// Tracked returns the number of instances carrying ordering state.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ins)
}
