package ordering

import (
	"context"
	"sync"

	"github.com/skein-sh/skein/pkg/errcode"
)

// insGate is one instance's delivery cursor. next is the sequence
// number allowed to deliver now; higher arrivals wait on a channel
// keyed by their number.
type insGate struct {
	next    int64
	waiters map[int64]chan struct{}
	dropped chan struct{}
}

// Sequencer gates hand-off to the instance runtime so ordered
// invocations deliver in assigned order even when they arrive
// concurrently. Acquire blocks until every lower sequence number has
// been delivered; Delivered opens the gate for the next one.
type Sequencer struct {
	mu  sync.Mutex
	ins map[string]*insGate
}

func NewSequencer() *Sequencer {
	return &Sequencer{ins: make(map[string]*insGate)}
}

func (s *Sequencer) gateLocked(instanceID string) *insGate {
	g := s.ins[instanceID]
	if g == nil {
		g = &insGate{
			waiters: make(map[int64]chan struct{}),
			dropped: make(chan struct{}),
		}
		s.ins[instanceID] = g
	}
	return g
}

// Acquire blocks until seq is next in line for the instance. Sequences
// at or below the floor pass immediately; redelivery below the floor
// is deduplicated by the runtime, not here.
func (s *Sequencer) Acquire(ctx context.Context, instanceID string, seq int64) error {
	s.mu.Lock()
	g := s.gateLocked(instanceID)
	if seq <= g.next {
		s.mu.Unlock()
		return nil
	}
	ch, ok := g.waiters[seq]
	if !ok {
		ch = make(chan struct{})
		g.waiters[seq] = ch
	}
	dropped := g.dropped
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-dropped:
		return errcode.Newf(errcode.InstanceNotFound, "instance %s dropped while sequence %d waited", instanceID, seq)
	case <-ctx.Done():
		s.mu.Lock()
		if g, ok := s.ins[instanceID]; ok {
			delete(g.waiters, seq)
		}
		s.mu.Unlock()
		return errcode.Newf(errcode.RequestCancelled, "sequence %d wait cancelled for instance %s", seq, instanceID)
	}
}

// Delivered marks seq handed to the runtime and wakes the next waiter.
func (s *Sequencer) Delivered(instanceID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.ins[instanceID]
	if !ok {
		return
	}
	if seq >= g.next {
		g.next = seq + 1
	}
	if ch, ok := g.waiters[g.next]; ok {
		delete(g.waiters, g.next)
		close(ch)
	}
}

// SkipTo raises the delivery floor without a delivery. Used on
// recovery, when the wire says everything below seq already completed
// and will never be redelivered.
func (s *Sequencer) SkipTo(instanceID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.gateLocked(instanceID)
	if seq <= g.next {
		return
	}
	g.next = seq
	for w, ch := range g.waiters {
		if w <= g.next {
			delete(g.waiters, w)
			close(ch)
		}
	}
}

// Drop fails every blocked waiter and discards the instance's gate.
func (s *Sequencer) Drop(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.ins[instanceID]
	if !ok {
		return
	}
	close(g.dropped)
	delete(s.ins, instanceID)
}
