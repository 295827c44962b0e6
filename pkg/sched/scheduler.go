package sched

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/metrics"
	"github.com/skein-sh/skein/pkg/resource"
)

// Config configures a Scheduler.
type Config struct {
	// AggregateQueue merges identically shaped instance demands into
	// one queue slot.
	AggregateQueue bool

	// Snapshot returns the current cluster view. Called once per pass.
	Snapshot func() *resource.ViewInfo
}

// Scheduler owns the two-queue scheduling loop. Demands enter the
// running queue, get matched against a snapshot one pass at a time,
// and either resolve, suspend into the pending queue, or fail.
// Everything mutable under mu; the pass itself runs on a single
// goroutine.
type Scheduler struct {
	snapshot   func() *resource.ViewInfo
	fairness   *Fairness
	aggregate  bool
	performers map[Kind]Performer

	mu        sync.Mutex
	running   Queue
	pending   Queue
	byRequest map[string]*Item

	tickCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	enabled  atomic.Bool
}

// New creates a stopped scheduler. Register performers, then Start.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		snapshot:   cfg.Snapshot,
		fairness:   NewFairness(),
		aggregate:  cfg.AggregateQueue,
		performers: make(map[Kind]Performer),
		running:    NewQueue(cfg.AggregateQueue),
		pending:    NewQueue(cfg.AggregateQueue),
		byRequest:  make(map[string]*Item),
		tickCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// RegisterPerformer binds the executor for one demand kind.
func (s *Scheduler) RegisterPerformer(kind Kind, p Performer) {
	s.performers[kind] = p
}

// Start launches the scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop shuts the loop down and waits for it to exit. Queued demands
// stay queued; a restarted leader rebuilds them from client retries.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// SetEnabled gates scheduling passes. Followers keep the loop running
// but disabled so enqueued demands survive until leadership arrives.
func (s *Scheduler) SetEnabled(v bool) {
	s.enabled.Store(v)
	if v {
		s.Kick()
	}
}

// Kick requests a scheduling pass. Coalesces; never blocks.
func (s *Scheduler) Kick() {
	select {
	case s.tickCh <- struct{}{}:
	default:
	}
}

// Submit enqueues a demand and returns its promise.
func (s *Scheduler) Submit(it *Item) *Promise {
	s.mu.Lock()
	s.byRequest[it.RequestID] = it
	s.running.Enqueue(it)
	s.mu.Unlock()
	s.Kick()
	return it.Promise()
}

// Cancel cancels a queued demand by request id. The caller's promise
// resolves immediately; the loop reaps the queue slot on its next
// visit. Returns false when the request is not queued here.
func (s *Scheduler) Cancel(requestID string) bool {
	s.mu.Lock()
	it, ok := s.byRequest[requestID]
	if ok {
		delete(s.byRequest, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	it.Cancel()
	s.Kick()
	return true
}

// QueueDepths reports the running and pending queue lengths.
func (s *Scheduler) QueueDepths() (running, pending int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running.Len(), s.pending.Len()
}

// PendingByPriority reports suspended demand counts per priority.
func (s *Scheduler) PendingByPriority() map[int32]int {
	return s.fairness.PendingByPriority()
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.tickCh:
			s.runPass()
		case <-sweep.C:
			s.sweepPending()
		}
	}
}

// runPass drains the running queue against one snapshot. Suspended
// demands from earlier passes are re-activated first so every pass
// reconsiders them against fresh capacity.
func (s *Scheduler) runPass() {
	if !s.enabled.Load() || s.snapshot == nil {
		return
	}
	view := s.snapshot()
	pre := resource.NewScheduleContext()

	s.mu.Lock()
	s.running.Extend(s.pending)
	s.pending = NewQueue(s.aggregate)
	s.fairness.Reset()
	s.mu.Unlock()

	for {
		s.mu.Lock()
		it := s.running.Dequeue()
		s.mu.Unlock()
		if it == nil {
			break
		}
		if it.Aggregated() {
			s.processAggregate(pre, view, it)
		} else {
			s.processItem(pre, view, it)
		}
	}
	s.updateGauges()
}

func (s *Scheduler) processItem(pre *resource.ScheduleContext, view *resource.ViewInfo, it *Item) {
	if it.Cancelled() {
		s.unregister(it)
		return
	}
	if it.Expired(time.Now()) {
		s.failItem(it, expireStatus(it))
		return
	}
	if !s.fairness.CanSchedule(it) {
		s.suspendForFairness(it)
		return
	}
	s.fairness.PrepareForScheduling(it)

	perf := s.performers[it.Kind]
	if perf == nil {
		s.failItem(it, errcode.Newf(errcode.InnerSystemError, "no performer registered for %s demand", it.Kind))
		return
	}
	start := time.Now()
	res := perf.Schedule(pre, view, it)
	metrics.SchedulingLatency.Observe(time.Since(start).Seconds())
	s.onScheduleDone(perf, it, res)
}

// processAggregate peels one inner demand at a time off the wrapper.
// Identical shape means identical verdicts, so the first suspension
// parks the whole wrapper and the first hard failure fails the rest.
func (s *Scheduler) processAggregate(pre *resource.ScheduleContext, view *resource.ViewInfo, wrapper *Item) {
	if wrapper.Cancelled() {
		s.unregister(wrapper)
		return
	}
	if !s.fairness.CanSchedule(wrapper) {
		s.suspendAggregate(wrapper)
		return
	}
	s.fairness.PrepareForScheduling(wrapper)
	perf := s.performers[wrapper.Kind]
	for {
		head, dropped := wrapper.PopHead()
		for _, d := range dropped {
			s.unregister(d)
		}
		if head == nil {
			return
		}
		if head.Expired(time.Now()) {
			s.failItem(head, expireStatus(head))
			continue
		}
		if perf == nil {
			s.failItem(head, errcode.Newf(errcode.InnerSystemError, "no performer registered for %s demand", head.Kind))
			continue
		}
		head.PendingAffinities = wrapper.PendingAffinities
		start := time.Now()
		res := perf.Schedule(pre, view, head)
		metrics.SchedulingLatency.Observe(time.Since(start).Seconds())

		if head.Cancelled() {
			if res.OK() {
				perf.RollBack(head, res)
			}
			s.unregister(head)
			continue
		}
		if res.OK() {
			head.Promise().Resolve(res)
			s.unregister(head)
			metrics.ScheduleResults.WithLabelValues("placed").Inc()
			continue
		}
		if s.needSuspend(head, res) {
			head.lastErr = res.Status
			wrapper.PushFront(head)
			s.mu.Lock()
			s.fairness.StorePendingInfo(wrapper)
			s.pending.Enqueue(wrapper)
			s.mu.Unlock()
			metrics.ScheduleResults.WithLabelValues("suspended").Inc()
			return
		}
		s.failItemResult(head, res)
		for {
			next, dropped := wrapper.PopHead()
			for _, d := range dropped {
				s.unregister(d)
			}
			if next == nil {
				break
			}
			s.failItemResult(next, &Result{Status: res.Status})
		}
		return
	}
}

func (s *Scheduler) onScheduleDone(perf Performer, it *Item, res *Result) {
	if it.Cancelled() {
		if res.OK() {
			perf.RollBack(it, res)
		}
		s.unregister(it)
		return
	}
	if res.OK() {
		it.Promise().Resolve(res)
		s.unregister(it)
		metrics.ScheduleResults.WithLabelValues("placed").Inc()
		return
	}
	if s.needSuspend(it, res) {
		it.lastErr = res.Status
		s.mu.Lock()
		s.fairness.StorePendingInfo(it)
		s.pending.Enqueue(it)
		s.mu.Unlock()
		metrics.ScheduleResults.WithLabelValues("suspended").Inc()
		return
	}
	s.failItemResult(it, res)
}

// needSuspend reports whether a failed demand waits for capacity.
// Only capacity and affinity shortfalls are transient; everything
// else is a verdict. Fail-fast demands carry no deadline.
func (s *Scheduler) needSuspend(it *Item, res *Result) bool {
	switch res.Code() {
	case errcode.ResourceNotEnough, errcode.AffinityScheduleFailed:
	default:
		return false
	}
	if it.Deadline.IsZero() {
		return false
	}
	return time.Now().Before(it.Deadline)
}

func (s *Scheduler) suspendForFairness(it *Item) {
	if it.Deadline.IsZero() {
		s.failItem(it, errcode.Newf(errcode.ResourceNotEnough,
			"blocked behind pending demand of priority >= %d", it.Priority))
		return
	}
	s.mu.Lock()
	s.fairness.StorePendingInfo(it)
	s.pending.Enqueue(it)
	s.mu.Unlock()
	metrics.ScheduleResults.WithLabelValues("suspended").Inc()
}

func (s *Scheduler) suspendAggregate(wrapper *Item) {
	s.mu.Lock()
	s.fairness.StorePendingInfo(wrapper)
	s.pending.Enqueue(wrapper)
	s.mu.Unlock()
	metrics.ScheduleResults.WithLabelValues("suspended").Inc()
}

// sweepPending enforces schedule timeouts between passes and reaps
// cancelled slots. Wrapper inners expire individually.
func (s *Scheduler) sweepPending() {
	now := time.Now()
	s.mu.Lock()
	if s.pending.CheckIsQueueEmpty() {
		s.mu.Unlock()
		return
	}
	old := s.pending
	s.pending = NewQueue(s.aggregate)
	var drained []*Item
	for {
		it := old.Dequeue()
		if it == nil {
			break
		}
		drained = append(drained, it)
	}
	s.mu.Unlock()

	for _, it := range drained {
		inners := []*Item{it}
		if it.Aggregated() {
			inners = it.Inner()
		}
		for _, in := range inners {
			switch {
			case in.Cancelled():
				s.unregister(in)
			case in.Expired(now):
				s.failItem(in, expireStatus(in))
			default:
				s.mu.Lock()
				s.pending.Enqueue(in)
				s.mu.Unlock()
			}
		}
	}
	s.updateGauges()
}

func (s *Scheduler) failItem(it *Item, st *errcode.Status) {
	s.failItemResult(it, &Result{Status: st})
}

func (s *Scheduler) failItemResult(it *Item, res *Result) {
	it.Promise().Resolve(res)
	s.unregister(it)
	metrics.ScheduleResults.WithLabelValues("failed").Inc()
	logger := log.WithComponent("sched")
	logger.Debug().
		Str("request_id", it.RequestID).
		Int("code", int(res.Code())).
		Str("reason", res.Status.Message).
		Msg("demand failed")
}

func (s *Scheduler) unregister(it *Item) {
	s.mu.Lock()
	if it.Aggregated() {
		for _, in := range it.Inner() {
			delete(s.byRequest, in.RequestID)
		}
	} else {
		delete(s.byRequest, it.RequestID)
	}
	s.mu.Unlock()
}

func (s *Scheduler) updateGauges() {
	s.mu.Lock()
	running, pending := s.running.Len(), s.pending.Len()
	s.mu.Unlock()
	metrics.QueueDepth.WithLabelValues("running").Set(float64(running))
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	metrics.PendingByPriority.Reset()
	for prio, n := range s.fairness.PendingByPriority() {
		metrics.PendingByPriority.WithLabelValues(strconv.Itoa(int(prio))).Set(float64(n))
	}
}

func expireStatus(it *Item) *errcode.Status {
	st := errcode.Newf(errcode.RequestTimeOut,
		"schedule timeout after %dms", it.Specs[0].Options.ScheduleTimeoutMs)
	if it.lastErr != nil {
		st = st.WithDetail(it.lastErr.Message)
	}
	return st
}
