package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/resource"
	"github.com/skein-sh/skein/pkg/types"
)

// Kind selects which performer an item dispatches to.
type Kind int

const (
	KindInstance Kind = iota
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindInstance:
		return "instance"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Spec is one instance's placement demand. Plain data; request
// identity, cancellation, and completion live on the enclosing Item.
type Spec struct {
	InstanceID string
	Function   string
	Name       string
	Resources  types.Resources
	Labels     map[string]string
	Options    types.ScheduleOptions
	GroupID    string
	ParentID   string

	// Health rides along untouched by placement; the performer hands
	// it to the owner agent at create time.
	Health *types.HealthCheck
}

// Item is one queue entry: a single create request, a group gang, or
// an aggregation wrapper batching identical-shape requests. Priority,
// deadline, and the fairness affinity come from the first spec.
type Item struct {
	Kind       Kind
	RequestID  string
	TraceID    string
	Priority   int32
	EnqueuedAt time.Time

	// Deadline is zero for fail-fast requests (ScheduleTimeoutMs == 0).
	Deadline time.Time

	// Specs are the demands this item places: one for a plain create,
	// the member list for a group gang. Empty on aggregation wrappers.
	Specs []*Spec

	// Affinity is the request's resource affinity, denormalized for
	// fairness keying. Group members may carry differing bundle
	// affinities in their own Options; the first member keys fairness.
	Affinity *types.Affinity

	// PendingAffinities is attached by PrepareForScheduling: affinity
	// messages of pending items placement should avoid starving.
	PendingAffinities []*types.Affinity

	affKey string

	// inner is the aggregation FIFO; nil on plain items.
	inner []*Item

	promise   *Promise
	cancelled atomic.Bool

	// lastErr records the most recent suspend reason, joined into the
	// timeout status. Written only by the scheduler loop.
	lastErr *errcode.Status
}

// NewItem wraps placement specs into a queue item with a fresh
// promise. Specs must be non-empty; group gangs pass every member.
func NewItem(kind Kind, requestID, traceID string, specs []*Spec) *Item {
	opts := specs[0].Options
	it := &Item{
		Kind:       kind,
		RequestID:  requestID,
		TraceID:    traceID,
		Priority:   opts.Priority,
		EnqueuedAt: time.Now(),
		Specs:      specs,
		Affinity:   opts.Affinity,
		affKey:     resource.AffinityKey(opts.Affinity),
		promise:    NewPromise(),
	}
	if opts.ScheduleTimeoutMs > 0 {
		it.Deadline = it.EnqueuedAt.Add(time.Duration(opts.ScheduleTimeoutMs) * time.Millisecond)
	}
	return it
}

// newAggregate wraps the first item of an aggregation batch.
func newAggregate(first *Item) *Item {
	return &Item{
		Kind:       first.Kind,
		Priority:   first.Priority,
		EnqueuedAt: first.EnqueuedAt,
		Affinity:   first.Affinity,
		affKey:     first.affKey,
		inner:      []*Item{first},
	}
}

// Promise returns the completion handle callers block on.
func (it *Item) Promise() *Promise {
	return it.promise
}

// AffinityKey returns the serialized fairness key.
func (it *Item) AffinityKey() string {
	return it.affKey
}

// Aggregated reports whether the item is an aggregation wrapper.
func (it *Item) Aggregated() bool {
	return it.inner != nil
}

// Inner returns the aggregation FIFO.
func (it *Item) Inner() []*Item {
	return it.inner
}

// PopHead removes and returns the first non-cancelled inner item,
// along with cancelled ones skipped over. Nil head when the FIFO is
// drained.
func (it *Item) PopHead() (head *Item, dropped []*Item) {
	for len(it.inner) > 0 {
		candidate := it.inner[0]
		it.inner = it.inner[1:]
		if candidate.Cancelled() {
			dropped = append(dropped, candidate)
			continue
		}
		return candidate, dropped
	}
	return nil, dropped
}

// PushFront puts a peeled head back at the front of the FIFO.
func (it *Item) PushFront(head *Item) {
	it.inner = append([]*Item{head}, it.inner...)
}

// Cancel tags the item and resolves its promise with a cancellation
// status. Queues reap cancelled items lazily; work already submitted
// to a performer is rolled back by the scheduler.
func (it *Item) Cancel() {
	if it.cancelled.CompareAndSwap(false, true) {
		it.promise.Resolve(&Result{
			Status: errcode.Newf(errcode.RequestCancelled, "request %s cancelled", it.RequestID),
		})
	}
}

// Cancelled reports the cancel tag. An aggregation wrapper counts as
// cancelled only when every inner item is.
func (it *Item) Cancelled() bool {
	if it.inner != nil {
		for _, in := range it.inner {
			if !in.Cancelled() {
				return false
			}
		}
		return true
	}
	return it.cancelled.Load()
}

// Expired reports whether the item carried a deadline and it passed.
func (it *Item) Expired(now time.Time) bool {
	return !it.Deadline.IsZero() && now.After(it.Deadline)
}

// Placement is one instance's chosen unit, plus the victims that must
// be evicted first when the spot was made by preemption.
type Placement struct {
	InstanceID string
	UnitID     string
	NodeID     string
	Victims    []*types.Instance

	// Instance is the record the performer built and charged to the
	// view. Materialization persists and launches this exact record.
	Instance *types.Instance
}

// Result is the outcome of one scheduling attempt. A nil or OK status
// means every spec of the item was placed.
type Result struct {
	Status     *errcode.Status
	Placements map[string]*Placement
}

// OK reports success.
func (r *Result) OK() bool {
	return r.Status == nil || r.Status.Code == errcode.OK
}

// Code returns the result's error code, OK on success.
func (r *Result) Code() errcode.Code {
	if r.Status == nil {
		return errcode.OK
	}
	return r.Status.Code
}

// Promise is the one-shot completion handle of a submitted item. The
// first resolution wins; a result arriving after cancellation is
// discarded.
type Promise struct {
	once sync.Once
	ch   chan *Result
}

func NewPromise() *Promise {
	return &Promise{ch: make(chan *Result, 1)}
}

// Resolve completes the promise. Only the first call delivers.
func (p *Promise) Resolve(r *Result) {
	p.once.Do(func() {
		p.ch <- r
	})
}

// Wait blocks for the result or context cancellation.
func (p *Promise) Wait(ctx context.Context) (*Result, error) {
	select {
	case r := <-p.ch:
		return r, nil
	case <-ctx.Done():
		return nil, errcode.Newf(errcode.RequestCancelled, "wait aborted: %v", ctx.Err())
	}
}

// Performer turns an admitted item into placements. Schedule runs the
// pure placement step synchronously against the snapshot and the
// pass's pre-allocation context; side-effecting materialization
// continues asynchronously inside the performer. RollBack releases
// pre-allocations when the item was cancelled mid-flight or a gang
// sibling failed.
type Performer interface {
	Schedule(pre *resource.ScheduleContext, view *resource.ViewInfo, it *Item) *Result
	RollBack(it *Item, res *Result)
}
