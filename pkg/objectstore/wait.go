package objectstore

import (
	"sync"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
)

const defaultSignalPollInterval = 100 * time.Millisecond

// WaitResult partitions a wait set once the threshold is reached or the
// timeout expires. An id appears in exactly one of Ready, Unready, or
// Errors.
type WaitResult struct {
	Ready   []string
	Unready []string
	Errors  map[string]*errcode.Status
}

// WaitManager blocks callers on object readiness. A wait completes when
// ready plus errored objects reach the requested threshold; a timeout
// returns whatever has accumulated and is not an error. The optional
// checkSignals callback is polled between waits; a non-nil status
// aborts the wait and is applied to every id still unready.
type WaitManager struct {
	store        *Store
	checkSignals func() *errcode.Status
	pollInterval time.Duration
}

// NewWaitManager wraps a store. checkSignals may be nil.
func NewWaitManager(store *Store, checkSignals func() *errcode.Status) *WaitManager {
	return &WaitManager{
		store:        store,
		checkSignals: checkSignals,
		pollInterval: defaultSignalPollInterval,
	}
}

// Wait blocks until at least minReady of ids are ready or errored, or
// the timeout expires. minReady above len(ids) is clamped; unknown ids
// count as errored immediately.
func (m *WaitManager) Wait(ids []string, minReady int, timeout time.Duration) *WaitResult {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	if minReady > len(uniq) {
		minReady = len(uniq)
	}

	w := &waiter{
		need:     int64(minReady),
		done:     make(chan struct{}),
		outcomes: make(map[string]*errcode.Status, len(uniq)),
	}

	type sub struct {
		id    string
		token int64
	}
	var subs []sub
	for _, id := range uniq {
		id := id
		token, done, ready, st := m.store.subscribe(id, func(ready bool, st *errcode.Status) {
			w.complete(id, ready, st)
		})
		if done {
			w.complete(id, ready, st)
		} else {
			subs = append(subs, sub{id: id, token: token})
		}
	}
	defer func() {
		for _, s := range subs {
			m.store.unsubscribe(s.id, s.token)
		}
	}()
	w.tryFire()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-w.done:
			return w.result(uniq, nil)
		case <-deadline.C:
			return w.result(uniq, nil)
		case <-poll.C:
			if m.checkSignals == nil {
				continue
			}
			if st := m.checkSignals(); st != nil {
				return w.result(uniq, st)
			}
		}
	}
}

// Get blocks until every id is ready, then returns the payloads. Any
// errored object fails the whole get with its status; ids still
// unready at the timeout fail it with RequestTimeOut.
func (m *WaitManager) Get(ids []string, timeout time.Duration) (map[string][]byte, error) {
	res := m.Wait(ids, len(ids), timeout)
	for _, id := range ids {
		if st, ok := res.Errors[id]; ok {
			return nil, st
		}
	}
	if len(res.Unready) > 0 {
		return nil, errcode.Newf(errcode.RequestTimeOut,
			"timed out waiting for %d of %d objects", len(res.Unready), len(ids))
	}
	out := make(map[string][]byte, len(res.Ready))
	for _, id := range res.Ready {
		data, err := m.store.fetch(id)
		if err != nil {
			return nil, err
		}
		out[id] = data
	}
	return out, nil
}

// waiter accumulates completions for one Wait call and fires its done
// channel exactly once when the threshold is reached.
type waiter struct {
	mu         sync.Mutex
	need       int64
	readyCount int64
	errCount   int64
	fired      bool
	done       chan struct{}
	outcomes   map[string]*errcode.Status
}

func (w *waiter) complete(id string, ready bool, st *errcode.Status) {
	w.mu.Lock()
	if _, dup := w.outcomes[id]; dup {
		w.mu.Unlock()
		return
	}
	if ready {
		w.outcomes[id] = nil
		w.readyCount++
	} else {
		if st == nil {
			st = errcode.Newf(errcode.ObjectError, "object %s failed", id)
		}
		w.outcomes[id] = st
		w.errCount++
	}
	w.mu.Unlock()
	w.tryFire()
}

func (w *waiter) tryFire() {
	w.mu.Lock()
	hit := !w.fired && w.readyCount+w.errCount >= w.need
	if hit {
		w.fired = true
	}
	w.mu.Unlock()
	if hit {
		close(w.done)
	}
}

// result snapshots the outcome map into the partitioned form. A non-nil
// abort status is applied to every id with no outcome yet.
func (w *waiter) result(ids []string, abort *errcode.Status) *WaitResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	res := &WaitResult{Errors: make(map[string]*errcode.Status)}
	for _, id := range ids {
		st, done := w.outcomes[id]
		switch {
		case !done:
			if abort != nil {
				res.Errors[id] = abort
			} else {
				res.Unready = append(res.Unready, id)
			}
		case st == nil:
			res.Ready = append(res.Ready, id)
		default:
			res.Errors[id] = st
		}
	}
	return res
}
