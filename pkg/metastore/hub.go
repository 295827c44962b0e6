package metastore

import (
	"strings"
	"sync"

	"github.com/skein-sh/skein/pkg/log"
)

const defaultWatchBuffer = 128

// Watcher is one registered watch stream. Events arrive in revision
// order. When the watcher falls too far behind, the hub closes the
// channel; the consumer re-establishes the watch and calls Sync to
// repair its cache.
type Watcher struct {
	key    string
	prefix bool
	prevKV bool

	ch     chan WatchEvent
	syncFn func(known []string) (*SyncResult, error)

	closeOnce sync.Once
	closeFn   func()
}

// Events returns the event stream. A closed channel means the watch
// was cancelled or overflowed and must be re-created.
func (w *Watcher) Events() <-chan WatchEvent { return w.ch }

// Sync re-lists the watched range. known are the keys the caller has
// cached; the result reports the current entries and which known keys
// are gone.
func (w *Watcher) Sync(known []string) (*SyncResult, error) {
	return w.syncFn(known)
}

// Close cancels the watch and closes the event channel.
func (w *Watcher) Close() {
	w.closeOnce.Do(w.closeFn)
}

func (w *Watcher) matches(key string) bool {
	if w.prefix {
		return strings.HasPrefix(key, w.key)
	}
	return key == w.key
}

// watchHub fans mutations out to registered watchers. Both store
// implementations drive it from their apply path, so delivery order
// matches revision order.
type watchHub struct {
	mu       sync.Mutex
	watchers map[*Watcher]struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{watchers: make(map[*Watcher]struct{})}
}

func (h *watchHub) register(key string, opts WatchOptions, syncFn func(known []string) (*SyncResult, error)) *Watcher {
	buf := opts.Buffer
	if buf <= 0 {
		buf = defaultWatchBuffer
	}
	w := &Watcher{
		key:    key,
		prefix: opts.Prefix,
		prevKV: opts.PrevKV,
		ch:     make(chan WatchEvent, buf),
		syncFn: syncFn,
	}
	w.closeFn = func() {
		h.mu.Lock()
		_, ok := h.watchers[w]
		delete(h.watchers, w)
		h.mu.Unlock()
		if ok {
			close(w.ch)
		}
	}

	h.mu.Lock()
	h.watchers[w] = struct{}{}
	h.mu.Unlock()
	return w
}

// notify delivers one event to every matching watcher. A watcher whose
// buffer is full is dropped and its channel closed so the consumer
// resyncs instead of acting on a gapped stream.
func (h *watchHub) notify(ev WatchEvent) {
	h.mu.Lock()
	var overflowed []*Watcher
	for w := range h.watchers {
		if !w.matches(ev.KV.Key) {
			continue
		}
		out := ev
		if !w.prevKV {
			out.PrevKV = nil
		}
		select {
		case w.ch <- out:
		default:
			overflowed = append(overflowed, w)
		}
	}
	for _, w := range overflowed {
		delete(h.watchers, w)
	}
	h.mu.Unlock()

	for _, w := range overflowed {
		close(w.ch)
		logger := log.WithComponent("metastore")
		logger.Warn().
			Str("key", w.key).
			Bool("prefix", w.prefix).
			Msg("watcher overflowed, stream closed for resync")
	}
}

// closeAll cancels every watcher (store shutdown).
func (h *watchHub) closeAll() {
	h.mu.Lock()
	ws := make([]*Watcher, 0, len(h.watchers))
	for w := range h.watchers {
		ws = append(ws, w)
		delete(h.watchers, w)
	}
	h.mu.Unlock()
	for _, w := range ws {
		w.closeOnce.Do(func() { close(w.ch) })
	}
}
