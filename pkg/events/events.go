package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/types"
)

// Subscriber receives published events. The channel closes on
// Unsubscribe and when the broker stops.
type Subscriber chan *types.Event

const (
	publishBuffer    = 100
	subscriberBuffer = 50
)

// Broker fans lifecycle events out to subscribers. Delivery is best
// effort: a subscriber that stops draining loses events rather than
// stalling publishers. Surfaces that must not miss updates watch the
// metastore instead.
type Broker struct {
	mu      sync.RWMutex
	subs    map[Subscriber]*subState
	eventCh chan *types.Event
	stopCh  chan struct{}
	dropped atomic.Uint64
	logger  zerolog.Logger
}

// subState is touched only by the fan-out goroutine after insertion.
type subState struct {
	prefixes []string
	warned   bool
}

func (s *subState) wants(eventType string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// NewBroker creates a broker; Start launches the fan-out loop.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[Subscriber]*subState),
		eventCh: make(chan *types.Event, publishBuffer),
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("events"),
	}
}

// Start launches the fan-out loop.
func (b *Broker) Start() {
	go b.loop()
}

// Stop ends the fan-out loop and closes every subscriber channel.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a subscriber. With prefixes set, only events
// whose Type starts with one of them are delivered.
func (b *Broker) Subscribe(prefixes ...string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subs[sub] = &subState{prefixes: prefixes}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to
// call after the broker stopped.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// Publish queues an event for fan-out, stamping the time when unset.
// Never blocks past the publish buffer once the broker stopped.
func (b *Broker) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) loop() {
	for {
		select {
		case event := <-b.eventCh:
			b.fanout(event)
		case <-b.stopCh:
			b.closeAll()
			return
		}
	}
}

func (b *Broker) fanout(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, st := range b.subs {
		if !st.wants(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
			if !st.warned {
				st.warned = true
				b.logger.Warn().Str("type", event.Type).
					Msg("subscriber stalled, dropping events")
			}
		}
	}
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub)
	}
}

// Dropped reports how many deliveries were skipped on full subscriber
// buffers since the broker started.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
