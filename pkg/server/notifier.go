package server

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/metrics"
	"github.com/skein-sh/skein/pkg/rpc"
)

// notifier owns the client push streams. One stream per client id; a
// reattach replaces the old stream, and a detach fires the cleanup
// hook that releases everything the client held remotely.
type notifier struct {
	logger   zerolog.Logger
	onDetach func(clientID string)

	mu      sync.Mutex
	streams map[string]*rpc.FrameConn
}

func newNotifier(onDetach func(string)) *notifier {
	return &notifier{
		logger:   log.WithComponent("notifier"),
		onDetach: onDetach,
		streams:  make(map[string]*rpc.FrameConn),
	}
}

func (n *notifier) attach(clientID string, fc *rpc.FrameConn) {
	n.mu.Lock()
	old := n.streams[clientID]
	n.streams[clientID] = fc
	n.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// watch parks on the stream until the client goes away. Clients never
// send data frames, so any read outcome means the stream is done.
func (n *notifier) watch(clientID string, fc *rpc.FrameConn) {
	var discard rpc.NotifyFrame
	for {
		if err := fc.ReadFrame(&discard); err != nil {
			break
		}
	}
	n.detach(clientID, fc)
}

func (n *notifier) detach(clientID string, fc *rpc.FrameConn) {
	n.mu.Lock()
	current := n.streams[clientID] == fc
	if current {
		delete(n.streams, clientID)
	}
	n.mu.Unlock()
	fc.Close()
	if current {
		n.logger.Info().Str("client_id", clientID).Msg("notify stream detached")
		if n.onDetach != nil {
			n.onDetach(clientID)
		}
	}
}

// notify pushes one frame. Clients without a stream just miss it; the
// objects carry the durable outcome.
func (n *notifier) notify(clientID string, frame *rpc.NotifyFrame) {
	if clientID == "" {
		return
	}
	n.mu.Lock()
	fc := n.streams[clientID]
	n.mu.Unlock()
	if fc == nil {
		n.logger.Debug().Str("client_id", clientID).Msg("no notify stream, frame dropped")
		return
	}
	if err := fc.WriteFrame(frame); err != nil {
		n.logger.Warn().Err(err).Str("client_id", clientID).Msg("notify push failed")
		n.detach(clientID, fc)
		return
	}
	metrics.NotifiesPushed.Inc()
}

// shutdown tells every attached client the server is going away.
func (n *notifier) shutdown() {
	n.mu.Lock()
	streams := n.streams
	n.streams = make(map[string]*rpc.FrameConn)
	n.mu.Unlock()
	for _, fc := range streams {
		fc.WriteFrame(&rpc.NotifyFrame{Type: rpc.NotifyShutdown})
		fc.Close()
	}
}
