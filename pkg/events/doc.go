/*
Package events provides the in-memory event broker for Skein's pub/sub
messaging.

The broker broadcasts cluster lifecycle events (instance placed,
instance failed, group failed, group cleared, node joined, node
abnormal) to interested subscribers with non-blocking delivery. A
subscription may name type prefixes so that, for example, the server's
/events stream only carries what the caller asked for.

# Event Flow

 1. Publisher calls broker.Publish(event)
 2. Event added to the main channel (buffer 100, non-blocking)
 3. The fan-out loop sends to every subscriber channel (buffer 50)
    whose prefixes match the event type
 4. Full subscriber buffers skip the event rather than block; skips
    are counted and the first one per subscriber logs a warning

Delivery is best effort. Components that must not miss updates (the
group manager's indices) watch the metastore instead; the broker is for
operator-facing surfaces and metrics. Stopping the broker closes every
subscriber channel.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe("group.", "node.")
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			logger.Info().Str("type", event.Type).Msg(event.Message)
		}
	}()

	broker.Publish(&types.Event{
		Type:    types.EventNodeJoined,
		NodeID:  node.NodeID,
		Message: "registered",
	})

# Integration Points

  - pkg/server: publishes placement, node, and group events
  - pkg/groupmgr: publishes cascade and clear events
  - cmd/skein: streams events for `skein events`
*/
package events
