// Package agent is the worker-node daemon. It dials the control
// plane over a multiplexed session, registers its node, and keeps it
// alive with heartbeats that carry every hosted instance's state and
// sub-health.
//
// The same session serves both directions: the agent opens a stream
// per upstream call (registration, heartbeats, state reports, invoke
// completions, object fetches), and the control plane opens streams
// back to drive the Agent RPC service (create, signal, invoke, clear
// group, ping). Losing the session tears nothing down locally; the
// agent reconnects, follows NOT_LEADER redirects to the current
// leader, and re-registers whenever a heartbeat answer says the node
// is unknown.
//
// Instance lifecycle: a create call pulls and starts the instance via
// the runtime, then a watcher goroutine waits on its exit, reports
// EXITED or FATAL by exit code, and cleans up the local footprint.
// Health checks, when an instance declares one, probe on their
// interval and flip the sub-health flag after the configured run of
// consecutive failures.
//
// Invocations are acknowledged at admission and executed
// asynchronously: arg objects are fetched from the control plane, the
// envelope goes to the runtime, and the completion report carries the
// results or the coded failure. Calls tagged for ordering pass a
// per-instance delivery gate so they reach the runtime in assigned
// sequence order even when they arrive concurrently.
package agent
