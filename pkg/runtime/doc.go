// Package runtime runs function instances on a worker node.
//
// A Runtime owns the local lifecycle of instances the agent was told
// to host: create, start, signal, destroy, plus the invocation path
// that delivers calls into the running function. Two implementations
// share the contract:
//
//	┌───────────────────────────────────────────────┐
//	│                Runtime (contract)              │
//	│  Create / Start / Kill / Destroy / Status      │
//	│  Wait / Invoke / QueueHandle / List            │
//	└───────────┬───────────────────┬───────────────┘
//	            │                   │
//	    ┌───────▼────────┐  ┌───────▼────────┐
//	    │   Containerd   │  │     Memory     │
//	    │  oci tasks +   │  │  registered    │
//	    │  invoke shim   │  │  Go handlers   │
//	    └────────────────┘  └────────────────┘
//
// Functions are named by URN, urn:faas:fn:<name>[:<tag>]. The
// containerd runtime maps the URN to an image reference (optionally
// under a configured registry prefix), pulls it, and runs the
// instance as a containerd task in its own namespace with cgroup
// limits derived from the instance's resource vector.
//
// Each containerd instance gets a state directory bind-mounted at
// /run/skein inside the container. The function runtime inside the
// container serves invocations on an HTTP shim bound to a unix socket
// there; Invoke posts the payload to /invoke/<method> over that
// socket. The accelerate path bypasses the shim protocol: QueueHandle
// names a second socket in the same directory that callers may feed
// directly.
//
// Kill delivers the request's signal number to the task when it fits
// the unix range, so functions can tell an ordinary shutdown (15)
// from a group exit (64), and escalates to SIGKILL after the grace
// period. Exit codes map onto the instance lifecycle: a zero exit is
// EXITED, anything else is FATAL.
//
// The memory runtime backs tests and local development. Functions are
// Go closures registered by URN; instances move through the same
// states and deliver the same exit channels without a container in
// sight.
package runtime
