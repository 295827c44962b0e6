// Package metastore is the consistent metadata store the control
// plane serializes through: a replicated key-value space with watches,
// leases, and revision-guarded writes.
//
// # Architecture
//
// Two implementations share the Store contract and the watch plumbing:
//
//	┌─────────────────────────────────────────────────────┐
//	│                     Store (contract)                │
//	│  Put / CAS / Get / Delete / Watch / Grant / Revoke  │
//	└───────────────┬────────────────────┬────────────────┘
//	                │                    │
//	        ┌───────▼───────┐    ┌───────▼────────────────┐
//	        │     Mem       │    │       Embedded         │
//	        │  map + mutex  │    │  raft log ─► fsm ─►    │
//	        │  (tests/dev)  │    │  bbolt (meta.db)       │
//	        └───────┬───────┘    └───────┬────────────────┘
//	                │                    │
//	            ┌───▼────────────────────▼───┐
//	            │         watchHub           │
//	            │  per-watcher filtered fan  │
//	            └────────────────────────────┘
//
// Embedded proposes every mutation through the raft log; the fsm
// applies committed entries into bbolt on every replica, so watches
// fire on followers too. Reads serve from the local replica and report
// the revision they observed.
//
// # Revisions
//
// The revision of a mutation is the raft log index that carried it
// (monotonic, not dense). CAS takes the expected ModRevision of the
// key; expectRev 0 asserts the key does not exist. A conflict returns
// a MetaCASConflict-coded error and callers retry on the fresh value.
// The fsm records the applied index durably and skips replayed
// entries, so a restart never double-applies.
//
// # Leases
//
// Grant creates a lease with a TTL; Put can attach keys to it and
// KeepAlive refreshes it. Expiry is leader-driven: followers never
// expire leases locally; the leader's janitor turns expired leases
// into explicit revoke commands through the log, which delete the
// attached keys with ordinary DELETE watch events. Node registrations
// ride leases, so a silent node eventually vanishes from /sn/node/.
//
// # Watches
//
// Watch opens a buffered event stream for a key or prefix, optionally
// carrying the previous value of each changed key. Delivery order
// matches revision order. A watcher that falls behind its buffer is
// cut off (its channel closes) rather than silently gapped; consumers
// re-open the watch and call Sync with their cached keys, which
// returns the current entries plus which cached keys no longer exist.
//
//	w, _ := store.Watch(metastore.PrefixGroup, metastore.WatchOptions{Prefix: true, PrevKV: true})
//	res, _ := w.Sync(cachedKeys)
//	// replace cache with res.KVs, drop res.Missing, then consume w.Events()
//
// # Key Schema
//
//	/sn/group/{groupId}     group records
//	/sn/instance/{id}       instance records
//	/sn/rgroup/{name}       resource group records
//	/sn/node/{nodeId}       node registrations (leased)
//
// # Integration Points
//
// The server persists instance and group records here, the group
// manager drives its indices from the /sn/group/ and /sn/instance/
// watches, node liveness rides leased /sn/node/ keys, and raft
// leadership (Embedded.LeaderCh) selects the group-manager master and
// enables the scheduler.
package metastore
