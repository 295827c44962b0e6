// Package objectstore tracks object references: ids handed out before
// their payloads exist, global reference counts that decide cluster
// lifetime, nested child sets, and the blocking Get/Wait primitives
// callers use to consume results.
//
// # Lifecycle
//
// An object is born unready (AddReturnObject) with one global
// reference held by its creator. Put attaches the payload and the
// nested set; SetReady or SetError is the one-shot terminal
// transition. References move independently of state:
//
//	AddReturnObject ──► unready ──SetReady──► ready
//	                       │
//	                       └──SetError───► error
//
//	globalRef 1 ──Increase/Decrease──► 0 ──► released
//	                                        (waiters fail, datastore
//	                                         payload deleted, nested
//	                                         children decremented)
//
// A released id never revives; Increase on an unknown id only warns.
// Local references count in-process handles and never extend cluster
// lifetime.
//
// # Nested objects
//
// Put(id, data, nested, ...) records that id's payload embeds the
// nested ids and takes one global reference on each; releasing the
// parent releases them transitively. A nested set that reaches back
// to the object itself is rejected.
//
// # Attribution
//
// Remote increments are recorded per peer so CleanupRemote can undo
// everything a dead client or node added. BindObjRefInReq scopes a
// batch of references to a request id for bulk release on retry or
// group cleanup.
//
// # Waiting
//
// WaitManager implements the threshold wait: block until at least
// minReady of the ids are ready or errored, or the timeout expires.
// Timeouts return the partial partition rather than an error. Each
// wait subscribes to its objects and fires exactly once when the
// threshold is reached; a check-signals callback polled between waits
// can abort early, failing the still-unready ids with its status.
//
//	res := wm.Wait(ids, 2, 5*time.Second)
//	// res.Ready, res.Unready, res.Errors partition ids
//
// Get is the all-or-nothing form: every id must turn ready within the
// timeout, then payloads are fetched from memory or the datastore
// tier.
//
// # Datastore tier
//
// Payloads put with toDatastore move to a Datastore (BoltDatastore in
// servers, MemDatastore in tests) and are deleted from it when the
// object releases. The store never persists reference state; counts
// are rebuilt from client reconnection after a restart.
package objectstore
