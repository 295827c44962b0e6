// Package groupmgr maintains instance groups: the lifecycle index over
// the metadata store's group and instance records, the same-lifecycle
// cascade that turns one member's death into the whole group's, and
// the coordinated kill that tears a group down on request.
//
// The manager is an actor. One goroutine consumes the store's watch
// stream and a mailbox of posted closures, and owns every index:
// group records, member instances, groups by owner node and by parent
// instance. Every replica runs a manager to keep these caches warm,
// but only the master, elected with the metadata store's leadership,
// performs mutations. A replica that rises to master runs a catch-up
// scan so cascades interrupted by the previous master finish.
//
// Failure handling converges on one path: anything that should kill a
// group writes the FAILED record, and the watch event for that write
// drives the member signals. The observing side cannot tell whether
// the failure came from a fatal member, a removed parent, an abnormal
// node or an old master, and does not need to.
package groupmgr
