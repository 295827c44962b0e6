/*
Package types defines the core data structures used throughout Skein.

This package contains the fundamental types of Skein's domain model:
function instances, instance groups, resource vectors, affinity
selectors, nodes, and resource groups. These types are shared by the
scheduler, the group manager, the server endpoints, the worker agent,
and the client runtime.

# Core Types

Instances and groups:
  - Instance: a materialized function with demand, labels, and state
  - InstanceState: SCHEDULING → CREATING → RUNNING → EXITING → EXITED,
    plus FATAL (unrecoverable) and EVICTING (preemption in flight)
  - Group: a set of instances sharing lifecycle or scheduling coupling
  - GroupState: SCHEDULING → RUNNING → FAILED
  - GroupOptions: same-lifecycle flag, timeout, bundle/total sizes

Scheduling inputs:
  - Resources: CPU, memory, and named custom dimensions
  - ScheduleOptions: priority, preemption consent, pending timeout
  - Affinity / Selector / SubCondition / Expression: label predicates,
    conjunctive within a sub-condition and disjunctive across them

Cluster membership:
  - Node: a worker registration with capacity and base labels
  - ResourceGroup: a named, quota-capped partition of the cluster

# State Machine

Instances follow:

	SCHEDULING → CREATING → RUNNING → EXITING → EXITED
	                ↓           ↓
	              FATAL       FATAL

EVICTING is entered from RUNNING when the scheduler preempts the
instance; it proceeds to EXITING like an ordinary kill. FATAL is
terminal and marks heartbeat loss or unrecoverable runtime failure.

Groups follow SCHEDULING → RUNNING → FAILED. A RUNNING group with
SameLifecycle set transitions to FAILED as soon as any member goes
FATAL; the group manager then signals the surviving members.

# Serialization

All persisted types carry json tags matching the metadata-store layout
(/sn/group/..., /sn/instance/...). The RPC layer reuses the same
structs inside msgpack-encoded request and response bodies.

# Thread Safety

Types here are plain data. Mutations must be synchronized by the owning
component; the scheduler, group manager, and resource view each own
their copies and never share mutable instances across goroutines.
*/
package types
