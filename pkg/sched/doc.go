// Package sched implements the priority scheduler: a two-queue loop
// that matches queued demands against resource snapshots.
//
// # Architecture
//
//	Submit ──▶ running queue ──▶ pass ──▶ performer.Schedule
//	              ▲                │
//	              │ activate       ├─ placed    → resolve promise
//	              │                ├─ suspended → pending queue
//	         pending queue ◀───────┘
//	              │
//	              └─ deadline sweep → REQUEST_TIME_OUT
//
// Each pass takes one snapshot of the cluster view and a fresh
// ScheduleContext, re-activates every suspended demand, and drains the
// running queue in priority order (ties broken by arrival). The
// context accumulates pass-local reservations and victim claims so
// decisions within a pass never double-count capacity the view has
// not caught up with yet.
//
// # Fairness
//
// A demand may not overtake a suspended demand of higher or equal
// priority that wants overlapping placement: same affinity key, or
// either side placeable anywhere. Blocked demands suspend with the
// rest; their affinities travel with schedulable demands so the placer
// can steer equal-score choices away from units the waiters need.
//
// # Placement
//
// The placer scores every unit against the demand's affinity,
// filtering units that fail a required term or lack capacity. When no
// unit fits, the preemptor searches for a victim set: lower-priority
// preemptible instances whose eviction restores both capacity and the
// demand's required affinity. Victims are chosen lowest priority
// first, anchors never. The decision is returned to the performer to
// materialize; the scheduler itself evicts nothing.
//
// # Aggregation
//
// With the aggregate queue enabled, identically shaped instance
// demands (function, resources, priority, affinity) share one queue
// slot. The pass peels them off one at a time: the first suspension
// parks the remainder, and a hard failure is propagated to all of
// them, as an identical demand must reach the identical verdict.
//
// Performers execute decisions. The scheduler resolves each demand's
// promise exactly once: placement result, terminal failure, timeout
// with the last blocking cause attached, or cancellation.
package sched
