// Package resource maintains the cluster resource view: the live
// accounting of every node's capacity fragments, the instances placed
// on them, and the label multisets affinity terms evaluate against.
//
// # Architecture
//
// The view is a two-level structure. Units are the leaf fragments a
// node registers (usually one per node); the View indexes them by unit
// id, owner node, and placed instance:
//
//	┌──────────────────────────────────────────────────┐
//	│                       View                       │
//	│  units      unitID    -> *Unit                   │
//	│  byNode     nodeID    -> []unitID                 │
//	│  insIndex   instanceID -> unitID                  │
//	│  rgroups    name      -> quota + usage            │
//	└───────┬──────────────────────────────────────────┘
//	        │
//	┌───────▼───────┐  ┌───────────────┐
//	│ Unit u1       │  │ Unit u2       │
//	│  capacity     │  │  capacity     │
//	│  allocatable  │  │  allocatable  │
//	│  base labels  │  │  base labels  │
//	│  ins labels   │  │  ins labels   │
//	│  instances    │  │  instances    │
//	└───────────────┘  └───────────────┘
//
// Placement moves allocatable, never capacity: at all times a unit's
// allocatable equals its capacity minus the sum of placed instance
// resources. Capacity itself changes only through UpdateUnit deltas
// when a node re-registers.
//
// Labels are counted multisets (Labels). Two instances carrying
// app=web yield count 2; removing one leaves the label visible until
// the last contributor is gone. Affinity scoring reads these counts
// through MatchSelector, ScoreUnit, and MatchRequired.
//
// # Scheduling Snapshots
//
// The scheduler never touches the live view mid-pass. It takes a
// Snapshot (deep-copied UnitInfo values plus the cross-unit label
// union) and layers a ScheduleContext on top to tally reservations
// made earlier in the same pass:
//
//	snap := view.Snapshot()
//	ctx := resource.NewScheduleContext()
//	for _, u := range snap.Units {
//	    alloc := ctx.EffectiveAllocatable(u)
//	    labels := ctx.EffectiveInsLabels(u)
//	    if alloc.Fits(demand) && resource.MatchRequired(aff, u.BaseLabels, labels) {
//	        ctx.Reserve(u.UnitID, demand, insLabels)
//	    }
//	}
//
// Committing a pass means calling AddInstances with the chosen
// placements; a failed pass simply drops the context.
//
// # Affinity Scoring
//
// ScoreUnit returns -1 when any required term fails: NodeRequired
// against base labels, InstanceRequired against instance labels, or
// InstanceRequiredNot matching instance labels. Otherwise it sums the
// weights of matching preferred sub-conditions (and of non-matching
// anti-preferred ones), so scores are always non-negative and -1
// stays unambiguous.
//
// AffinityKey serializes an affinity into the string the scheduler's
// fairness accounting is keyed by; a nil or empty affinity maps to
// the reserved key "empty".
//
// # Integration Points
//
// The server feeds the view from node registration and heartbeats,
// the scheduler consumes snapshots and commits placements, and the
// group manager removes instances as lifecycle events arrive.
package resource
