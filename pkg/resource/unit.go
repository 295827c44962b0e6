package resource

import (
	"sync"

	"github.com/skein-sh/skein/pkg/types"
)

// Unit is a leaf fragment of the cluster resource view: the smallest
// schedulable container. Capacity changes only when the owning node
// updates its registration; allocatable moves with placements.
type Unit struct {
	mu sync.Mutex

	UnitID  string
	OwnerID string // node that owns the fragment

	Capacity    types.Resources
	Allocatable types.Resources

	// BaseLabels are the node's static labels. InsLabels aggregate the
	// labels of placed instances with multiset counts.
	BaseLabels Labels
	InsLabels  Labels

	Instances map[string]*types.Instance
}

// NewUnit builds a unit with full allocatable and no placements.
func NewUnit(unitID, ownerID string, capacity types.Resources, baseLabels map[string]string) *Unit {
	return &Unit{
		UnitID:      unitID,
		OwnerID:     ownerID,
		Capacity:    capacity.Clone(),
		Allocatable: capacity.Clone(),
		BaseLabels:  FromMap(baseLabels),
		InsLabels:   NewLabels(),
		Instances:   make(map[string]*types.Instance),
	}
}

// place adds an instance to the unit, adjusting allocatable and the
// instance label multiset. Caller holds the unit lock.
func (u *Unit) place(ins *types.Instance) {
	u.Allocatable = u.Allocatable.Sub(ins.Resources)
	for k, v := range ins.Labels {
		u.InsLabels.Add(k, v, 1)
	}
	u.Instances[ins.InstanceID] = ins
}

// remove deletes an instance from the unit, returning its resources
// and label contributions. Caller holds the unit lock.
func (u *Unit) remove(id string) *types.Instance {
	ins, ok := u.Instances[id]
	if !ok {
		return nil
	}
	delete(u.Instances, id)
	u.Allocatable = u.Allocatable.Add(ins.Resources)
	for k, v := range ins.Labels {
		u.InsLabels.Remove(k, v, 1)
	}
	return ins
}

// updateCapacity applies a capacity delta, moving allocatable by the
// same amount so placements stay accounted.
func (u *Unit) updateCapacity(delta types.Resources) {
	u.Capacity = u.Capacity.Add(delta)
	u.Allocatable = u.Allocatable.Add(delta)
}

// snapshot copies the unit into an immutable UnitInfo.
func (u *Unit) snapshot() *UnitInfo {
	u.mu.Lock()
	defer u.mu.Unlock()

	info := &UnitInfo{
		UnitID:      u.UnitID,
		OwnerID:     u.OwnerID,
		Capacity:    u.Capacity.Clone(),
		Allocatable: u.Allocatable.Clone(),
		BaseLabels:  u.BaseLabels.Clone(),
		InsLabels:   u.InsLabels.Clone(),
		Instances:   make(map[string]*types.Instance, len(u.Instances)),
	}
	for id, ins := range u.Instances {
		cp := *ins
		info.Instances[id] = &cp
	}
	return info
}

// UnitInfo is the immutable point-in-time copy of a unit consumed by
// the scheduler. Mutating it never touches the live view.
type UnitInfo struct {
	UnitID  string
	OwnerID string

	Capacity    types.Resources
	Allocatable types.Resources

	BaseLabels Labels
	InsLabels  Labels

	Instances map[string]*types.Instance
}
