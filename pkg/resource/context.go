package resource

import (
	"github.com/skein-sh/skein/pkg/types"
)

// ScheduleContext tallies tentative reservations within one scheduling
// pass so multiple items see a consistent "what would remain" view
// before any placement materializes. Single-producer within a pass;
// discarded after.
type ScheduleContext struct {
	reserved map[string]*reservation

	// rgReserved tallies pass-local demand against resource group
	// quotas; victims marks instances already claimed by a preemption
	// decision earlier in the pass.
	rgReserved map[string]types.Resources
	victims    map[string]map[string]struct{}
}

type reservation struct {
	res    types.Resources
	labels Labels
}

// NewScheduleContext creates an empty pre-allocation context.
func NewScheduleContext() *ScheduleContext {
	return &ScheduleContext{
		reserved:   make(map[string]*reservation),
		rgReserved: make(map[string]types.Resources),
		victims:    make(map[string]map[string]struct{}),
	}
}

// Reserve records a tentative placement of res and label contributions
// against a unit.
func (c *ScheduleContext) Reserve(unitID string, res types.Resources, labels map[string]string) {
	entry := c.reserved[unitID]
	if entry == nil {
		entry = &reservation{labels: NewLabels()}
		c.reserved[unitID] = entry
	}
	entry.res = entry.res.Add(res)
	for k, v := range labels {
		entry.labels.Add(k, v, 1)
	}
}

// Release undoes one tentative placement.
func (c *ScheduleContext) Release(unitID string, res types.Resources, labels map[string]string) {
	entry := c.reserved[unitID]
	if entry == nil {
		return
	}
	entry.res = entry.res.Sub(res)
	for k, v := range labels {
		entry.labels.Remove(k, v, 1)
	}
	if entry.res.IsZero() && len(entry.labels) == 0 {
		delete(c.reserved, unitID)
	}
}

// Reset drops every reservation.
func (c *ScheduleContext) Reset() {
	c.reserved = make(map[string]*reservation)
	c.rgReserved = make(map[string]types.Resources)
	c.victims = make(map[string]map[string]struct{})
}

// ReserveRGroup records pass-local demand against a resource group.
func (c *ScheduleContext) ReserveRGroup(name string, res types.Resources) {
	c.rgReserved[name] = c.rgReserved[name].Add(res)
}

// ReleaseRGroup undoes one group reservation.
func (c *ScheduleContext) ReleaseRGroup(name string, res types.Resources) {
	c.rgReserved[name] = c.rgReserved[name].Sub(res)
	if c.rgReserved[name].IsZero() {
		delete(c.rgReserved, name)
	}
}

// RGroupFits reports whether adding demand keeps the group within
// quota, counting reservations made earlier in this pass.
func (c *ScheduleContext) RGroupFits(rg *RGroupInfo, demand types.Resources) bool {
	used := rg.Used.Add(c.rgReserved[rg.Name])
	return rg.Quota.Fits(used.Add(demand))
}

// MarkVictim claims an instance for eviction so later preemption
// decisions in the same pass cannot count it again.
func (c *ScheduleContext) MarkVictim(unitID, instanceID string) {
	set := c.victims[unitID]
	if set == nil {
		set = make(map[string]struct{})
		c.victims[unitID] = set
	}
	set[instanceID] = struct{}{}
}

// IsVictim reports whether the instance is already claimed for
// eviction in this pass.
func (c *ScheduleContext) IsVictim(unitID, instanceID string) bool {
	_, ok := c.victims[unitID][instanceID]
	return ok
}

// ReservedResources returns what the pass has already promised away on
// a unit.
func (c *ScheduleContext) ReservedResources(unitID string) types.Resources {
	if entry := c.reserved[unitID]; entry != nil {
		return entry.res.Clone()
	}
	return types.Resources{}
}

// ReservedLabels returns the label contributions promised onto a unit.
func (c *ScheduleContext) ReservedLabels(unitID string) Labels {
	if entry := c.reserved[unitID]; entry != nil {
		return entry.labels.Clone()
	}
	return nil
}

// EffectiveAllocatable returns a unit's allocatable after subtracting
// this pass's reservations.
func (c *ScheduleContext) EffectiveAllocatable(u *UnitInfo) types.Resources {
	alloc := u.Allocatable
	if entry := c.reserved[u.UnitID]; entry != nil {
		alloc = alloc.Sub(entry.res)
	}
	return alloc
}

// EffectiveInsLabels returns a unit's instance labels including this
// pass's reserved contributions.
func (c *ScheduleContext) EffectiveInsLabels(u *UnitInfo) Labels {
	entry := c.reserved[u.UnitID]
	if entry == nil || len(entry.labels) == 0 {
		return u.InsLabels
	}
	return u.InsLabels.Union(entry.labels)
}
