package resource

import (
	"fmt"
	"sync"

	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/types"
)

// View maintains the authoritative cluster resource snapshot the
// scheduler consumes. Structure mutations take the view lock; per-unit
// field mutations additionally serialize on the unit lock so snapshot
// copies see consistent units.
type View struct {
	mu       sync.RWMutex
	units    map[string]*Unit
	byNode   map[string][]string // owner node -> unit ids
	insIndex map[string]string   // instance id -> unit id

	rgMu    sync.Mutex
	rgroups map[string]*types.ResourceGroup
	rgUsage map[string]types.Resources
}

// NewView creates an empty resource view.
func NewView() *View {
	return &View{
		units:    make(map[string]*Unit),
		byNode:   make(map[string][]string),
		insIndex: make(map[string]string),
		rgroups:  make(map[string]*types.ResourceGroup),
		rgUsage:  make(map[string]types.Resources),
	}
}

// AddResourceUnit registers a new unit. Replacing an existing id is an
// error; use UpdateUnit for capacity changes.
func (v *View) AddResourceUnit(u *Unit) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.units[u.UnitID]; exists {
		return fmt.Errorf("resource unit %s already exists", u.UnitID)
	}
	v.units[u.UnitID] = u
	v.byNode[u.OwnerID] = append(v.byNode[u.OwnerID], u.UnitID)
	for id := range u.Instances {
		v.insIndex[id] = u.UnitID
	}
	logger := log.WithComponent("resource")
	logger.Debug().
		Str("unit_id", u.UnitID).
		Str("owner", u.OwnerID).
		Msg("resource unit added")
	return nil
}

// RemoveResourceUnit drops a unit and returns the instances that were
// placed on it so callers can fail them over.
func (v *View) RemoveResourceUnit(unitID string) []*types.Instance {
	v.mu.Lock()
	defer v.mu.Unlock()

	u, ok := v.units[unitID]
	if !ok {
		return nil
	}
	delete(v.units, unitID)

	ids := v.byNode[u.OwnerID]
	for i, id := range ids {
		if id == unitID {
			v.byNode[u.OwnerID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(v.byNode[u.OwnerID]) == 0 {
		delete(v.byNode, u.OwnerID)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	orphans := make([]*types.Instance, 0, len(u.Instances))
	for id, ins := range u.Instances {
		delete(v.insIndex, id)
		orphans = append(orphans, ins)
		v.accountRGroup(ins, false)
	}
	return orphans
}

// UpdateUnit applies a capacity delta to a unit.
func (v *View) UpdateUnit(unitID string, delta types.Resources) error {
	v.mu.RLock()
	u, ok := v.units[unitID]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("resource unit %s not found", unitID)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updateCapacity(delta)
	return nil
}

// AddInstances atomically places instances onto their units. The unit
// is named by each instance's OwnerNode (unit id or node id).
// All-or-nothing: a missing unit fails the whole batch before any
// mutation.
func (v *View) AddInstances(instances map[string]*types.Instance) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	targets := make(map[string]*Unit, len(instances))
	for id, ins := range instances {
		u := v.lookupLocked(ins.OwnerNode)
		if u == nil {
			return fmt.Errorf("no resource unit for node %s (instance %s)", ins.OwnerNode, id)
		}
		targets[id] = u
	}
	for id, ins := range instances {
		u := targets[id]
		u.mu.Lock()
		u.place(ins)
		u.mu.Unlock()
		v.insIndex[id] = u.UnitID
		v.accountRGroup(ins, true)
	}
	return nil
}

// RemoveInstances atomically removes instances by id, restoring
// allocatable and label multisets. Unknown ids are ignored.
func (v *View) RemoveInstances(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, id := range ids {
		unitID, ok := v.insIndex[id]
		if !ok {
			continue
		}
		delete(v.insIndex, id)
		u := v.units[unitID]
		if u == nil {
			continue
		}
		u.mu.Lock()
		ins := u.remove(id)
		u.mu.Unlock()
		if ins != nil {
			v.accountRGroup(ins, false)
		}
	}
}

// UnitForInstance resolves the unit currently holding an instance.
func (v *View) UnitForInstance(id string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	unitID, ok := v.insIndex[id]
	return unitID, ok
}

// lookupLocked resolves a placement target: a direct unit id, or the
// first unit owned by the named node. Caller holds the view lock.
func (v *View) lookupLocked(idOrNode string) *Unit {
	if u, ok := v.units[idOrNode]; ok {
		return u
	}
	if ids := v.byNode[idOrNode]; len(ids) > 0 {
		return v.units[ids[0]]
	}
	return nil
}

// SetResourceGroup installs or replaces a named resource partition.
func (v *View) SetResourceGroup(rg *types.ResourceGroup) {
	v.rgMu.Lock()
	defer v.rgMu.Unlock()
	v.rgroups[rg.Name] = rg
	if _, ok := v.rgUsage[rg.Name]; !ok {
		v.rgUsage[rg.Name] = types.Resources{}
	}
}

// DeleteResourceGroup removes a partition. It refuses while placements
// still account against it.
func (v *View) DeleteResourceGroup(name string) error {
	v.rgMu.Lock()
	defer v.rgMu.Unlock()
	if used, ok := v.rgUsage[name]; ok && !used.IsZero() {
		return fmt.Errorf("resource group %s still occupied", name)
	}
	delete(v.rgroups, name)
	delete(v.rgUsage, name)
	return nil
}

// ResourceGroupUsage reports a partition's quota and current usage.
func (v *View) ResourceGroupUsage(name string) (quota, used types.Resources, ok bool) {
	v.rgMu.Lock()
	defer v.rgMu.Unlock()
	rg, exists := v.rgroups[name]
	if !exists {
		return types.Resources{}, types.Resources{}, false
	}
	return rg.Quota.Clone(), v.rgUsage[name].Clone(), true
}

func (v *View) accountRGroup(ins *types.Instance, add bool) {
	name := ins.Options.ResourceGroup
	if name == "" {
		return
	}
	v.rgMu.Lock()
	defer v.rgMu.Unlock()
	if add {
		v.rgUsage[name] = v.rgUsage[name].Add(ins.Resources)
	} else {
		v.rgUsage[name] = v.rgUsage[name].Sub(ins.Resources)
	}
}

// Snapshot returns an immutable point-in-time copy of the view:
// every unit, the union of instance labels across units, and resource
// group accounting.
func (v *View) Snapshot() *ViewInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()

	info := &ViewInfo{
		Units:          make(map[string]*UnitInfo, len(v.units)),
		AllLocalLabels: NewLabels(),
		RGroups:        make(map[string]*RGroupInfo),
	}
	for id, u := range v.units {
		ui := u.snapshot()
		info.Units[id] = ui
		info.AllLocalLabels.Merge(ui.InsLabels)
	}

	v.rgMu.Lock()
	for name, rg := range v.rgroups {
		info.RGroups[name] = &RGroupInfo{
			Name:     name,
			Selector: rg.Selector,
			Quota:    rg.Quota.Clone(),
			Used:     v.rgUsage[name].Clone(),
		}
	}
	v.rgMu.Unlock()
	return info
}

// ViewInfo is the immutable snapshot handed to one scheduling pass.
type ViewInfo struct {
	Units map[string]*UnitInfo

	// AllLocalLabels is the superset of instance labels across units,
	// used to short-circuit affinity searches that cannot match
	// anywhere.
	AllLocalLabels Labels

	RGroups map[string]*RGroupInfo
}

// RGroupInfo is a resource group's snapshot entry.
type RGroupInfo struct {
	Name     string
	Selector *types.Selector
	Quota    types.Resources
	Used     types.Resources
}

// Fits reports whether adding demand keeps the group within quota.
func (r *RGroupInfo) Fits(demand types.Resources) bool {
	return r.Quota.Fits(r.Used.Add(demand))
}
