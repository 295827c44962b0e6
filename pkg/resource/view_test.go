package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-sh/skein/pkg/types"
)

func testInstance(id, owner string, cpu, mem int64, labels map[string]string) *types.Instance {
	return &types.Instance{
		InstanceID: id,
		OwnerNode:  owner,
		Resources:  types.Resources{CPU: cpu, Memory: mem},
		Labels:     labels,
	}
}

// assertAccounting checks that every unit's allocatable equals its
// capacity minus the sum of placed instance resources.
func assertAccounting(t *testing.T, v *View) {
	t.Helper()
	snap := v.Snapshot()
	for id, u := range snap.Units {
		placed := types.Resources{}
		for _, ins := range u.Instances {
			placed = placed.Add(ins.Resources)
		}
		assert.Equal(t, u.Capacity.Sub(placed), u.Allocatable, "unit %s", id)
	}
}

// TestViewPlacementAccounting tests allocatable bookkeeping through
// adds, removals, and capacity updates
func TestViewPlacementAccounting(t *testing.T) {
	v := NewView()
	require.NoError(t, v.AddResourceUnit(NewUnit("u1", "node-1", types.Resources{CPU: 4000, Memory: 8192}, nil)))
	require.NoError(t, v.AddResourceUnit(NewUnit("u2", "node-2", types.Resources{CPU: 2000, Memory: 4096}, nil)))

	err := v.AddInstances(map[string]*types.Instance{
		"i1": testInstance("i1", "u1", 1000, 2048, map[string]string{"app": "a"}),
		"i2": testInstance("i2", "u1", 500, 1024, map[string]string{"app": "a"}),
		"i3": testInstance("i3", "u2", 2000, 4096, nil),
	})
	require.NoError(t, err)
	assertAccounting(t, v)

	snap := v.Snapshot()
	assert.Equal(t, types.Resources{CPU: 2500, Memory: 5120}, snap.Units["u1"].Allocatable)
	assert.Equal(t, types.Resources{CPU: 0, Memory: 0}, snap.Units["u2"].Allocatable)

	v.RemoveInstances([]string{"i2", "i3", "unknown"})
	assertAccounting(t, v)

	require.NoError(t, v.UpdateUnit("u1", types.Resources{CPU: 1000}))
	assertAccounting(t, v)
	snap = v.Snapshot()
	assert.Equal(t, types.Resources{CPU: 4000, Memory: 6144}, snap.Units["u1"].Allocatable)
}

// TestViewAddInstancesAtomic tests all-or-nothing placement when one
// target is unknown
func TestViewAddInstancesAtomic(t *testing.T) {
	v := NewView()
	require.NoError(t, v.AddResourceUnit(NewUnit("u1", "node-1", types.Resources{CPU: 4000}, nil)))

	err := v.AddInstances(map[string]*types.Instance{
		"i1": testInstance("i1", "u1", 1000, 0, nil),
		"i2": testInstance("i2", "missing", 1000, 0, nil),
	})
	require.Error(t, err)

	snap := v.Snapshot()
	assert.Empty(t, snap.Units["u1"].Instances)
	assert.Equal(t, types.Resources{CPU: 4000}, snap.Units["u1"].Allocatable)
}

// TestViewNodePlacement tests resolving OwnerNode through the node
// index when it is not a unit id
func TestViewNodePlacement(t *testing.T) {
	v := NewView()
	require.NoError(t, v.AddResourceUnit(NewUnit("u1", "node-1", types.Resources{CPU: 4000}, nil)))

	err := v.AddInstances(map[string]*types.Instance{
		"i1": testInstance("i1", "node-1", 1000, 0, nil),
	})
	require.NoError(t, err)

	unitID, ok := v.UnitForInstance("i1")
	require.True(t, ok)
	assert.Equal(t, "u1", unitID)
}

// TestViewLabelAggregation tests multiset label tracking across
// placement and removal
func TestViewLabelAggregation(t *testing.T) {
	v := NewView()
	require.NoError(t, v.AddResourceUnit(NewUnit("u1", "node-1", types.Resources{CPU: 8000}, map[string]string{"zone": "east"})))

	require.NoError(t, v.AddInstances(map[string]*types.Instance{
		"i1": testInstance("i1", "u1", 100, 0, map[string]string{"app": "a"}),
		"i2": testInstance("i2", "u1", 100, 0, map[string]string{"app": "a"}),
	}))

	snap := v.Snapshot()
	assert.Equal(t, 2, snap.Units["u1"].InsLabels.Count("app", "a"))
	assert.True(t, snap.AllLocalLabels.HasValue("app", "a"))
	assert.False(t, snap.AllLocalLabels.HasValue("zone", "east"), "base labels stay out of instance aggregation")

	v.RemoveInstances([]string{"i1"})
	snap = v.Snapshot()
	assert.Equal(t, 1, snap.Units["u1"].InsLabels.Count("app", "a"))

	v.RemoveInstances([]string{"i2"})
	snap = v.Snapshot()
	assert.False(t, snap.Units["u1"].InsLabels.HasValue("app", "a"))
}

// TestViewSnapshotImmutable tests that mutating a snapshot never leaks
// into the live view
func TestViewSnapshotImmutable(t *testing.T) {
	v := NewView()
	require.NoError(t, v.AddResourceUnit(NewUnit("u1", "node-1", types.Resources{CPU: 4000}, nil)))
	require.NoError(t, v.AddInstances(map[string]*types.Instance{
		"i1": testInstance("i1", "u1", 1000, 0, map[string]string{"app": "a"}),
	}))

	snap := v.Snapshot()
	snap.Units["u1"].Allocatable.CPU = 0
	snap.Units["u1"].InsLabels.Add("app", "b", 1)
	delete(snap.Units["u1"].Instances, "i1")
	snap.Units["u1"].Capacity = types.Resources{}

	fresh := v.Snapshot()
	assert.Equal(t, types.Resources{CPU: 3000}, fresh.Units["u1"].Allocatable)
	assert.False(t, fresh.Units["u1"].InsLabels.HasValue("app", "b"))
	assert.Len(t, fresh.Units["u1"].Instances, 1)
}

// TestViewRemoveResourceUnit tests orphan hand-back when a unit drops
func TestViewRemoveResourceUnit(t *testing.T) {
	v := NewView()
	require.NoError(t, v.AddResourceUnit(NewUnit("u1", "node-1", types.Resources{CPU: 4000}, nil)))
	require.NoError(t, v.AddInstances(map[string]*types.Instance{
		"i1": testInstance("i1", "u1", 1000, 0, nil),
		"i2": testInstance("i2", "u1", 500, 0, nil),
	}))

	orphans := v.RemoveResourceUnit("u1")
	assert.Len(t, orphans, 2)

	_, ok := v.UnitForInstance("i1")
	assert.False(t, ok)
	assert.Empty(t, v.Snapshot().Units)

	assert.Nil(t, v.RemoveResourceUnit("u1"))
}

// TestViewResourceGroups tests quota accounting and guarded deletion
func TestViewResourceGroups(t *testing.T) {
	v := NewView()
	require.NoError(t, v.AddResourceUnit(NewUnit("u1", "node-1", types.Resources{CPU: 8000, Memory: 16384}, nil)))

	v.SetResourceGroup(&types.ResourceGroup{
		Name:  "tenant-a",
		Quota: types.Resources{CPU: 2000, Memory: 4096},
	})

	ins := testInstance("i1", "u1", 1000, 2048, nil)
	ins.Options.ResourceGroup = "tenant-a"
	require.NoError(t, v.AddInstances(map[string]*types.Instance{"i1": ins}))

	quota, used, ok := v.ResourceGroupUsage("tenant-a")
	require.True(t, ok)
	assert.Equal(t, types.Resources{CPU: 2000, Memory: 4096}, quota)
	assert.Equal(t, types.Resources{CPU: 1000, Memory: 2048}, used)

	// Occupied groups cannot be deleted.
	assert.Error(t, v.DeleteResourceGroup("tenant-a"))

	v.RemoveInstances([]string{"i1"})
	assert.NoError(t, v.DeleteResourceGroup("tenant-a"))

	_, _, ok = v.ResourceGroupUsage("tenant-a")
	assert.False(t, ok)
}

// TestRGroupInfoFits tests quota headroom checks on snapshots
func TestRGroupInfoFits(t *testing.T) {
	rg := &RGroupInfo{
		Quota: types.Resources{CPU: 2000, Memory: 4096},
		Used:  types.Resources{CPU: 1500, Memory: 1024},
	}
	assert.True(t, rg.Fits(types.Resources{CPU: 500, Memory: 1024}))
	assert.False(t, rg.Fits(types.Resources{CPU: 501}))
}

// TestViewDuplicateUnit tests rejection of a repeated unit id
func TestViewDuplicateUnit(t *testing.T) {
	v := NewView()
	require.NoError(t, v.AddResourceUnit(NewUnit("u1", "node-1", types.Resources{CPU: 1}, nil)))
	assert.Error(t, v.AddResourceUnit(NewUnit("u1", "node-2", types.Resources{CPU: 1}, nil)))
}
