package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/resource"
	"github.com/skein-sh/skein/pkg/types"
)

func res(cpu, mem int64) types.Resources {
	return types.Resources{CPU: cpu, Memory: mem}
}

func exists(key string) types.Expression {
	return types.Expression{Key: key, Op: types.SelectorOpExists}
}

func notExists(key string) types.Expression {
	return types.Expression{Key: key, Op: types.SelectorOpNotExists}
}

func inValues(key string, values ...string) types.Expression {
	return types.Expression{Key: key, Op: types.SelectorOpIn, Values: values}
}

func term(weight int32, exprs ...types.Expression) *types.Selector {
	return &types.Selector{SubConditions: []types.SubCondition{{Expressions: exprs, Weight: weight}}}
}

func placedInstance(id, node string, cpu, mem int64, prio int32, preemptible bool, labels map[string]string) *types.Instance {
	return &types.Instance{
		InstanceID: id,
		OwnerNode:  node,
		Resources:  res(cpu, mem),
		Labels:     labels,
		Options:    types.ScheduleOptions{Priority: prio, PreemptedAllowed: preemptible},
		State:      types.InstanceStateRunning,
	}
}

func demand(id string, cpu, mem int64, opts types.ScheduleOptions) *Spec {
	return &Spec{
		InstanceID: id,
		Function:   "urn:faas:fn:echo",
		Resources:  res(cpu, mem),
		Options:    opts,
	}
}

func newTestPlacer() *Placer {
	return NewPlacer(NewPreemptor(5))
}

// TestPlaceSimpleFit places one demand and checks the reservation
// shows through the pass context.
func TestPlaceSimpleFit(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(1000, 1000), nil)))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()

	pl, st := newTestPlacer().Place(pre, view, demand("a", 500, 500, types.ScheduleOptions{Priority: 1}), nil)
	require.Nil(t, st)
	assert.Equal(t, "u1", pl.UnitID)
	assert.Equal(t, "n1", pl.NodeID)
	assert.Empty(t, pl.Victims)
	assert.Equal(t, res(500, 500), pre.EffectiveAllocatable(view.Units["u1"]))
}

// TestPlacePassReservations makes same-pass demands see each other's
// reservations before the view catches up.
func TestPlacePassReservations(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(1000, 1000), nil)))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()
	p := newTestPlacer()

	_, st := p.Place(pre, view, demand("a", 500, 500, types.ScheduleOptions{}), nil)
	require.Nil(t, st)

	_, st = p.Place(pre, view, demand("b", 600, 600, types.ScheduleOptions{}), nil)
	require.NotNil(t, st)
	assert.Equal(t, errcode.ResourceNotEnough, st.Code)

	pl, st := p.Place(pre, view, demand("c", 500, 500, types.ScheduleOptions{}), nil)
	require.Nil(t, st)
	assert.Equal(t, "u1", pl.UnitID)
	assert.True(t, pre.EffectiveAllocatable(view.Units["u1"]).IsZero())
}

// TestPlaceRequiredAffinity routes the demand to the unit whose base
// labels satisfy the required term and fails when none does.
func TestPlaceRequiredAffinity(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), map[string]string{"zone": "a"})))
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u2", "n2", res(100, 100), map[string]string{"zone": "b"})))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()
	p := newTestPlacer()

	aff := &types.Affinity{NodeRequired: term(0, inValues("zone", "b"))}
	pl, st := p.Place(pre, view, demand("a", 10, 10, types.ScheduleOptions{Affinity: aff}), nil)
	require.Nil(t, st)
	assert.Equal(t, "u2", pl.UnitID)

	missing := &types.Affinity{NodeRequired: term(0, inValues("zone", "c"))}
	_, st = p.Place(pre, view, demand("b", 10, 10, types.ScheduleOptions{Affinity: missing}), nil)
	require.NotNil(t, st)
	assert.Equal(t, errcode.AffinityScheduleFailed, st.Code)
}

// TestPlacePreferredAffinity picks the higher scoring unit when every
// unit passes the required terms.
func TestPlacePreferredAffinity(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), nil)))
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u2", "n2", res(100, 100), map[string]string{"disk": "ssd"})))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()

	aff := &types.Affinity{NodePreferred: term(10, exists("disk"))}
	pl, st := newTestPlacer().Place(pre, view, demand("a", 10, 10, types.ScheduleOptions{Affinity: aff}), nil)
	require.Nil(t, st)
	assert.Equal(t, "u2", pl.UnitID)
}

// TestPlaceResourceGroup enforces partition membership and quota with
// pass-local accounting; ungrouped demands stay unrestricted.
func TestPlaceResourceGroup(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(1000, 1000), map[string]string{"team": "a"})))
	v.SetResourceGroup(&types.ResourceGroup{
		Name:     "team-a",
		Selector: term(0, inValues("team", "a")),
		Quota:    res(100, 100),
	})
	view := v.Snapshot()
	pre := resource.NewScheduleContext()
	p := newTestPlacer()

	pl, st := p.Place(pre, view, demand("a", 60, 60, types.ScheduleOptions{ResourceGroup: "team-a"}), nil)
	require.Nil(t, st)
	assert.Equal(t, "u1", pl.UnitID)

	_, st = p.Place(pre, view, demand("b", 60, 60, types.ScheduleOptions{ResourceGroup: "team-a"}), nil)
	require.NotNil(t, st)
	assert.Equal(t, errcode.ResourceGroupQuotaExceed, st.Code)

	_, st = p.Place(pre, view, demand("c", 10, 10, types.ScheduleOptions{ResourceGroup: "nosuch"}), nil)
	require.NotNil(t, st)
	assert.Equal(t, errcode.ParameterError, st.Code)

	pl, st = p.Place(pre, view, demand("d", 60, 60, types.ScheduleOptions{}), nil)
	require.Nil(t, st)
	assert.Equal(t, "u1", pl.UnitID)
}

// TestPlacePendingPenalty steers an indifferent demand away from the
// unit a suspended affinity is waiting for.
func TestPlacePendingPenalty(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), map[string]string{"zone": "a"})))
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u2", "n2", res(100, 100), map[string]string{"zone": "b"})))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()

	waiting := []*types.Affinity{{NodeRequired: term(0, inValues("zone", "a"))}}
	pl, st := newTestPlacer().Place(pre, view, demand("x", 10, 10, types.ScheduleOptions{}), waiting)
	require.Nil(t, st)
	assert.Equal(t, "u2", pl.UnitID)
}
