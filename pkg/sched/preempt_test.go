package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/resource"
	"github.com/skein-sh/skein/pkg/types"
)

// TestPreemptLowerPriority evicts a lower priority occupant for a
// higher priority demand that cannot fit otherwise.
func TestPreemptLowerPriority(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), nil)))
	require.NoError(t, v.AddInstances(map[string]*types.Instance{
		"low": placedInstance("low", "n1", 100, 100, 1, true, nil),
	}))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()

	spec := demand("hi", 100, 100, types.ScheduleOptions{Priority: 5})
	pr, st := NewPreemptor(5).Preempt(pre, view, spec, nil)
	require.Nil(t, st)
	assert.Equal(t, "u1", pr.UnitID)
	require.Len(t, pr.Victims, 1)
	assert.Equal(t, "low", pr.Victims[0].InstanceID)
	assert.True(t, pre.IsVictim("u1", "low"))
}

// TestPreemptViaPlacer surfaces victims on the placement when free
// capacity runs out.
func TestPreemptViaPlacer(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), nil)))
	require.NoError(t, v.AddInstances(map[string]*types.Instance{
		"low": placedInstance("low", "n1", 100, 100, 1, true, nil),
	}))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()

	pl, st := newTestPlacer().Place(pre, view, demand("hi", 100, 100, types.ScheduleOptions{Priority: 5}), nil)
	require.Nil(t, st)
	assert.Equal(t, "u1", pl.UnitID)
	require.Len(t, pl.Victims, 1)
	assert.Equal(t, "low", pl.Victims[0].InstanceID)
}

// TestPreemptRefusals checks the hard victim filters one at a time.
func TestPreemptRefusals(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(ins *types.Instance)
		prio   int32
	}{
		{name: "equal priority", mutate: func(ins *types.Instance) {}, prio: 1},
		{name: "preemption not allowed", mutate: func(ins *types.Instance) { ins.Options.PreemptedAllowed = false }, prio: 5},
		{name: "sub-healthy victim", mutate: func(ins *types.Instance) { ins.SubHealthy = true }, prio: 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := resource.NewView()
			require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), nil)))
			occ := placedInstance("occ", "n1", 100, 100, 1, true, nil)
			tc.mutate(occ)
			require.NoError(t, v.AddInstances(map[string]*types.Instance{"occ": occ}))
			view := v.Snapshot()
			pre := resource.NewScheduleContext()

			spec := demand("hi", 100, 100, types.ScheduleOptions{Priority: tc.prio})
			pr, st := NewPreemptor(5).Preempt(pre, view, spec, nil)
			assert.Nil(t, pr)
			require.NotNil(t, st)
			assert.Equal(t, errcode.NoPreemptableInstance, st.Code)
		})
	}
}

// TestPreemptClearsInstanceLabel evicts the label holder when the
// demand carries required anti-affinity on a label the occupant owns,
// even though capacity alone would fit.
func TestPreemptClearsInstanceLabel(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), nil)))
	require.NoError(t, v.AddInstances(map[string]*types.Instance{
		"low": placedInstance("low", "n1", 10, 10, 1, true, map[string]string{"foo": "bar"}),
	}))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()

	aff := &types.Affinity{InstanceRequiredNot: term(0, exists("foo"))}
	pl, st := newTestPlacer().Place(pre, view,
		demand("hi", 10, 10, types.ScheduleOptions{Priority: 5, Affinity: aff}), nil)
	require.Nil(t, st)
	assert.Equal(t, "u1", pl.UnitID)
	require.Len(t, pl.Victims, 1)
	assert.Equal(t, "low", pl.Victims[0].InstanceID)
}

// TestPreemptStaticLabelInfeasible refuses when the offending label
// belongs to the unit itself; eviction cannot clear base labels.
func TestPreemptStaticLabelInfeasible(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), map[string]string{"foo": "bar"})))
	require.NoError(t, v.AddInstances(map[string]*types.Instance{
		"low": placedInstance("low", "n1", 10, 10, 1, true, nil),
	}))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()

	aff := &types.Affinity{NodeRequired: term(0, notExists("foo"))}
	spec := demand("hi", 10, 10, types.ScheduleOptions{Priority: 5, Affinity: aff})

	pr, st := NewPreemptor(5).Preempt(pre, view, spec, nil)
	assert.Nil(t, pr)
	require.NotNil(t, st)
	assert.Equal(t, errcode.NoPreemptableInstance, st.Code)

	_, pst := newTestPlacer().Place(pre, view, spec, nil)
	require.NotNil(t, pst)
	assert.Equal(t, errcode.AffinityScheduleFailed, pst.Code)
}

// TestPreemptVictimOrdering takes the lowest priority victims first
// and stops as soon as the demand fits.
func TestPreemptVictimOrdering(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), nil)))
	require.NoError(t, v.AddInstances(map[string]*types.Instance{
		"v1": placedInstance("v1", "n1", 30, 30, 1, true, nil),
		"v2": placedInstance("v2", "n1", 30, 30, 2, true, nil),
		"v3": placedInstance("v3", "n1", 30, 30, 1, true, nil),
	}))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()

	spec := demand("hi", 40, 40, types.ScheduleOptions{Priority: 5})
	pr, st := NewPreemptor(5).Preempt(pre, view, spec, nil)
	require.Nil(t, st)
	require.Len(t, pr.Victims, 1)
	assert.Equal(t, int32(1), pr.Victims[0].Options.Priority)
}

// TestPreemptKeepsAnchors never evicts an instance satisfying the
// demand's instance-required selector.
func TestPreemptKeepsAnchors(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), nil)))
	require.NoError(t, v.AddInstances(map[string]*types.Instance{
		"anchor": placedInstance("anchor", "n1", 40, 40, 1, true, map[string]string{"svc": "db"}),
		"filler": placedInstance("filler", "n1", 40, 40, 1, true, nil),
	}))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()

	aff := &types.Affinity{InstanceRequired: term(0, exists("svc"))}
	spec := demand("hi", 50, 50, types.ScheduleOptions{Priority: 5, Affinity: aff})
	pr, st := NewPreemptor(5).Preempt(pre, view, spec, nil)
	require.Nil(t, st)
	require.Len(t, pr.Victims, 1)
	assert.Equal(t, "filler", pr.Victims[0].InstanceID)
}

// TestPreemptPrefersFewerVictims picks the unit that frees the demand
// with the smallest victim set.
func TestPreemptPrefersFewerVictims(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), nil)))
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u2", "n2", res(100, 100), nil)))
	require.NoError(t, v.AddInstances(map[string]*types.Instance{
		"a1": placedInstance("a1", "n1", 30, 30, 1, true, nil),
		"a2": placedInstance("a2", "n1", 30, 30, 1, true, nil),
		"b1": placedInstance("b1", "n2", 60, 60, 1, true, nil),
	}))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()

	spec := demand("hi", 90, 90, types.ScheduleOptions{Priority: 5})
	pr, st := NewPreemptor(5).Preempt(pre, view, spec, nil)
	require.Nil(t, st)
	assert.Equal(t, "u2", pr.UnitID)
	require.Len(t, pr.Victims, 1)
	assert.Equal(t, "b1", pr.Victims[0].InstanceID)
}

// TestPreemptVictimClaimedOnce refuses to hand one victim to two
// demands within the same pass.
func TestPreemptVictimClaimedOnce(t *testing.T) {
	v := resource.NewView()
	require.NoError(t, v.AddResourceUnit(resource.NewUnit("u1", "n1", res(100, 100), nil)))
	require.NoError(t, v.AddInstances(map[string]*types.Instance{
		"low": placedInstance("low", "n1", 100, 100, 1, true, nil),
	}))
	view := v.Snapshot()
	pre := resource.NewScheduleContext()
	p := newTestPlacer()

	pl, st := p.Place(pre, view, demand("h1", 100, 100, types.ScheduleOptions{Priority: 5}), nil)
	require.Nil(t, st)
	require.Len(t, pl.Victims, 1)

	_, st = p.Place(pre, view, demand("h2", 100, 100, types.ScheduleOptions{Priority: 5}), nil)
	require.NotNil(t, st)
	assert.Equal(t, errcode.ResourceNotEnough, st.Code)
}
