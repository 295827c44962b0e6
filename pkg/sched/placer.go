package sched

import (
	"sort"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/resource"
	"github.com/skein-sh/skein/pkg/types"
)

// Placer runs the placement algorithm for a single demand: free
// capacity first, preemption as the fallback. It mutates only the
// pass-scoped ScheduleContext; the cluster view stays read-only.
type Placer struct {
	preemptor *Preemptor
}

// NewPlacer creates a placer backed by the given preemptor.
func NewPlacer(preemptor *Preemptor) *Placer {
	return &Placer{preemptor: preemptor}
}

// Place picks the best unit for the spec against the snapshot plus the
// reservations already made this pass, reserving on success.
// pendingAffs carries the affinities of suspended demands; between
// equally scored units the placer prefers the one fewer pending
// demands depend on.
func (p *Placer) Place(pre *resource.ScheduleContext, view *resource.ViewInfo, spec *Spec, pendingAffs []*types.Affinity) (*Placement, *errcode.Status) {
	aff := spec.Options.Affinity

	var rg *resource.RGroupInfo
	if name := spec.Options.ResourceGroup; name != "" {
		rg = view.RGroups[name]
		if rg == nil {
			return nil, errcode.Newf(errcode.ParameterError, "resource group %s not found", name)
		}
		if !pre.RGroupFits(rg, spec.Resources) {
			return nil, errcode.Newf(errcode.ResourceGroupQuotaExceed,
				"resource group %s quota exceeded by instance %s", name, spec.InstanceID)
		}
	}
	inGroup := func(u *resource.UnitInfo) bool {
		return rg == nil || resource.MatchSelector(rg.Selector, u.BaseLabels)
	}

	type candidate struct {
		u       *resource.UnitInfo
		score   int32
		penalty int
	}
	var best *candidate
	unitsSeen, affinityOK := 0, 0
	for _, uid := range sortedUnitIDs(view) {
		u := view.Units[uid]
		if !inGroup(u) {
			continue
		}
		unitsSeen++
		labels := pre.EffectiveInsLabels(u)
		score := resource.ScoreUnit(aff, u.BaseLabels, labels)
		if score < 0 {
			continue
		}
		affinityOK++
		if !pre.EffectiveAllocatable(u).Fits(spec.Resources) {
			continue
		}
		c := &candidate{u: u, score: score, penalty: pendingPenalty(u, labels, pendingAffs)}
		if best == nil || c.score > best.score || (c.score == best.score && c.penalty < best.penalty) {
			best = c
		}
	}
	if best != nil {
		pre.Reserve(best.u.UnitID, spec.Resources, spec.Labels)
		if rg != nil {
			pre.ReserveRGroup(rg.Name, spec.Resources)
		}
		return &Placement{InstanceID: spec.InstanceID, UnitID: best.u.UnitID, NodeID: best.u.OwnerID}, nil
	}

	pr, pst := p.preemptor.Preempt(pre, view, spec, inGroup)
	if pr != nil {
		// Victims stay alive until the decision materializes, so the
		// reservation takes the full demand rather than netting out
		// what eviction will free.
		pre.Reserve(pr.UnitID, spec.Resources, spec.Labels)
		if rg != nil {
			pre.ReserveRGroup(rg.Name, spec.Resources)
		}
		return &Placement{InstanceID: spec.InstanceID, UnitID: pr.UnitID, NodeID: pr.OwnerID, Victims: pr.Victims}, nil
	}

	var st *errcode.Status
	switch {
	case unitsSeen == 0:
		st = errcode.Newf(errcode.ResourceNotEnough, "no resource units available for instance %s", spec.InstanceID)
	case affinityOK == 0:
		st = errcode.Newf(errcode.AffinityScheduleFailed, "no unit satisfies required affinity for instance %s", spec.InstanceID)
	default:
		st = errcode.Newf(errcode.ResourceNotEnough, "no unit fits instance %s", spec.InstanceID)
	}
	if pst != nil && pst.Message != "" {
		st = st.WithDetail(pst.Message)
	}
	return nil, st
}

// pendingPenalty counts suspended affinities this unit could satisfy.
// Placing here risks starving them, so ties prefer a lower penalty.
func pendingPenalty(u *resource.UnitInfo, labels resource.Labels, pendingAffs []*types.Affinity) int {
	n := 0
	for _, aff := range pendingAffs {
		if resource.MatchRequired(aff, u.BaseLabels, labels) {
			n++
		}
	}
	return n
}

func sortedUnitIDs(view *resource.ViewInfo) []string {
	ids := make([]string, 0, len(view.Units))
	for id := range view.Units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
