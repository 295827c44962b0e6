package server

import (
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/resource"
	"github.com/skein-sh/skein/pkg/sched"
	"github.com/skein-sh/skein/pkg/types"
)

// buildInstance turns a placed spec into the record that will be
// charged to the view, persisted, and launched.
func buildInstance(it *sched.Item, spec *sched.Spec, pl *sched.Placement) *types.Instance {
	now := time.Now().UTC()
	return &types.Instance{
		InstanceID: spec.InstanceID,
		RequestID:  it.RequestID,
		Function:   spec.Function,
		Name:       spec.Name,
		OwnerNode:  pl.NodeID,
		Resources:  spec.Resources,
		Labels:     spec.Labels,
		Options:    spec.Options,
		State:      types.InstanceStateCreating,
		GroupID:    spec.GroupID,
		ParentID:   spec.ParentID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// instancePerformer places single-instance demands. Schedule charges
// the view synchronously so later passes in the same tick see the
// claim; the endpoint's waiter materializes asynchronously.
type instancePerformer struct {
	s *Server
}

func (p *instancePerformer) Schedule(pre *resource.ScheduleContext, view *resource.ViewInfo, it *sched.Item) *sched.Result {
	spec := it.Specs[0]
	pl, st := p.s.placer.Place(pre, view, spec, it.PendingAffinities)
	if st != nil {
		return &sched.Result{Status: st}
	}
	ins := buildInstance(it, spec, pl)
	pl.Instance = ins
	if err := p.s.view.AddInstances(map[string]*types.Instance{ins.InstanceID: ins}); err != nil {
		// The unit vanished between snapshot and now.
		return &sched.Result{Status: errcode.Newf(errcode.ResourceNotEnough,
			"unit %s lost before placement: %v", pl.UnitID, err)}
	}
	return &sched.Result{Placements: map[string]*sched.Placement{ins.InstanceID: pl}}
}

func (p *instancePerformer) RollBack(it *sched.Item, res *sched.Result) {
	p.s.view.RemoveInstances(placedIDs(res))
}

// groupPerformer places gangs: every member or none. A member failure
// releases the reservations the earlier members took in this pass.
type groupPerformer struct {
	s *Server
}

func (p *groupPerformer) Schedule(pre *resource.ScheduleContext, view *resource.ViewInfo, it *sched.Item) *sched.Result {
	placements := make(map[string]*sched.Placement, len(it.Specs))
	var done []*sched.Spec

	release := func() {
		for _, spec := range done {
			pl := placements[spec.InstanceID]
			pre.Release(pl.UnitID, spec.Resources, spec.Labels)
			if rg := spec.Options.ResourceGroup; rg != "" {
				pre.ReleaseRGroup(rg, spec.Resources)
			}
		}
	}

	for _, spec := range it.Specs {
		pl, st := p.s.placer.Place(pre, view, spec, it.PendingAffinities)
		if st != nil {
			release()
			return &sched.Result{Status: st.WithDetailf("group member %s", spec.InstanceID)}
		}
		pl.Instance = buildInstance(it, spec, pl)
		placements[spec.InstanceID] = pl
		done = append(done, spec)
	}

	batch := make(map[string]*types.Instance, len(placements))
	for id, pl := range placements {
		batch[id] = pl.Instance
	}
	if err := p.s.view.AddInstances(batch); err != nil {
		release()
		return &sched.Result{Status: errcode.Newf(errcode.ResourceNotEnough,
			"unit lost before group placement: %v", err)}
	}
	return &sched.Result{Placements: placements}
}

func (p *groupPerformer) RollBack(it *sched.Item, res *sched.Result) {
	p.s.view.RemoveInstances(placedIDs(res))
}

func placedIDs(res *sched.Result) []string {
	ids := make([]string, 0, len(res.Placements))
	for id := range res.Placements {
		ids = append(ids, id)
	}
	return ids
}
