package groupmgr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/skein-sh/skein/pkg/metastore"
	"github.com/skein-sh/skein/pkg/types"
)

// onInstancePut records a grouped instance and reacts to the edges
// that matter: a member going fatal fails a same-lifecycle group, and
// an instance materializing under an already-failed group is told to
// die immediately.
func (m *Manager) onInstancePut(ins *types.Instance) {
	if ins.GroupID == "" {
		return
	}
	prev := m.instances[ins.InstanceID]
	m.instances[ins.InstanceID] = ins
	addIdx(m.members, ins.GroupID, ins.InstanceID)

	g := m.groups[ins.GroupID]
	if g == nil {
		return
	}

	fatalEdge := ins.State == types.InstanceStateFatal &&
		(prev == nil || prev.State != types.InstanceStateFatal)
	if fatalEdge && g.Options.SameLifecycle && g.Status != types.GroupStateFailed {
		m.failGroup(g, fmt.Sprintf("member instance %s went fatal", ins.InstanceID))
		return
	}
	if g.Status == types.GroupStateFailed && ins.State.Alive() && m.master {
		m.signalInstance(ins, types.SignalGroupExit, m.groupReason(g))
	}
}

// onInstanceDeleted removes a member and applies the removal rules:
// child groups anchored on the instance fail, a same-lifecycle group
// losing a member outside a coordinated kill fails, and a failed group
// whose last member left gets cleared from the store.
func (m *Manager) onInstanceDeleted(id string, prev *types.Instance) {
	rec := m.instances[id]
	if rec == nil {
		rec = prev
	}
	delete(m.instances, id)

	for cgid := range m.byParent[id] {
		if cg := m.groups[cgid]; cg != nil && cg.Status != types.GroupStateFailed {
			m.failGroup(cg, fmt.Sprintf("parent instance %s removed", id))
		}
	}

	if rec == nil || rec.GroupID == "" {
		return
	}
	gid := rec.GroupID
	removeIdx(m.members, gid, id)

	g := m.groups[gid]
	if g == nil {
		if len(m.members[gid]) == 0 {
			m.notifyDrained(gid)
		}
		return
	}
	remaining := len(m.members[gid])

	if g.Status == types.GroupStateRunning && g.Options.SameLifecycle &&
		remaining > 0 && !m.killing.Contains(gid) {
		m.failGroup(g, "instance killed separately")
		return
	}
	if remaining == 0 {
		m.notifyDrained(gid)
		if g.Status == types.GroupStateFailed && !m.killing.Contains(gid) && m.master {
			m.clearGroup(g)
		}
	}
}

// onGroupFailed reacts to an observed transition into FAILED: every
// member that is not itself fatal gets the group-exit signal.
// Cascading off the watch event rather than the local write keeps the
// behavior identical whether the failure was written here, by a
// previous master, or by the node monitor. A memberless failed group
// is left in place: its members may still be racing in, and the
// late-instance rule needs the record to catch them. Member drain or
// the catch-up scan clears it.
func (m *Manager) onGroupFailed(g *types.Group) {
	m.publish(types.EventGroupFailed, g.GroupID, g.Message)
	if !m.master {
		return
	}
	ids := m.memberIDs(g.GroupID)
	reason := m.groupReason(g)
	for _, id := range ids {
		ins := m.instances[id]
		if ins == nil || ins.State == types.InstanceStateFatal {
			continue
		}
		m.signalInstance(ins, types.SignalGroupExit, reason)
	}
}

// failGroup persists the FAILED transition. The resulting watch event
// drives the cascade, so failure handling converges to one path.
func (m *Manager) failGroup(g *types.Group, msg string) {
	if !m.master {
		return
	}
	upd := *g
	upd.Status = types.GroupStateFailed
	upd.Message = msg
	buf, err := json.Marshal(&upd)
	if err != nil {
		m.logger.Error().Err(err).Str("group", g.GroupID).Msg("group encode failed")
		return
	}
	gid := upd.GroupID
	m.effect(func(ctx context.Context) {
		if _, err := m.cfg.Store.Put(ctx, metastore.GroupKey(gid), buf, metastore.PutOptions{}); err != nil {
			m.logger.Error().Err(err).Str("group", gid).Msg("group fail put lost")
		}
	})
}

// clearGroup routes a clear message to the group's owner node and
// deletes the record.
func (m *Manager) clearGroup(g *types.Group) {
	gid, owner := g.GroupID, g.OwnerProxy
	m.effect(func(ctx context.Context) {
		m.deliverClear(ctx, gid, owner)
		if _, err := m.cfg.Store.Delete(ctx, metastore.GroupKey(gid)); err != nil {
			m.logger.Error().Err(err).Str("group", gid).Msg("group delete failed")
		}
	})
	m.publish(types.EventGroupCleared, gid, "")
}

func (m *Manager) deliverClear(ctx context.Context, gid, owner string) {
	addr, err := m.nodeAddr(ctx, owner)
	if err != nil {
		m.logger.Warn().Err(err).Str("group", gid).Str("node", owner).
			Msg("clear-group skipped, owner address unknown")
		return
	}
	if err := m.cfg.Transport.ClearGroup(ctx, addr, gid); err != nil {
		m.logger.Warn().Err(err).Str("group", gid).Msg("clear-group delivery failed")
	}
}

// signalInstance delivers a signal to the instance's owner node off
// the loop. Failures are logged; the catch-up scan repairs misses.
func (m *Manager) signalInstance(ins *types.Instance, sig types.Signal, reason string) {
	id, node := ins.InstanceID, ins.OwnerNode
	m.effect(func(ctx context.Context) {
		addr, err := m.nodeAddr(ctx, node)
		if err != nil {
			m.logger.Warn().Err(err).Str("instance", id).Str("node", node).
				Msg("signal skipped, node address unknown")
			return
		}
		if err := m.cfg.Transport.Signal(ctx, addr, id, sig, reason); err != nil {
			m.logger.Warn().Err(err).Str("instance", id).Int32("signal", int32(sig)).
				Msg("signal delivery failed")
		}
	})
}

// NodeAbnormal handles a node leaving the cluster ungracefully. Groups
// the node fronted that never finished scheduling fail immediately;
// instances it hosted get a best-effort group-exit so any survivor of
// a partial failure tears itself down. Instances that stay silent are
// written off by the node monitor's heartbeat-lost transition, which
// cascades here as an ordinary fatal member.
func (m *Manager) NodeAbnormal(nodeID string) {
	m.post(func() {
		if !m.master {
			return
		}
		for gid := range m.byNode[nodeID] {
			g := m.groups[gid]
			if g != nil && g.Status == types.GroupStateScheduling {
				m.failGroup(g, fmt.Sprintf("owner node %s abnormal", nodeID))
			}
		}
		reason := fmt.Sprintf("node %s abnormal", nodeID)
		for _, ins := range m.instances {
			if ins.OwnerNode == nodeID && ins.State.Alive() {
				m.signalInstance(ins, types.SignalGroupExit, reason)
			}
		}
	})
}

// catchUp repairs cascades interrupted by a master change: failed
// groups get their still-active members re-signalled, drained failed
// groups get cleared, and a same-lifecycle group whose fatal member
// beat the previous master's FAILED write is failed now.
func (m *Manager) catchUp() {
	for gid, g := range m.groups {
		if m.killing.Contains(gid) {
			continue
		}
		if g.Status != types.GroupStateFailed {
			if g.Options.SameLifecycle {
				if fatal := m.fatalMember(gid); fatal != "" {
					m.failGroup(g, fmt.Sprintf("member instance %s went fatal", fatal))
				}
			}
			continue
		}
		ids := m.memberIDs(gid)
		if len(ids) == 0 {
			m.clearGroup(g)
			continue
		}
		reason := m.groupReason(g)
		for _, id := range ids {
			ins := m.instances[id]
			if ins == nil {
				continue
			}
			switch ins.State {
			case types.InstanceStateRunning, types.InstanceStateCreating:
				m.signalInstance(ins, types.SignalGroupExit, reason)
			}
		}
	}
}

func (m *Manager) fatalMember(gid string) string {
	for _, id := range m.memberIDs(gid) {
		if ins := m.instances[id]; ins != nil && ins.State == types.InstanceStateFatal {
			return id
		}
	}
	return ""
}
