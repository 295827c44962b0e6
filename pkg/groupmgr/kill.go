package groupmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/metastore"
	"github.com/skein-sh/skein/pkg/types"
)

// KillGroup tears a group down on request: members still scheduling
// are cancelled out of the queue, live members get SHUT_DOWN, and once
// they drain the group is cleared from the store. The wait is bounded
// by KillTimeout; on timeout the group is cleared anyway and the
// caller gets REQUEST_TIME_OUT while the member cascade finishes on
// its own. Concurrent kills of the same group are rejected, and the
// kill marker suppresses the same-lifecycle "killed separately" rule
// for the member exits this kill causes.
func (m *Manager) KillGroup(ctx context.Context, groupID string) error {
	type snapshot struct {
		group   *types.Group
		members []*types.Instance
		st      *errcode.Status
	}

	drained := make(chan struct{})
	snapCh := make(chan snapshot, 1)
	m.post(func() {
		if m.killing.Contains(groupID) {
			snapCh <- snapshot{st: errcode.Newf(errcode.GroupKillActive,
				"kill of group %s already in progress", groupID)}
			return
		}
		g := m.groups[groupID]
		if g == nil {
			snapCh <- snapshot{st: errcode.Newf(errcode.GroupNotFound,
				"group %s not found", groupID)}
			return
		}
		m.killing.Insert(groupID)
		var mem []*types.Instance
		for _, id := range m.memberIDs(groupID) {
			if ins := m.instances[id]; ins != nil {
				cp := *ins
				mem = append(mem, &cp)
			}
		}
		if len(mem) == 0 {
			close(drained)
		} else {
			m.drained[groupID] = append(m.drained[groupID], drained)
		}
		cp := *g
		snapCh <- snapshot{group: &cp, members: mem}
	})

	var snap snapshot
	select {
	case snap = <-snapCh:
	case <-ctx.Done():
		return errcode.Newf(errcode.RequestCancelled, "kill of group %s cancelled", groupID)
	case <-m.stopCh:
		return errcode.New(errcode.ConnectionClosed, "group manager stopped")
	}
	if snap.st != nil {
		return snap.st
	}
	defer m.post(func() { m.killing.Remove(groupID) })

	reason := fmt.Sprintf("group %s killed", groupID)
	for _, ins := range snap.members {
		if ins.State == types.InstanceStateScheduling && m.cfg.Canceller != nil &&
			m.cfg.Canceller.Cancel(ins.RequestID) {
			continue
		}
		if ins.State.Alive() {
			m.signalNow(ctx, ins, types.SignalShutDown, reason)
		}
	}

	timedOut := false
	timer := time.NewTimer(m.cfg.KillTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		return errcode.Newf(errcode.RequestCancelled, "kill of group %s cancelled", groupID)
	case <-m.stopCh:
		return errcode.New(errcode.ConnectionClosed, "group manager stopped")
	}

	m.clearGroupNow(ctx, snap.group)

	if timedOut {
		return errcode.Newf(errcode.RequestTimeOut,
			"group %s kill timed out after %s, cleared anyway", groupID, m.cfg.KillTimeout)
	}
	return nil
}

// signalNow is the synchronous sibling of signalInstance, used on the
// caller's goroutine with the caller's deadline.
func (m *Manager) signalNow(ctx context.Context, ins *types.Instance, sig types.Signal, reason string) {
	addr, err := m.nodeAddr(ctx, ins.OwnerNode)
	if err != nil {
		m.logger.Warn().Err(err).Str("instance", ins.InstanceID).Str("node", ins.OwnerNode).
			Msg("signal skipped, node address unknown")
		return
	}
	if err := m.cfg.Transport.Signal(ctx, addr, ins.InstanceID, sig, reason); err != nil {
		m.logger.Warn().Err(err).Str("instance", ins.InstanceID).Int32("signal", int32(sig)).
			Msg("signal delivery failed")
	}
}

func (m *Manager) clearGroupNow(ctx context.Context, g *types.Group) {
	m.deliverClear(ctx, g.GroupID, g.OwnerProxy)
	if _, err := m.cfg.Store.Delete(ctx, metastore.GroupKey(g.GroupID)); err != nil {
		m.logger.Error().Err(err).Str("group", g.GroupID).Msg("group delete failed")
	}
	m.publish(types.EventGroupCleared, g.GroupID, "")
}
