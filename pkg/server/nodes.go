package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/metastore"
	"github.com/skein-sh/skein/pkg/metrics"
	"github.com/skein-sh/skein/pkg/resource"
	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/types"
)

// agentCaller issues control RPCs toward one agent.
type agentCaller interface {
	Call(ctx context.Context, method string, args, reply interface{}) error
}

// agentPeer opens one stream per call on an agent's reverse session.
type agentPeer struct {
	sess *yamux.Session
}

func (p *agentPeer) Call(ctx context.Context, method string, args, reply interface{}) error {
	stream, err := p.sess.Open()
	if err != nil {
		return errcode.Newf(errcode.ConnectionClosed, "open stream: %v", err)
	}
	defer stream.Close()
	if d, ok := ctx.Deadline(); ok {
		stream.SetDeadline(d)
	}
	return rpc.CallWithCodec(rpc.NewClientCodec(stream), method, args, reply)
}

type nodeRecord struct {
	node     types.Node
	peer     agentCaller
	lastSeen time.Time
}

// nodeRegistry tracks registered agents, their reverse sessions, and
// their liveness. One resource unit per node, keyed by the node id.
type nodeRegistry struct {
	s *Server

	mu      sync.Mutex
	records map[string]*nodeRecord
	byAddr  map[string]string

	stopCh chan struct{}
	doneCh chan struct{}
}

func newNodeRegistry(s *Server) *nodeRegistry {
	return &nodeRegistry{
		s:       s,
		records: make(map[string]*nodeRecord),
		byAddr:  make(map[string]string),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (r *nodeRegistry) start() {
	go r.monitor()
}

func (r *nodeRegistry) stop() {
	close(r.stopCh)
	<-r.doneCh
}

// register admits a node: it gains a resource unit, a persisted
// record, and a bound reverse peer. Re-registration refreshes the
// binding and leaves the unit alone.
func (r *nodeRegistry) register(node types.Node, peer agentCaller) error {
	r.mu.Lock()
	prev := r.records[node.NodeID]
	r.records[node.NodeID] = &nodeRecord{node: node, peer: peer, lastSeen: time.Now()}
	r.byAddr[node.Address] = node.NodeID
	n := len(r.records)
	r.mu.Unlock()

	if err := r.s.view.AddResourceUnit(resource.NewUnit(node.NodeID, node.NodeID, node.Capacity, node.Labels)); err != nil {
		// Unit already exists on a re-register.
		r.s.logger.Debug().Str("node_id", node.NodeID).Msg("resource unit kept on re-register")
	}

	raw, err := json.Marshal(&node)
	if err == nil {
		_, err = r.s.store.Put(r.s.ctx, metastore.NodeKey(node.NodeID), raw, metastore.PutOptions{})
	}
	if err != nil {
		return errcode.Newf(errcode.MetaOperationError, "persist node %s: %v", node.NodeID, err)
	}

	metrics.NodesTotal.Set(float64(n))
	if prev == nil {
		r.s.logger.Info().
			Str("node_id", node.NodeID).
			Str("address", node.Address).
			Int64("cpu", node.Capacity.CPU).
			Int64("memory", node.Capacity.Memory).
			Msg("node registered")
		r.s.broker.Publish(&types.Event{
			Type:      types.EventNodeJoined,
			Timestamp: time.Now().UTC(),
			NodeID:    node.NodeID,
			Message:   node.Address,
		})
	}
	r.s.scheduler.Kick()
	return nil
}

// heartbeat refreshes a node's liveness and reconciles the statuses it
// carried. Unknown nodes get false back and re-register.
func (r *nodeRegistry) heartbeat(nodeID string, statuses []rpc.InstanceStatus, peer agentCaller) bool {
	r.mu.Lock()
	rec := r.records[nodeID]
	if rec == nil {
		r.mu.Unlock()
		return false
	}
	rec.lastSeen = time.Now()
	if peer != nil {
		rec.peer = peer
	}
	r.mu.Unlock()

	r.s.reconcileStatuses(statuses)
	return true
}

// sessionClosed unbinds a dead session from whichever node held it.
// The record stays; liveness decides its fate.
func (r *nodeRegistry) sessionClosed(peer agentCaller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.peer == peer {
			rec.peer = nil
		}
	}
}

// adoptStored seeds the registry from persisted node records after a
// leadership change. Adopted nodes start their grace countdown now;
// the ones still alive re-register as soon as they chase the leader.
func (r *nodeRegistry) adoptStored() {
	res, err := r.s.store.Get(r.s.ctx, metastore.PrefixNode, metastore.GetOptions{Prefix: true})
	if err != nil {
		r.s.logger.Warn().Err(err).Msg("stored node load failed")
		return
	}
	now := time.Now()
	r.mu.Lock()
	for _, kv := range res.KVs {
		var node types.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			continue
		}
		if _, ok := r.records[node.NodeID]; ok {
			continue
		}
		r.records[node.NodeID] = &nodeRecord{node: node, lastSeen: now}
		r.byAddr[node.Address] = node.NodeID
	}
	n := len(r.records)
	r.mu.Unlock()
	metrics.NodesTotal.Set(float64(n))
}

func (r *nodeRegistry) monitor() {
	defer close(r.doneCh)
	ticker := time.NewTicker(nodeMonitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// sweep writes off nodes whose heartbeat lapsed past the grace.
func (r *nodeRegistry) sweep() {
	if !r.s.isLeader() {
		return
	}
	grace := r.s.cfg.HeartbeatGrace()
	now := time.Now()

	var expired []*nodeRecord
	r.mu.Lock()
	for id, rec := range r.records {
		if now.Sub(rec.lastSeen) > grace {
			delete(r.records, id)
			delete(r.byAddr, rec.node.Address)
			expired = append(expired, rec)
		}
	}
	n := len(r.records)
	r.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	metrics.NodesTotal.Set(float64(n))
	for _, rec := range expired {
		r.s.nodeLost(rec.node)
	}
}

// callNode issues one RPC over a node's reverse session.
func (r *nodeRegistry) callNode(ctx context.Context, nodeID, method string, args, reply interface{}) error {
	r.mu.Lock()
	rec := r.records[nodeID]
	var peer agentCaller
	if rec != nil {
		peer = rec.peer
	}
	r.mu.Unlock()
	if peer == nil {
		return errcode.Newf(errcode.ConnectionClosed, "no session to node %s", nodeID)
	}
	return peer.Call(ctx, method, args, reply)
}

// nodeIDs lists every registered node.
func (r *nodeRegistry) nodeIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	return out
}

// NodeAddress implements groupmgr.Directory.
func (r *nodeRegistry) NodeAddress(ctx context.Context, nodeID string) (string, error) {
	r.mu.Lock()
	rec := r.records[nodeID]
	r.mu.Unlock()
	if rec != nil {
		return rec.node.Address, nil
	}
	res, err := r.s.store.Get(ctx, metastore.NodeKey(nodeID), metastore.GetOptions{})
	if err == nil && len(res.KVs) == 1 {
		var node types.Node
		if json.Unmarshal(res.KVs[0].Value, &node) == nil && node.Address != "" {
			return node.Address, nil
		}
	}
	return "", errcode.Newf(errcode.ResourceUnitNotFound, "node %s not registered", nodeID)
}

// Signal implements groupmgr.Transport over the reverse session of the
// node registered at addr.
func (r *nodeRegistry) Signal(ctx context.Context, addr, instanceID string, sig types.Signal, reason string) error {
	peer := r.peerForAddr(addr)
	if peer == nil {
		return errcode.Newf(errcode.ConnectionClosed, "no session to %s", addr)
	}
	args := &rpc.AgentSignalArgs{InstanceID: instanceID, Signal: sig, Reason: reason}
	var reply rpc.AgentSignalReply
	return peer.Call(ctx, "Agent.Signal", args, &reply)
}

// ClearGroup implements groupmgr.Transport.
func (r *nodeRegistry) ClearGroup(ctx context.Context, addr, groupID string) error {
	peer := r.peerForAddr(addr)
	if peer == nil {
		return errcode.Newf(errcode.ConnectionClosed, "no session to %s", addr)
	}
	args := &rpc.AgentClearGroupArgs{GroupID: groupID, Signal: types.SignalGroupExit}
	var reply rpc.AgentClearGroupReply
	return peer.Call(ctx, "Agent.ClearGroup", args, &reply)
}

func (r *nodeRegistry) peerForAddr(addr string) agentCaller {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAddr[addr]
	if !ok {
		return nil
	}
	rec := r.records[id]
	if rec == nil {
		return nil
	}
	return rec.peer
}

// nodeLost runs the abnormal-node path: orphaned instances go FATAL,
// their groups cascade, and the node record disappears until the agent
// comes back and re-registers.
func (s *Server) nodeLost(node types.Node) {
	s.logger.Warn().Str("node_id", node.NodeID).Msg("node heartbeat lost")

	orphans := s.view.RemoveResourceUnit(node.NodeID)
	for _, ins := range orphans {
		s.finishInstance(ins, types.InstanceStateFatal, "node heartbeat lost")
	}
	s.groups.NodeAbnormal(node.NodeID)
	if _, err := s.store.Delete(s.ctx, metastore.NodeKey(node.NodeID)); err != nil {
		s.logger.Warn().Err(err).Str("node_id", node.NodeID).Msg("node record delete failed")
	}
	s.broker.Publish(&types.Event{
		Type:      types.EventNodeAbnormal,
		Timestamp: time.Now().UTC(),
		NodeID:    node.NodeID,
		Message:   "heartbeat lost",
	})
}

// reconcileStatuses folds heartbeat-carried instance states into the
// records: terminal states run the exit path as a backstop for missed
// reports, sub-health updates persist, and running instances missing
// from the view after a failover are re-added.
func (s *Server) reconcileStatuses(statuses []rpc.InstanceStatus) {
	for _, st := range statuses {
		ins := s.instanceRecord(st.InstanceID)
		if ins == nil {
			continue
		}
		if st.State.Terminal() {
			s.finishInstance(ins, st.State, "reported by heartbeat")
			continue
		}
		if st.State == types.InstanceStateRunning {
			if _, ok := s.view.UnitForInstance(ins.InstanceID); !ok {
				if err := s.view.AddInstances(map[string]*types.Instance{ins.InstanceID: ins}); err != nil {
					s.logger.Warn().Err(err).Str("instance_id", ins.InstanceID).
						Msg("view rebuild failed")
				}
			}
		}
		if st.SubHealthy != ins.SubHealthy || st.SubMsg != ins.SubMsg {
			ins.SubHealthy = st.SubHealthy
			ins.SubMsg = st.SubMsg
			ins.UpdatedAt = time.Now().UTC()
			s.putInstance(ins)
		}
	}
}
