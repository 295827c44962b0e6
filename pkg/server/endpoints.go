package server

import (
	"encoding/json"
	netrpc "net/rpc"
	"sort"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/metastore"
	"github.com/skein-sh/skein/pkg/resource"
	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/types"
)

const defaultObjectWait = 30 * time.Second

// newRPCServer builds the dispatch table for one transport. Agent
// sessions get their own table so Node registration can bind the
// session's reverse peer.
func (s *Server) newRPCServer(peer agentCaller) *netrpc.Server {
	srv := netrpc.NewServer()
	srv.RegisterName("Instance", &instanceEndpoint{s: s})
	srv.RegisterName("Node", &nodeEndpoint{s: s, peer: peer})
	srv.RegisterName("Object", &objectEndpoint{s: s})
	srv.RegisterName("Resource", &resourceEndpoint{s: s})
	srv.RegisterName("Cluster", &clusterEndpoint{s: s})
	return srv
}

// Instance service.

type instanceEndpoint struct {
	s *Server
}

func (e *instanceEndpoint) Create(args *rpc.InstanceCreateArgs, reply *rpc.InstanceCreateReply) (err error) {
	defer e.s.record("Instance.Create", time.Now(), &err)
	return e.s.instanceCreate(args, reply)
}

func (e *instanceEndpoint) CreateBatch(args *rpc.InstanceCreateBatchArgs, reply *rpc.InstanceCreateBatchReply) (err error) {
	defer e.s.record("Instance.CreateBatch", time.Now(), &err)
	return e.s.instanceCreateBatch(args, reply)
}

func (e *instanceEndpoint) Invoke(args *rpc.InstanceInvokeArgs, reply *rpc.InstanceInvokeReply) (err error) {
	defer e.s.record("Instance.Invoke", time.Now(), &err)
	return e.s.instanceInvoke(args, reply)
}

func (e *instanceEndpoint) InvokeDone(args *rpc.InstanceInvokeDoneArgs, _ *rpc.InstanceInvokeDoneReply) (err error) {
	defer e.s.record("Instance.InvokeDone", time.Now(), &err)
	return e.s.instanceInvokeDone(args)
}

func (e *instanceEndpoint) Kill(args *rpc.InstanceKillArgs, reply *rpc.InstanceKillReply) (err error) {
	defer e.s.record("Instance.Kill", time.Now(), &err)
	return e.s.instanceKill(args, reply)
}

func (e *instanceEndpoint) Cancel(args *rpc.InstanceCancelArgs, reply *rpc.InstanceCancelReply) (err error) {
	defer e.s.record("Instance.Cancel", time.Now(), &err)
	return e.s.instanceCancel(args, reply)
}

func (e *instanceEndpoint) QueryNamed(args *rpc.InstanceQueryNamedArgs, reply *rpc.InstanceQueryNamedReply) (err error) {
	defer e.s.record("Instance.QueryNamed", time.Now(), &err)
	instances, err := e.s.namedInstances(args.Name)
	if err != nil {
		return err
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].InstanceID < instances[j].InstanceID })
	reply.Instances = instances
	return nil
}

func (e *instanceEndpoint) QueryGroups(_ *rpc.GroupQueryArgs, reply *rpc.GroupQueryReply) (err error) {
	defer e.s.record("Instance.QueryGroups", time.Now(), &err)
	statuses := e.s.groups.Groups()
	groups := make([]rpc.GroupStatus, 0, len(statuses))
	for _, gs := range statuses {
		groups = append(groups, rpc.GroupStatus{Group: gs.Group, Members: gs.Members})
	}
	reply.Groups = groups
	return nil
}

func (e *instanceEndpoint) State(args *rpc.InstanceStateArgs, _ *rpc.InstanceStateReply) (err error) {
	defer e.s.record("Instance.State", time.Now(), &err)
	return e.s.instanceState(args)
}

// Node service. The peer is the reverse half of the session the
// request arrived on; direct connections carry none and cannot
// register.

type nodeEndpoint struct {
	s    *Server
	peer agentCaller
}

func (e *nodeEndpoint) Register(args *rpc.NodeRegisterArgs, reply *rpc.NodeRegisterReply) (err error) {
	defer e.s.record("Node.Register", time.Now(), &err)
	if err := e.s.requireLeader(); err != nil {
		return err
	}
	if args.Node.NodeID == "" || args.Node.Address == "" {
		return errcode.New(errcode.ParameterError, "node id and address required")
	}
	if e.peer == nil {
		return errcode.New(errcode.ParameterError, "registration requires a multiplexed session")
	}
	if err := e.s.nodes.register(args.Node, e.peer); err != nil {
		return err
	}
	reply.HeartbeatIntervalMs = agentHeartbeatMs
	return nil
}

func (e *nodeEndpoint) Heartbeat(args *rpc.NodeHeartbeatArgs, reply *rpc.NodeHeartbeatReply) (err error) {
	defer e.s.record("Node.Heartbeat", time.Now(), &err)
	if err := e.s.requireLeader(); err != nil {
		return err
	}
	reply.Known = e.s.nodes.heartbeat(args.NodeID, args.Statuses, e.peer)
	return nil
}

// Object service.

type objectEndpoint struct {
	s *Server
}

// Put stores a client-provided object, ready immediately. The owner's
// remote reference keeps it alive; the registration reference drops
// once the owner holds one.
func (e *objectEndpoint) Put(args *rpc.ObjectPutArgs, _ *rpc.ObjectPutReply) (err error) {
	defer e.s.record("Object.Put", time.Now(), &err)
	if err := e.s.requireLeader(); err != nil {
		return err
	}
	if args.ObjectID == "" {
		return errcode.New(errcode.ParameterError, "object id required")
	}
	owner := args.Owner
	if owner == "" {
		owner = args.ClientID
	}
	registered := false
	if err := e.s.objects.AddReturnObject(args.ObjectID); err == nil {
		registered = true
	}
	if owner != "" {
		e.s.objects.IncreaseGlobalReferenceRemote([]string{args.ObjectID}, owner)
	}
	if err := e.s.objects.Put(args.ObjectID, args.Data, args.Nested, false); err != nil {
		return err
	}
	if err := e.s.objects.SetReady(args.ObjectID); err != nil {
		e.s.logger.Debug().Err(err).Str("object_id", args.ObjectID).Msg("ready transition skipped")
	}
	if registered && owner != "" {
		e.s.objects.DecreaseGlobalReference([]string{args.ObjectID})
	}
	return nil
}

func (e *objectEndpoint) Get(args *rpc.ObjectGetArgs, reply *rpc.ObjectGetReply) (err error) {
	defer e.s.record("Object.Get", time.Now(), &err)
	if len(args.ObjectIDs) == 0 {
		return errcode.New(errcode.ParameterError, "object ids required")
	}
	payloads, err := e.s.waits.Get(args.ObjectIDs, objectWait(args.TimeoutMs))
	if err != nil {
		return err
	}
	reply.Payloads = payloads
	return nil
}

// Wait blocks until enough of the ids settle. Errored objects count as
// settled and come back in the ready list; a Get tells them apart.
func (e *objectEndpoint) Wait(args *rpc.ObjectWaitArgs, reply *rpc.ObjectWaitReply) (err error) {
	defer e.s.record("Object.Wait", time.Now(), &err)
	if len(args.ObjectIDs) == 0 {
		return errcode.New(errcode.ParameterError, "object ids required")
	}
	min := int(args.NumReturns)
	if min <= 0 {
		min = len(args.ObjectIDs)
	}
	res := e.s.waits.Wait(args.ObjectIDs, min, objectWait(args.TimeoutMs))
	ready := append([]string(nil), res.Ready...)
	for id := range res.Errors {
		ready = append(ready, id)
	}
	sort.Strings(ready)
	reply.Ready = ready
	reply.Pending = res.Unready
	return nil
}

func (e *objectEndpoint) IncRef(args *rpc.ObjectRefArgs, _ *rpc.ObjectRefReply) (err error) {
	defer e.s.record("Object.IncRef", time.Now(), &err)
	if args.ClientID != "" {
		e.s.objects.IncreaseGlobalReferenceRemote(args.ObjectIDs, args.ClientID)
		return nil
	}
	e.s.objects.IncreaseGlobalReference(args.ObjectIDs)
	return nil
}

func (e *objectEndpoint) DecRef(args *rpc.ObjectRefArgs, _ *rpc.ObjectRefReply) (err error) {
	defer e.s.record("Object.DecRef", time.Now(), &err)
	if args.ClientID != "" {
		e.s.objects.DecreaseGlobalReferenceRemote(args.ObjectIDs, args.ClientID)
		return nil
	}
	e.s.objects.DecreaseGlobalReference(args.ObjectIDs)
	return nil
}

func objectWait(ms int64) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultObjectWait
}

// Resource service.

type resourceEndpoint struct {
	s *Server
}

func (e *resourceEndpoint) Query(_ *rpc.ResourceQueryArgs, reply *rpc.ResourceQueryReply) (err error) {
	defer e.s.record("Resource.Query", time.Now(), &err)
	*reply = *e.s.resourceQuery()
	return nil
}

func (e *resourceEndpoint) CreateRGroup(args *rpc.RGroupCreateArgs, _ *rpc.RGroupCreateReply) (err error) {
	defer e.s.record("Resource.CreateRGroup", time.Now(), &err)
	if err := e.s.requireLeader(); err != nil {
		return err
	}
	return e.s.rgroupCreate(&args.Group)
}

func (e *resourceEndpoint) RemoveRGroup(args *rpc.RGroupRemoveArgs, _ *rpc.RGroupRemoveReply) (err error) {
	defer e.s.record("Resource.RemoveRGroup", time.Now(), &err)
	if err := e.s.requireLeader(); err != nil {
		return err
	}
	return e.s.rgroupRemove(args.Name)
}

func (e *resourceEndpoint) QueryRGroup(args *rpc.RGroupQueryArgs, reply *rpc.RGroupQueryReply) (err error) {
	defer e.s.record("Resource.QueryRGroup", time.Now(), &err)
	groups, err := e.s.rgroupQuery(args.Name)
	if err != nil {
		return err
	}
	reply.Groups = groups
	return nil
}

// Cluster service.

type clusterEndpoint struct {
	s *Server
}

func (e *clusterEndpoint) Leader(_ *rpc.ClusterLeaderArgs, reply *rpc.ClusterLeaderReply) (err error) {
	defer e.s.record("Cluster.Leader", time.Now(), &err)
	reply.Leader = e.s.leaderRPCAddr()
	return nil
}

// voterAdder is satisfied by the replicated metastore.
type voterAdder interface {
	AddVoter(nodeID, address string) error
}

func (e *clusterEndpoint) Join(args *rpc.ClusterJoinArgs, _ *rpc.ClusterJoinReply) (err error) {
	defer e.s.record("Cluster.Join", time.Now(), &err)
	if err := e.s.requireLeader(); err != nil {
		return err
	}
	if args.NodeID == "" || args.RaftAddr == "" {
		return errcode.New(errcode.ParameterError, "node id and raft address required")
	}
	va, ok := e.s.store.(voterAdder)
	if !ok {
		return errcode.New(errcode.MetaOperationError, "store is not replicated")
	}
	if err := va.AddVoter(args.NodeID, args.RaftAddr); err != nil {
		return errcode.Newf(errcode.MetaOperationError, "add voter: %v", err)
	}
	e.s.logger.Info().Str("node_id", args.NodeID).Str("raft_addr", args.RaftAddr).Msg("server joined cluster")
	return nil
}

// Shared query builders, used by both the RPC and HTTP surfaces.

func (s *Server) resourceQuery() *rpc.ResourceQueryReply {
	info := s.view.Snapshot()
	units := make([]rpc.UnitStatus, 0, len(info.Units))
	for _, u := range info.Units {
		units = append(units, rpc.UnitStatus{
			UnitID:      u.UnitID,
			NodeID:      u.OwnerID,
			Capacity:    u.Capacity,
			Allocatable: u.Allocatable,
			Labels:      flattenLabels(u.BaseLabels),
			Instances:   len(u.Instances),
		})
	}
	sort.Slice(units, func(i, j int) bool { return units[i].UnitID < units[j].UnitID })

	running, pending := s.scheduler.QueueDepths()
	return &rpc.ResourceQueryReply{
		Units:             units,
		QueueDepths:       map[string]int{"running": running, "pending": pending},
		PendingByPriority: s.scheduler.PendingByPriority(),
	}
}

func (s *Server) rgroupCreate(rg *types.ResourceGroup) error {
	if rg.Name == "" {
		return errcode.New(errcode.ParameterError, "resource group name required")
	}
	if rg.Quota.CPU < 0 || rg.Quota.Memory < 0 {
		return errcode.New(errcode.ParameterError, "negative resource group quota")
	}
	if rg.CreatedAt.IsZero() {
		rg.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rg)
	if err != nil {
		return errcode.Newf(errcode.InnerSystemError, "encode resource group %s: %v", rg.Name, err)
	}
	if _, err := s.store.Put(s.ctx, metastore.RGroupKey(rg.Name), raw, metastore.PutOptions{}); err != nil {
		return errcode.Newf(errcode.MetaOperationError, "persist resource group %s: %v", rg.Name, err)
	}
	s.view.SetResourceGroup(rg)
	s.scheduler.Kick()
	s.logger.Info().Str("rgroup", rg.Name).Msg("resource group set")
	return nil
}

func (s *Server) rgroupRemove(name string) error {
	if name == "" {
		return errcode.New(errcode.ParameterError, "resource group name required")
	}
	if err := s.view.DeleteResourceGroup(name); err != nil {
		return errcode.Newf(errcode.CommonFail, "remove resource group %s: %v", name, err)
	}
	if _, err := s.store.Delete(s.ctx, metastore.RGroupKey(name)); err != nil {
		return errcode.Newf(errcode.MetaOperationError, "delete resource group %s: %v", name, err)
	}
	s.logger.Info().Str("rgroup", name).Msg("resource group removed")
	return nil
}

func (s *Server) rgroupQuery(name string) ([]rpc.RGroupStatus, error) {
	info := s.view.Snapshot()
	var out []rpc.RGroupStatus
	for _, rg := range info.RGroups {
		if name != "" && rg.Name != name {
			continue
		}
		st := rpc.RGroupStatus{
			Group: types.ResourceGroup{Name: rg.Name, Selector: rg.Selector, Quota: rg.Quota},
			Used:  rg.Used,
		}
		for _, u := range info.Units {
			if resource.MatchSelector(rg.Selector, u.BaseLabels) {
				st.Units = append(st.Units, u.UnitID)
			}
		}
		sort.Strings(st.Units)
		out = append(out, st)
	}
	if name != "" && len(out) == 0 {
		return nil, errcode.Newf(errcode.ParameterError, "resource group %s not found", name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group.Name < out[j].Group.Name })
	return out, nil
}

// flattenLabels projects base labels (count one per value) back onto a
// plain map for reporting.
func flattenLabels(l resource.Labels) map[string]string {
	out := make(map[string]string, len(l))
	for k, vals := range l {
		for v := range vals {
			out[k] = v
			break
		}
	}
	return out
}
