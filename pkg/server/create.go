package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/metastore"
	"github.com/skein-sh/skein/pkg/metrics"
	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/sched"
	"github.com/skein-sh/skein/pkg/types"
)

const maxInstanceNameLen = 64

// createIndex maps admitted instance ids to the queue request that
// will place them, so a kill arriving before placement can cancel the
// right item.
type createIndex struct {
	mu         sync.Mutex
	byInstance map[string]string
}

func newCreateIndex() *createIndex {
	return &createIndex{byInstance: make(map[string]string)}
}

func (x *createIndex) add(instanceID, requestID string) {
	x.mu.Lock()
	x.byInstance[instanceID] = requestID
	x.mu.Unlock()
}

func (x *createIndex) drop(ids ...string) {
	x.mu.Lock()
	for _, id := range ids {
		delete(x.byInstance, id)
	}
	x.mu.Unlock()
}

func (x *createIndex) requestFor(instanceID string) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	req, ok := x.byInstance[instanceID]
	return req, ok
}

func validateSpec(cs *rpc.CreateSpec) *errcode.Status {
	if cs.Function == "" {
		return errcode.New(errcode.ParameterError, "function is required")
	}
	if len(cs.Name) > maxInstanceNameLen {
		return errcode.Newf(errcode.ParameterError, "instance name exceeds %d characters", maxInstanceNameLen)
	}
	if cs.Resources.CPU < 0 || cs.Resources.Memory < 0 {
		return errcode.New(errcode.ParameterError, "negative resource demand")
	}
	for k, v := range cs.Resources.Custom {
		if v < 0 {
			return errcode.Newf(errcode.ParameterError, "negative demand for custom resource %s", k)
		}
	}
	return nil
}

func specFromWire(cs *rpc.CreateSpec, groupID, parentID string) *sched.Spec {
	return &sched.Spec{
		InstanceID: "ins-" + uuid.New().String(),
		Function:   cs.Function,
		Name:       cs.Name,
		Resources:  cs.Resources,
		Labels:     cs.Labels,
		Options:    cs.Options,
		GroupID:    groupID,
		ParentID:   parentID,
		Health:     cs.Health,
	}
}

func fillHeader(hdr *rpc.Header) {
	if hdr.RequestID == "" {
		hdr.RequestID = "req-" + uuid.New().String()
	}
}

// instanceCreate admits one create request. The reply carries the
// assigned instance id immediately; placement resolves asynchronously
// and lands on the client's notify stream.
func (s *Server) instanceCreate(args *rpc.InstanceCreateArgs, reply *rpc.InstanceCreateReply) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	if st := validateSpec(&args.Spec); st != nil {
		return st
	}
	fillHeader(&args.Header)

	spec := specFromWire(&args.Spec, "", "")
	it := sched.NewItem(sched.KindInstance, args.RequestID, args.TraceID, []*sched.Spec{spec})
	s.creates.add(spec.InstanceID, args.RequestID)
	promise := s.scheduler.Submit(it)
	go s.awaitPlacement(args.Header, it, promise)

	reply.InstanceID = spec.InstanceID
	return nil
}

// instanceCreateBatch admits a gang under a fresh group. The group
// record persists as SCHEDULING before the demand enters the queue so
// failure handling always finds it.
func (s *Server) instanceCreateBatch(args *rpc.InstanceCreateBatchArgs, reply *rpc.InstanceCreateBatchReply) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	if len(args.Specs) == 0 {
		return errcode.New(errcode.ParameterError, "batch create needs at least one spec")
	}
	for i := range args.Specs {
		if st := validateSpec(&args.Specs[i]); st != nil {
			return st.WithDetailf("spec %d", i)
		}
	}
	if args.ParentID != "" && s.instanceRecord(args.ParentID) == nil {
		return errcode.Newf(errcode.GroupParentFailed, "parent instance %s not found", args.ParentID)
	}
	fillHeader(&args.Header)

	gid := "grp-" + uuid.New().String()
	opts := args.Group
	if opts.TotalSize == 0 {
		opts.TotalSize = int32(len(args.Specs))
	}
	if opts.GroupName == "" {
		opts.GroupName = gid
	}
	g := &types.Group{
		GroupID:   gid,
		ParentID:  args.ParentID,
		Status:    types.GroupStateScheduling,
		TraceID:   args.TraceID,
		RequestID: args.RequestID,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.putGroup(g); err != nil {
		return err
	}

	specs := make([]*sched.Spec, len(args.Specs))
	ids := make([]string, len(args.Specs))
	for i := range args.Specs {
		specs[i] = specFromWire(&args.Specs[i], gid, args.ParentID)
		ids[i] = specs[i].InstanceID
		s.creates.add(ids[i], args.RequestID)
	}
	it := sched.NewItem(sched.KindGroup, args.RequestID, args.TraceID, specs)
	promise := s.scheduler.Submit(it)
	go s.awaitPlacement(args.Header, it, promise)

	reply.GroupID = gid
	reply.InstanceIDs = ids
	return nil
}

// awaitPlacement is the request's materialization waiter: it blocks on
// the scheduling promise and turns the verdict into store records,
// agent creates, and a completion notify.
func (s *Server) awaitPlacement(hdr rpc.Header, it *sched.Item, promise *sched.Promise) {
	res, err := promise.Wait(s.ctx)

	ids := make([]string, len(it.Specs))
	for i, spec := range it.Specs {
		ids[i] = spec.InstanceID
	}
	defer s.creates.drop(ids...)

	if err != nil {
		// Server shutdown; nothing to unwind, the queue died with us.
		return
	}
	if !res.OK() {
		s.placementFailed(hdr, it, res.Status)
		return
	}
	s.materialize(hdr, it, res)
}

func (s *Server) placementFailed(hdr rpc.Header, it *sched.Item, st *errcode.Status) {
	gid := it.Specs[0].GroupID
	s.logger.Warn().
		Str("request_id", hdr.RequestID).
		Str("group_id", gid).
		Int32("code", int32(st.Code)).
		Str("reason", st.Message).
		Msg("placement failed")

	frame := &rpc.NotifyFrame{
		Type:      rpc.NotifyResult,
		RequestID: hdr.RequestID,
		Code:      st.Code,
		Message:   st.Message,
	}
	if gid != "" {
		// Nothing placed; drop the SCHEDULING record outright.
		if _, err := s.store.Delete(s.ctx, metastore.GroupKey(gid)); err != nil {
			s.logger.Warn().Err(err).Str("group_id", gid).Msg("group record delete failed")
		}
		frame.GroupID = gid
		s.broker.Publish(&types.Event{
			Type:      types.EventGroupFailed,
			Timestamp: time.Now().UTC(),
			GroupID:   gid,
			Message:   st.Message,
		})
	} else {
		frame.InstanceID = it.Specs[0].InstanceID
		s.broker.Publish(&types.Event{
			Type:       types.EventInstanceFailed,
			Timestamp:  time.Now().UTC(),
			InstanceID: it.Specs[0].InstanceID,
			Message:    st.Message,
		})
	}
	s.notify(hdr.ClientID, frame)
}

// materialize commits an OK scheduling result: evict the victims that
// made room, persist the members, create them on their owner agents,
// and notify the requester. A member create failure fails the whole
// request; for groups the same-lifecycle cascade reaps the siblings
// already running.
func (s *Server) materialize(hdr rpc.Header, it *sched.Item, res *sched.Result) {
	gid := it.Specs[0].GroupID

	victims := make(map[string]*types.Instance)
	for _, pl := range res.Placements {
		for _, v := range pl.Victims {
			victims[v.InstanceID] = v
		}
	}
	if len(victims) > 0 {
		s.evictVictims(victims)
	}

	for _, spec := range it.Specs {
		pl := res.Placements[spec.InstanceID]
		if err := s.putInstance(pl.Instance); err != nil {
			s.abortMaterialize(hdr, it, gid, pl.InstanceID, rpc.StatusOf(err), nil)
			return
		}
	}

	launched := make(map[string]bool, len(it.Specs))
	for _, spec := range it.Specs {
		pl := res.Placements[spec.InstanceID]
		if err := s.createOnNode(pl, spec.Health); err != nil {
			st := rpc.StatusOf(err)
			s.logger.Warn().
				Str("instance_id", pl.InstanceID).
				Str("node_id", pl.NodeID).
				Str("reason", st.Message).
				Msg("agent create failed")
			s.abortMaterialize(hdr, it, gid, pl.InstanceID, st, launched)
			return
		}
		launched[pl.InstanceID] = true
		ins := pl.Instance
		ins.State = types.InstanceStateRunning
		ins.UpdatedAt = time.Now().UTC()
		if err := s.putInstance(ins); err != nil {
			s.logger.Warn().Err(err).Str("instance_id", ins.InstanceID).
				Msg("running state persist failed")
		}
		s.broker.Publish(&types.Event{
			Type:       types.EventInstancePlaced,
			Timestamp:  time.Now().UTC(),
			NodeID:     pl.NodeID,
			InstanceID: ins.InstanceID,
			GroupID:    gid,
		})
		metrics.InstancesTotal.WithLabelValues(string(types.InstanceStateRunning)).Inc()
	}

	frame := &rpc.NotifyFrame{Type: rpc.NotifyResult, RequestID: hdr.RequestID, Code: errcode.OK}
	if gid != "" {
		first := res.Placements[it.Specs[0].InstanceID]
		s.activateGroup(gid, first.NodeID)
		frame.GroupID = gid
	} else {
		frame.InstanceID = it.Specs[0].InstanceID
	}
	s.notify(hdr.ClientID, frame)
}

// abortMaterialize unwinds a partially materialized item. Members not
// yet created release their claim directly; members already running
// are left to the group cascade, which the FAILED group record
// triggers.
func (s *Server) abortMaterialize(hdr rpc.Header, it *sched.Item, gid, failedID string, st *errcode.Status, launched map[string]bool) {
	for _, spec := range it.Specs {
		if launched[spec.InstanceID] {
			continue
		}
		s.view.RemoveInstances([]string{spec.InstanceID})
		if _, err := s.store.Delete(s.ctx, metastore.InstanceKey(spec.InstanceID)); err != nil {
			s.logger.Warn().Err(err).Str("instance_id", spec.InstanceID).
				Msg("instance record delete failed")
		}
	}

	frame := &rpc.NotifyFrame{
		Type:      rpc.NotifyResult,
		RequestID: hdr.RequestID,
		Code:      st.Code,
		Message:   fmt.Sprintf("create %s failed: %s", failedID, st.Message),
	}
	if gid == "" {
		frame.InstanceID = failedID
		s.broker.Publish(&types.Event{
			Type:       types.EventInstanceFailed,
			Timestamp:  time.Now().UTC(),
			InstanceID: failedID,
			Message:    st.Message,
		})
	} else {
		frame.GroupID = gid
		s.failGroupRecord(gid, fmt.Sprintf("member %s create failed: %s", failedID, st.Message))
	}
	s.notify(hdr.ClientID, frame)
}

func (s *Server) createOnNode(pl *sched.Placement, health *types.HealthCheck) error {
	ctx, cancel := context.WithTimeout(s.ctx, agentCallTimeout)
	defer cancel()
	args := &rpc.AgentCreateArgs{Instance: pl.Instance, Health: health}
	var reply rpc.AgentCreateReply
	return s.nodes.callNode(ctx, pl.NodeID, "Agent.Create", args, &reply)
}

// evictVictims frees preempted instances: their claim leaves the view
// now, their record flips to EVICTING, and the shutdown signal goes
// out asynchronously. Their exit reports run the normal finish path.
func (s *Server) evictVictims(victims map[string]*types.Instance) {
	metrics.PreemptionsTotal.Inc()
	metrics.PreemptionVictims.Add(float64(len(victims)))

	ids := make([]string, 0, len(victims))
	for id := range victims {
		ids = append(ids, id)
	}
	s.view.RemoveInstances(ids)

	for _, v := range victims {
		v.State = types.InstanceStateEvicting
		v.UpdatedAt = time.Now().UTC()
		if err := s.putInstance(v); err != nil {
			s.logger.Warn().Err(err).Str("instance_id", v.InstanceID).
				Msg("evicting state persist failed")
		}
		s.logger.Info().
			Str("instance_id", v.InstanceID).
			Str("node_id", v.OwnerNode).
			Int32("priority", v.Options.Priority).
			Msg("instance preempted")
		go func(v *types.Instance) {
			ctx, cancel := context.WithTimeout(s.ctx, agentCallTimeout)
			defer cancel()
			args := &rpc.AgentSignalArgs{
				InstanceID: v.InstanceID,
				Signal:     types.SignalShutDown,
				Reason:     "preempted by higher priority demand",
			}
			var reply rpc.AgentSignalReply
			if err := s.nodes.callNode(ctx, v.OwnerNode, "Agent.Signal", args, &reply); err != nil {
				s.logger.Warn().Err(err).Str("instance_id", v.InstanceID).
					Msg("eviction signal failed")
			}
		}(v)
	}
}

// Metadata record helpers.

func (s *Server) putInstance(ins *types.Instance) error {
	raw, err := json.Marshal(ins)
	if err != nil {
		return errcode.Newf(errcode.InnerSystemError, "encode instance %s: %v", ins.InstanceID, err)
	}
	if _, err := s.store.Put(s.ctx, metastore.InstanceKey(ins.InstanceID), raw, metastore.PutOptions{}); err != nil {
		return errcode.Newf(errcode.MetaOperationError, "persist instance %s: %v", ins.InstanceID, err)
	}
	return nil
}

func (s *Server) putGroup(g *types.Group) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return errcode.Newf(errcode.InnerSystemError, "encode group %s: %v", g.GroupID, err)
	}
	if _, err := s.store.Put(s.ctx, metastore.GroupKey(g.GroupID), raw, metastore.PutOptions{}); err != nil {
		return errcode.Newf(errcode.MetaOperationError, "persist group %s: %v", g.GroupID, err)
	}
	return nil
}

// instanceRecord reads one instance record, nil when absent.
func (s *Server) instanceRecord(id string) *types.Instance {
	res, err := s.store.Get(s.ctx, metastore.InstanceKey(id), metastore.GetOptions{})
	if err != nil || len(res.KVs) == 0 {
		return nil
	}
	var ins types.Instance
	if err := json.Unmarshal(res.KVs[0].Value, &ins); err != nil {
		return nil
	}
	return &ins
}

// groupRecord reads one group record plus its revision, nil when
// absent.
func (s *Server) groupRecord(gid string) (*types.Group, int64) {
	res, err := s.store.Get(s.ctx, metastore.GroupKey(gid), metastore.GetOptions{})
	if err != nil || len(res.KVs) == 0 {
		return nil, 0
	}
	var g types.Group
	if err := json.Unmarshal(res.KVs[0].Value, &g); err != nil {
		return nil, 0
	}
	return &g, res.KVs[0].ModRevision
}

// activateGroup flips a SCHEDULING group to RUNNING behind its owner
// proxy. Lost CAS races mean the cascade got there first; the group
// stays failed then.
func (s *Server) activateGroup(gid, owner string) {
	for attempt := 0; attempt < 3; attempt++ {
		g, rev := s.groupRecord(gid)
		if g == nil || g.Status == types.GroupStateFailed {
			return
		}
		g.Status = types.GroupStateRunning
		g.OwnerProxy = owner
		raw, err := json.Marshal(g)
		if err != nil {
			return
		}
		if _, err := s.store.CAS(s.ctx, metastore.GroupKey(gid), raw, rev); err == nil {
			return
		}
	}
	s.logger.Warn().Str("group_id", gid).Msg("group activation lost every CAS attempt")
}

func (s *Server) failGroupRecord(gid, msg string) {
	for attempt := 0; attempt < 3; attempt++ {
		g, rev := s.groupRecord(gid)
		if g == nil || g.Status == types.GroupStateFailed {
			return
		}
		g.Status = types.GroupStateFailed
		g.Message = msg
		raw, err := json.Marshal(g)
		if err != nil {
			return
		}
		if _, err := s.store.CAS(s.ctx, metastore.GroupKey(gid), raw, rev); err == nil {
			return
		}
	}
	s.logger.Warn().Str("group_id", gid).Msg("group failure mark lost every CAS attempt")
}
