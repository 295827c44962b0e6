package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/metastore"
	"github.com/skein-sh/skein/pkg/metrics"
	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/types"
)

// inflight is one admitted invocation awaiting its completion report.
type inflight struct {
	hdr  rpc.Header
	seq  int64
	rids []string
}

// returnIndex tracks admitted invocations until their InvokeDone
// arrives, keyed by instance and sequence. The request-id index
// absorbs client retries of an admission whose reply got lost: the
// retry is answered with the original sequence instead of running the
// function twice.
type returnIndex struct {
	mu         sync.Mutex
	byInstance map[string]map[int64]*inflight
	byRequest  map[string]*inflight
}

func newReturnIndex() *returnIndex {
	return &returnIndex{
		byInstance: make(map[string]map[int64]*inflight),
		byRequest:  make(map[string]*inflight),
	}
}

func (x *returnIndex) add(instanceID string, fl *inflight) {
	x.mu.Lock()
	seqs := x.byInstance[instanceID]
	if seqs == nil {
		seqs = make(map[int64]*inflight)
		x.byInstance[instanceID] = seqs
	}
	seqs[fl.seq] = fl
	if fl.hdr.RequestID != "" {
		x.byRequest[fl.hdr.RequestID] = fl
	}
	x.mu.Unlock()
}

func (x *returnIndex) seqFor(requestID string) (int64, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	fl, ok := x.byRequest[requestID]
	if !ok {
		return 0, false
	}
	return fl.seq, true
}

// take removes and returns one inflight entry; the second call for the
// same sequence returns nil.
func (x *returnIndex) take(instanceID string, seq int64) *inflight {
	x.mu.Lock()
	defer x.mu.Unlock()
	seqs := x.byInstance[instanceID]
	fl := seqs[seq]
	if fl == nil {
		return nil
	}
	delete(seqs, seq)
	if len(seqs) == 0 {
		delete(x.byInstance, instanceID)
	}
	delete(x.byRequest, fl.hdr.RequestID)
	return fl
}

// dropInstance removes every inflight entry of a dead instance.
func (x *returnIndex) dropInstance(instanceID string) []*inflight {
	x.mu.Lock()
	defer x.mu.Unlock()
	seqs := x.byInstance[instanceID]
	if len(seqs) == 0 {
		delete(x.byInstance, instanceID)
		return nil
	}
	out := make([]*inflight, 0, len(seqs))
	for _, fl := range seqs {
		out = append(out, fl)
		delete(x.byRequest, fl.hdr.RequestID)
	}
	delete(x.byInstance, instanceID)
	return out
}

// instanceInvoke admits an invocation: sequence assignment, return
// object registration, and an async forward to the owner agent. The
// reply carries the sequence synchronously; results land in the return
// objects and a NotifyResult frame follows.
func (s *Server) instanceInvoke(args *rpc.InstanceInvokeArgs, reply *rpc.InstanceInvokeReply) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	if args.RequestID != "" {
		if seq, ok := s.returns.seqFor(args.RequestID); ok {
			reply.SeqNo = seq
			return nil
		}
	}
	fillHeader(&args.Header)

	ins := s.instanceRecord(args.InstanceID)
	if ins == nil {
		if _, ok := s.creates.requestFor(args.InstanceID); ok {
			return errcode.Newf(errcode.InstanceStateConflict, "instance %s is still scheduling", args.InstanceID)
		}
		return errcode.Newf(errcode.InstanceNotFound, "instance %s not found", args.InstanceID)
	}
	if ins.State != types.InstanceStateRunning {
		return errcode.Newf(errcode.InstanceStateConflict, "instance %s is %s", args.InstanceID, ins.State)
	}

	seq := s.order.NextSeq(args.InstanceID)
	floor := s.order.UnfinishedSeq(args.InstanceID)

	for _, rid := range args.ReturnObjectIDs {
		// A fresh id registers; a retried one is already there.
		if err := s.objects.AddReturnObject(rid); err == nil {
			if args.ClientID != "" {
				s.objects.IncreaseGlobalReferenceRemote([]string{rid}, args.ClientID)
			}
		}
		if err := s.objects.BindInstance(rid, args.InstanceID); err != nil {
			s.logger.Debug().Err(err).Str("object_id", rid).Msg("instance bind skipped")
		}
		if err := s.objects.SetSeqIndex(rid, seq); err != nil {
			s.logger.Debug().Err(err).Str("object_id", rid).Msg("seq index skipped")
		}
	}
	s.returns.add(args.InstanceID, &inflight{
		hdr:  args.Header,
		seq:  seq,
		rids: append([]string(nil), args.ReturnObjectIDs...),
	})

	go s.forwardInvoke(args, ins, seq, floor)
	reply.SeqNo = seq
	return nil
}

func (s *Server) forwardInvoke(args *rpc.InstanceInvokeArgs, ins *types.Instance, seq, floor int64) {
	ctx, cancel := context.WithTimeout(s.ctx, agentCallTimeout)
	defer cancel()

	fwd := &rpc.AgentInvokeArgs{
		Header:          args.Header,
		InstanceID:      args.InstanceID,
		SeqNo:           seq,
		Method:          args.Method,
		Args:            args.Args,
		ArgObjectIDs:    args.ArgObjectIDs,
		ReturnObjectIDs: args.ReturnObjectIDs,
		NeedOrder:       args.NeedOrder,
		TimeoutMs:       args.TimeoutMs,
		UnfinishedSeq:   floor,
	}
	var reply rpc.AgentInvokeReply
	if err := s.nodes.callNode(ctx, ins.OwnerNode, "Agent.Invoke", fwd, &reply); err != nil {
		st := rpc.StatusOf(err)
		s.logger.Warn().
			Str("instance_id", args.InstanceID).
			Int64("seq", seq).
			Str("reason", st.Message).
			Msg("invoke forward failed")
		s.completeInvoke(args.InstanceID, seq, nil, st)
	}
}

// completeInvoke is the single completion path for an invocation,
// whether the report came from the agent, a forward failure, or an
// instance death. It settles the return objects, advances the ordering
// floor, and notifies the requester.
func (s *Server) completeInvoke(instanceID string, seq int64, results map[string][]byte, st *errcode.Status) {
	fl := s.returns.take(instanceID, seq)
	if fl == nil {
		// Already settled, or an invoke admitted by a previous leader.
		s.order.Complete(instanceID, seq)
		return
	}
	if st == nil {
		st = &errcode.Status{Code: errcode.OK}
	}

	if st.Code == errcode.OK {
		for _, rid := range fl.rids {
			payload, ok := results[rid]
			if !ok {
				s.objects.SetError(rid, errcode.Newf(errcode.ObjectError, "no result produced for %s", rid))
				continue
			}
			if err := s.objects.Put(rid, payload, nil, false); err != nil {
				s.logger.Warn().Err(err).Str("object_id", rid).Msg("result store failed")
			}
			if err := s.objects.SetReady(rid); err != nil {
				s.logger.Debug().Err(err).Str("object_id", rid).Msg("ready transition skipped")
			}
		}
	} else {
		for _, rid := range fl.rids {
			s.objects.SetError(rid, st)
		}
	}
	s.order.Complete(instanceID, seq)

	// The admission reference is done once results are settled; the
	// requester's remote reference keeps them alive for fetching.
	s.objects.DecreaseGlobalReference(fl.rids)
	total, unready := s.objects.Counts()
	metrics.ObjectsTotal.Set(float64(total))
	metrics.ObjectsUnready.Set(float64(unready))

	frame := &rpc.NotifyFrame{
		Type:       rpc.NotifyResult,
		RequestID:  fl.hdr.RequestID,
		InstanceID: instanceID,
		SeqNo:      seq,
		Code:       st.Code,
		Message:    st.Message,
		ObjectIDs:  fl.rids,
	}
	if st.Code == errcode.OK && len(fl.rids) == 1 {
		frame.Payload = results[fl.rids[0]]
	}
	s.notify(fl.hdr.ClientID, frame)
}

// instanceInvokeDone handles the owner agent's completion report.
func (s *Server) instanceInvokeDone(args *rpc.InstanceInvokeDoneArgs) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	s.completeInvoke(args.InstanceID, args.SeqNo, args.Results, args.Status)
	return nil
}

// instanceState handles a state transition reported by the owner
// agent. Terminal states run the exit path; the rest fold sub-health
// into the record.
func (s *Server) instanceState(args *rpc.InstanceStateArgs) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	ins := s.instanceRecord(args.InstanceID)
	if ins == nil {
		return nil
	}
	if args.State.Terminal() {
		s.finishInstance(ins, args.State, args.Message)
		return nil
	}
	if ins.SubHealthy != args.SubHealthy || ins.SubMsg != args.SubMsg {
		ins.SubHealthy = args.SubHealthy
		ins.SubMsg = args.SubMsg
		ins.UpdatedAt = time.Now().UTC()
		if err := s.putInstance(ins); err != nil {
			s.logger.Warn().Err(err).Str("instance_id", ins.InstanceID).
				Msg("sub-health persist failed")
		}
	}
	return nil
}

// finishInstance retires an instance: its claim leaves the view, its
// pending invocations fail over to their waiters, and its record
// leaves the store. A FATAL transition persists before the delete so
// the group watch sees the failure and cascades.
func (s *Server) finishInstance(ins *types.Instance, state types.InstanceState, msg string) {
	s.view.RemoveInstances([]string{ins.InstanceID})
	s.order.Drop(ins.InstanceID)
	s.creates.drop(ins.InstanceID)

	for _, fl := range s.returns.dropInstance(ins.InstanceID) {
		st := errcode.Newf(errcode.ObjectError, "instance %s gone before invoke %d completed", ins.InstanceID, fl.seq)
		for _, rid := range fl.rids {
			s.objects.SetError(rid, st)
		}
		s.objects.DecreaseGlobalReference(fl.rids)
		s.notify(fl.hdr.ClientID, &rpc.NotifyFrame{
			Type:       rpc.NotifyResult,
			RequestID:  fl.hdr.RequestID,
			InstanceID: ins.InstanceID,
			SeqNo:      fl.seq,
			Code:       st.Code,
			Message:    st.Message,
			ObjectIDs:  fl.rids,
		})
	}

	eventType := types.EventInstanceExited
	if state == types.InstanceStateFatal {
		eventType = types.EventInstanceFailed
		ins.State = types.InstanceStateFatal
		ins.UpdatedAt = time.Now().UTC()
		if err := s.putInstance(ins); err != nil {
			s.logger.Warn().Err(err).Str("instance_id", ins.InstanceID).
				Msg("fatal state persist failed")
		}
	}
	if _, err := s.store.Delete(s.ctx, metastore.InstanceKey(ins.InstanceID)); err != nil {
		s.logger.Warn().Err(err).Str("instance_id", ins.InstanceID).
			Msg("instance record delete failed")
	}

	s.logger.Info().
		Str("instance_id", ins.InstanceID).
		Str("state", string(state)).
		Str("reason", msg).
		Msg("instance finished")
	s.broker.Publish(&types.Event{
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		NodeID:     ins.OwnerNode,
		InstanceID: ins.InstanceID,
		GroupID:    ins.GroupID,
		Message:    msg,
	})
	metrics.InstancesTotal.WithLabelValues(string(types.InstanceStateRunning)).Dec()
	s.scheduler.Kick()
}

// instanceKill routes a kill request: whole groups go through the
// group manager, queued creates are cancelled, live instances get the
// signal over the owner's session.
func (s *Server) instanceKill(args *rpc.InstanceKillArgs, reply *rpc.InstanceKillReply) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	if args.GroupID != "" {
		return s.killGroup(args)
	}
	if args.Signal == types.SignalKillAllInstances {
		return s.killAll(args)
	}
	if args.InstanceID == "" {
		return errcode.New(errcode.ParameterError, "instance id or group id required")
	}

	ins := s.instanceRecord(args.InstanceID)
	if ins == nil {
		if reqID, ok := s.creates.requestFor(args.InstanceID); ok {
			if s.scheduler.Cancel(reqID) {
				return nil
			}
			// Lost the race against placement; re-read.
			ins = s.instanceRecord(args.InstanceID)
		}
		if ins == nil {
			return errcode.Newf(errcode.InstanceNotFound, "instance %s not found", args.InstanceID)
		}
	}

	sig := args.Signal
	if sig == 0 {
		sig = types.SignalShutDown
	}
	ctx, cancel := context.WithTimeout(s.ctx, killTimeout(args.TimeoutMs))
	defer cancel()

	sargs := &rpc.AgentSignalArgs{
		Header:     args.Header,
		InstanceID: args.InstanceID,
		Signal:     sig,
		Reason:     "kill requested",
	}
	var sreply rpc.AgentSignalReply
	if err := s.nodes.callNode(ctx, ins.OwnerNode, "Agent.Signal", sargs, &sreply); err != nil {
		return rpc.StatusOf(err)
	}
	if sreply.Handle != "" {
		reply.Handles = map[string]string{args.InstanceID: sreply.Handle}
	}
	if sig == types.SignalKillInstanceSync {
		return s.waitInstanceGone(ctx, args.InstanceID)
	}
	return nil
}

func (s *Server) killGroup(args *rpc.InstanceKillArgs) error {
	ctx, cancel := context.WithTimeout(s.ctx, killTimeout(args.TimeoutMs))
	defer cancel()
	err := s.groups.KillGroup(ctx, args.GroupID)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.GroupKillsTotal.WithLabelValues(result).Inc()
	return err
}

func (s *Server) killAll(args *rpc.InstanceKillArgs) error {
	ctx, cancel := context.WithTimeout(s.ctx, killTimeout(args.TimeoutMs))
	defer cancel()
	var firstErr error
	for _, nodeID := range s.nodes.nodeIDs() {
		sargs := &rpc.AgentSignalArgs{
			Header: args.Header,
			Signal: types.SignalKillAllInstances,
			Reason: "kill all requested",
		}
		var sreply rpc.AgentSignalReply
		if err := s.nodes.callNode(ctx, nodeID, "Agent.Signal", sargs, &sreply); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return rpc.StatusOf(firstErr)
	}
	return nil
}

// waitInstanceGone polls until the record disappears, for synchronous
// kills.
func (s *Server) waitInstanceGone(ctx context.Context, instanceID string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.instanceRecord(instanceID) == nil {
				return nil
			}
		case <-ctx.Done():
			return errcode.Newf(errcode.RequestTimeOut, "instance %s still draining", instanceID)
		}
	}
}

func killTimeout(ms int64) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return agentCallTimeout
}

// instanceCancel aborts a request still sitting in the schedule queue.
func (s *Server) instanceCancel(args *rpc.InstanceCancelArgs, reply *rpc.InstanceCancelReply) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	if args.TargetRequestID == "" {
		return errcode.New(errcode.ParameterError, "target request id required")
	}
	reply.Cancelled = s.scheduler.Cancel(args.TargetRequestID)
	return nil
}

// namedInstances lists persisted instances carrying a name, optionally
// filtered to one exact name.
func (s *Server) namedInstances(name string) ([]*types.Instance, error) {
	res, err := s.store.Get(s.ctx, metastore.PrefixInstance, metastore.GetOptions{Prefix: true})
	if err != nil {
		return nil, errcode.Newf(errcode.MetaOperationError, "instance scan: %v", err)
	}
	var out []*types.Instance
	for _, kv := range res.KVs {
		var ins types.Instance
		if err := json.Unmarshal(kv.Value, &ins); err != nil {
			continue
		}
		if ins.Name == "" {
			continue
		}
		if name != "" && ins.Name != name {
			continue
		}
		cp := ins
		out = append(out, &cp)
	}
	return out, nil
}
