package agent

import (
	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/types"
)

// Endpoint is the Agent RPC service the control plane calls over the
// reverse session.
type Endpoint struct {
	a *Agent
}

// Create materializes and starts an instance on this node. The reply
// means the instance is running; failures carry the coded reason.
func (e *Endpoint) Create(args *rpc.AgentCreateArgs, reply *rpc.AgentCreateReply) error {
	return e.a.createInstance(args.Instance, args.Health)
}

// Signal delivers one signal to a hosted instance.
func (e *Endpoint) Signal(args *rpc.AgentSignalArgs, reply *rpc.AgentSignalReply) error {
	if args.Signal == types.SignalKillAllInstances {
		e.a.killAll(types.SignalShutDown, args.Reason)
		return nil
	}
	handle, err := e.a.signalInstance(args.InstanceID, args.Signal, args.Reason)
	if err != nil {
		return err
	}
	reply.Handle = handle
	return nil
}

// Invoke admits one invocation for execution. Completion is reported
// through Instance.InvokeDone, not this reply.
func (e *Endpoint) Invoke(args *rpc.AgentInvokeArgs, reply *rpc.AgentInvokeReply) error {
	if _, err := e.a.lookup(args.InstanceID); err != nil {
		return err
	}
	cp := *args
	go e.a.runInvoke(&cp)
	return nil
}

// ClearGroup kills every hosted member of the group and names them.
func (e *Endpoint) ClearGroup(args *rpc.AgentClearGroupArgs, reply *rpc.AgentClearGroupReply) error {
	reply.Killed = e.a.clearGroup(args.GroupID, args.Signal)
	return nil
}

// Ping answers the control plane's liveness probe.
func (e *Endpoint) Ping(args *rpc.AgentPingArgs, reply *rpc.AgentPingReply) error {
	return nil
}
