package agent

import (
	"context"
	"errors"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/rpc"
)

// runInvoke executes one forwarded invocation: resolve arg objects,
// hold the delivery gate for ordered calls, run the function, and
// report completion. It runs in its own goroutine; the endpoint
// acknowledged admission already.
func (a *Agent) runInvoke(args *rpc.AgentInvokeArgs) {
	timeout := a.cfg.InvokeTimeout
	if args.TimeoutMs > 0 {
		timeout = time.Duration(args.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(a.ctx, timeout)
	defer cancel()

	results, err := a.invoke(ctx, args)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = errcode.Newf(errcode.RequestTimeOut, "invoke %s on %s timed out after %s",
			args.Method, args.InstanceID, timeout)
	}
	a.invokeDone(args, results, err)
}

func (a *Agent) invoke(ctx context.Context, args *rpc.AgentInvokeArgs) (map[string][]byte, error) {
	if _, err := a.lookup(args.InstanceID); err != nil {
		return nil, err
	}

	var objects map[string][]byte
	if len(args.ArgObjectIDs) > 0 {
		var err error
		objects, err = a.getObjects(ctx, args.ArgObjectIDs, args.TimeoutMs)
		if err != nil {
			return nil, err
		}
	}

	payload, err := rpc.EncodeInvokeEnvelope(&rpc.InvokeEnvelope{
		Method:        args.Method,
		SeqNo:         args.SeqNo,
		Args:          args.Args,
		Objects:       objects,
		ReturnObjects: args.ReturnObjectIDs,
	})
	if err != nil {
		return nil, err
	}

	if args.NeedOrder {
		// The completion floor says everything below it finished; a
		// fresh delivery cursor resumes there instead of waiting for
		// sequences that will never be redelivered.
		a.seq.SkipTo(args.InstanceID, args.UnfinishedSeq)
		if err := a.seq.Acquire(ctx, args.InstanceID, args.SeqNo); err != nil {
			return nil, err
		}
		defer a.seq.Delivered(args.InstanceID, args.SeqNo)
	}

	response, err := a.rt.Invoke(ctx, args.InstanceID, args.Method, payload)
	if err != nil {
		return nil, err
	}

	return rpc.SplitInvokeResults(args.ReturnObjectIDs, response)
}

// getObjects fetches arg object payloads from the control plane.
func (a *Agent) getObjects(ctx context.Context, ids []string, timeoutMs int64) (map[string][]byte, error) {
	u := a.currentUpstream()
	if u == nil {
		return nil, errcode.New(errcode.ConnectionClosed, "not connected to control plane")
	}
	args := &rpc.ObjectGetArgs{ObjectIDs: ids, TimeoutMs: timeoutMs}
	var reply rpc.ObjectGetReply
	if err := u.Call(ctx, "Object.Get", args, &reply); err != nil {
		return nil, err
	}
	return reply.Payloads, nil
}

// invokeDone reports one completed invocation, success or not.
func (a *Agent) invokeDone(args *rpc.AgentInvokeArgs, results map[string][]byte, invokeErr error) {
	done := &rpc.InstanceInvokeDoneArgs{
		Header:     args.Header,
		InstanceID: args.InstanceID,
		SeqNo:      args.SeqNo,
		Results:    results,
		Status:     rpc.StatusOf(invokeErr),
	}
	var reply rpc.InstanceInvokeDoneReply
	if err := a.call("Instance.InvokeDone", done, &reply); err != nil {
		a.logger.Warn().Err(err).Str("instance_id", args.InstanceID).
			Str("request_id", args.RequestID).Msg("completion report failed")
	}
}
