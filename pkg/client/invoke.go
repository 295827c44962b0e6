package client

import (
	"context"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/objectstore"
	"github.com/skein-sh/skein/pkg/rpc"
)

// InvokeOptions tunes one invocation.
type InvokeOptions struct {
	// ArgObjects name stored objects whose payloads the owner node
	// resolves into the call alongside Args.
	ArgObjects []string

	// Returns is how many return objects the call produces, 1 when
	// zero.
	Returns int

	// Ordered serializes this call after every earlier ordered call
	// on the same instance.
	Ordered bool

	// TimeoutMs bounds execution on the instance; zero means the
	// node's default.
	TimeoutMs int64
}

// Invoke submits method on an instance. The Pending resolves once the
// call completes; its result lists the settled return object ids, with
// a single payload inlined.
func (c *Client) Invoke(ctx context.Context, instanceID, method string, args []byte, opts InvokeOptions) (*Pending, error) {
	if c.isFinalized() {
		return nil, errcode.New(errcode.Finalized, "client finalized")
	}
	if instanceID == "" {
		return nil, errcode.New(errcode.ParameterError, "instance id required")
	}
	if method == "" {
		return nil, errcode.New(errcode.ParameterError, "method required")
	}
	returns := opts.Returns
	if returns <= 0 {
		returns = 1
	}

	requestID := newRequestID()
	p := newPending(requestID, kindInvoke)
	submit := func(ctx context.Context) error {
		// Fresh return ids each attempt: a failed attempt settles its
		// ids with the failure server-side, so a resubmission cannot
		// reuse them. The ids the caller sees ride in the result.
		rids := make([]string, returns)
		for i := range rids {
			rids[i] = objectstore.GenerateKey("obj")
		}
		var reply rpc.InstanceInvokeReply
		if err := c.call(ctx, "Instance.Invoke", &rpc.InstanceInvokeArgs{
			Header:          c.header(requestID),
			InstanceID:      instanceID,
			Method:          method,
			Args:            args,
			ArgObjectIDs:    opts.ArgObjects,
			ReturnObjectIDs: rids,
			NeedOrder:       opts.Ordered,
			TimeoutMs:       opts.TimeoutMs,
		}, &reply); err != nil {
			return err
		}
		p.noteSeq(reply.SeqNo)
		return nil
	}
	p.submit = c.background(submit)
	c.reqs.add(p)
	if err := submit(ctx); err != nil {
		c.reqs.take(requestID)
		return nil, err
	}
	return p, nil
}

// InvokeGroup fans method out to every member, splitting totalReturns
// return objects across them: an even share each, the remainder spread
// over the first members. Pendings come back in member order.
func (c *Client) InvokeGroup(ctx context.Context, memberIDs []string, method string, args []byte, totalReturns int, opts InvokeOptions) ([]*Pending, error) {
	if len(memberIDs) == 0 {
		return nil, errcode.New(errcode.ParameterError, "group has no members")
	}
	if totalReturns < len(memberIDs) {
		return nil, errcode.Newf(errcode.ParameterError,
			"%d return objects cannot cover %d members", totalReturns, len(memberIDs))
	}

	base := totalReturns / len(memberIDs)
	extra := totalReturns % len(memberIDs)
	pendings := make([]*Pending, 0, len(memberIDs))
	for i, id := range memberIDs {
		o := opts
		o.Returns = base
		if i < extra {
			o.Returns++
		}
		p, err := c.Invoke(ctx, id, method, args, o)
		if err != nil {
			return pendings, err
		}
		pendings = append(pendings, p)
	}
	return pendings, nil
}
