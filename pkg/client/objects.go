package client

import (
	"context"
	"sort"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/objectstore"
	"github.com/skein-sh/skein/pkg/rpc"
)

// remoteDatastore backs the local object store's spill tier with the
// cluster. Reads fetch through Object.Get; writes and deletes are
// no-ops because the authoritative copy already lives server-side.
type remoteDatastore struct {
	c *Client
}

func (d *remoteDatastore) Put(id string, data []byte) error { return nil }

func (d *remoteDatastore) Get(id string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.c.opts.CallTimeout)
	defer cancel()
	var reply rpc.ObjectGetReply
	if err := d.c.call(ctx, "Object.Get", &rpc.ObjectGetArgs{
		Header:    d.c.header(newRequestID()),
		ObjectIDs: []string{id},
	}, &reply); err != nil {
		return nil, err
	}
	data, ok := reply.Payloads[id]
	if !ok {
		return nil, errcode.Newf(errcode.ObjectNotFound, "object %s not found", id)
	}
	return data, nil
}

func (d *remoteDatastore) Delete(id string) error { return nil }
func (d *remoteDatastore) Close() error           { return nil }

// Put stores data as a new object owned by this client and returns
// its id. Nested ids stay referenced by the new object until it is
// released.
func (c *Client) Put(ctx context.Context, data []byte, nested []string) (string, error) {
	id := objectstore.GenerateKey("obj")
	if err := c.call(ctx, "Object.Put", &rpc.ObjectPutArgs{
		Header:   c.header(newRequestID()),
		ObjectID: id,
		Data:     data,
		Nested:   nested,
	}, &rpc.ObjectPutReply{}); err != nil {
		return "", err
	}
	// Mirror the payload so reads skip the round trip. Nested
	// accounting stays server-side.
	if err := c.objects.AddReturnObject(id); err == nil {
		if err := c.objects.Put(id, data, nil, false); err == nil {
			c.objects.SetReady(id)
		}
	}
	return id, nil
}

// Get returns the payloads of ids, waiting up to timeout for unsettled
// ones. Ids this client has adopted resolve locally; anything else
// fetches from the cluster.
func (c *Client) Get(ctx context.Context, ids []string, timeout time.Duration) (map[string][]byte, error) {
	if len(ids) == 0 {
		return nil, errcode.New(errcode.ParameterError, "object ids required")
	}
	if c.allLocal(ids) {
		return c.waits.Get(ids, timeout)
	}

	gctx := ctx
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, timeout+c.opts.CallTimeout)
		defer cancel()
	}
	var reply rpc.ObjectGetReply
	if err := c.call(gctx, "Object.Get", &rpc.ObjectGetArgs{
		Header:    c.header(newRequestID()),
		ObjectIDs: ids,
		TimeoutMs: timeout.Milliseconds(),
	}, &reply); err != nil {
		return nil, err
	}
	return reply.Payloads, nil
}

// Wait blocks until minReady of ids have settled or timeout passes and
// returns the ready and still-pending splits. minReady outside [1,n]
// means all of them.
func (c *Client) Wait(ctx context.Context, ids []string, minReady int, timeout time.Duration) (ready, pending []string, err error) {
	if len(ids) == 0 {
		return nil, nil, errcode.New(errcode.ParameterError, "object ids required")
	}
	if minReady < 1 || minReady > len(ids) {
		minReady = len(ids)
	}
	if c.allLocal(ids) {
		res := c.waits.Wait(ids, minReady, timeout)
		ready = append([]string(nil), res.Ready...)
		for id := range res.Errors {
			ready = append(ready, id)
		}
		sort.Strings(ready)
		return ready, res.Unready, nil
	}

	wctx := ctx
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout+c.opts.CallTimeout)
		defer cancel()
	}
	var reply rpc.ObjectWaitReply
	if err := c.call(wctx, "Object.Wait", &rpc.ObjectWaitArgs{
		Header:     c.header(newRequestID()),
		ObjectIDs:  ids,
		NumReturns: int32(minReady),
		TimeoutMs:  timeout.Milliseconds(),
	}, &reply); err != nil {
		return nil, nil, err
	}
	return reply.Ready, reply.Pending, nil
}

// IncRef pins ids under this client so they outlive their producer's
// interest.
func (c *Client) IncRef(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.call(ctx, "Object.IncRef", &rpc.ObjectRefArgs{
		Header:    c.header(newRequestID()),
		ObjectIDs: ids,
	}, &rpc.ObjectRefReply{})
}

// DecRef releases pins taken with IncRef.
func (c *Client) DecRef(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.call(ctx, "Object.DecRef", &rpc.ObjectRefArgs{
		Header:    c.header(newRequestID()),
		ObjectIDs: ids,
	}, &rpc.ObjectRefReply{})
}

// allLocal reports whether every id has been adopted into the local
// store.
func (c *Client) allLocal(ids []string) bool {
	for _, id := range ids {
		if c.objects.GlobalReference(id) <= 0 {
			return false
		}
	}
	return true
}
