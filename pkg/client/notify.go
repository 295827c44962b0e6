package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/objectstore"
	"github.com/skein-sh/skein/pkg/rpc"
)

// Handle registers fn for push frames of type t. Result frames are
// consumed internally; checkpoint, recover and signal frames reach
// the application here. The previous handler for t, if any, is
// replaced.
func (c *Client) Handle(t rpc.NotifyType, fn func(*rpc.NotifyFrame)) {
	c.mu.Lock()
	c.handlers[t] = fn
	c.mu.Unlock()
}

// notifyLoop keeps one push stream attached to the control plane,
// re-dialing with capped backoff whenever it drops. Server-side
// detach releases this client's remote references, so a reconnect
// only restores delivery, not state.
func (c *Client) notifyLoop() {
	defer c.wg.Done()

	backoff := c.opts.RetryBackoff
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		fc, err := c.attachNotify()
		if err != nil {
			select {
			case <-time.After(backoff):
			case <-c.stopCh:
				return
			}
			backoff *= 2
			if backoff > c.opts.MaxRetryBackoff {
				backoff = c.opts.MaxRetryBackoff
			}
			continue
		}
		backoff = c.opts.RetryBackoff
		c.logger.Debug().Msg("notify stream attached")

		for {
			f := &rpc.NotifyFrame{}
			if err := fc.ReadFrame(f); err != nil {
				break
			}
			c.dispatch(f)
		}

		c.mu.Lock()
		if c.notifyConn == fc {
			c.notifyConn = nil
		}
		c.mu.Unlock()
		fc.Close()
	}
}

// attachNotify opens the push stream at the first reachable server,
// leader first.
func (c *Client) attachNotify() (*rpc.FrameConn, error) {
	c.mu.Lock()
	addrs := c.dialOrder()
	c.mu.Unlock()

	var lastErr error
	for _, addr := range addrs {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		conn, err := rpc.Dial(ctx, addr, rpc.ConnStream)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		fc, err := rpc.OpenStream(conn, rpc.StreamMethodNotify, c.opts.ClientID)
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		c.mu.Lock()
		if c.finalized {
			c.mu.Unlock()
			fc.Close()
			return nil, errcode.New(errcode.Finalized, "client finalized")
		}
		c.notifyConn = fc
		c.mu.Unlock()
		return fc, nil
	}
	return nil, errcode.Newf(errcode.ConnectionClosed, "notify attach: %v", lastErr)
}

func (c *Client) dispatch(f *rpc.NotifyFrame) {
	if f.Type == rpc.NotifyResult {
		c.onResult(f)
		return
	}
	if f.Type == rpc.NotifyShutdown {
		c.logger.Info().Msg("server announced shutdown")
	}
	c.mu.Lock()
	h := c.handlers[f.Type]
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug().Stringer("type", f.Type).Str("instance_id", f.InstanceID).
			Msg("unhandled notify frame")
		return
	}
	h(f)
}

// onResult settles the request a completion frame belongs to, or
// resubmits it when the failure is transient and attempts remain.
func (c *Client) onResult(f *rpc.NotifyFrame) {
	p := c.reqs.get(f.RequestID)
	if p == nil {
		c.logger.Debug().Str("request_id", f.RequestID).Msg("result for unknown request")
		return
	}

	if f.Code.Retryable() && !c.isFinalized() {
		p.mu.Lock()
		p.attempts++
		n := p.attempts
		resubmit := p.submit
		p.mu.Unlock()
		if n <= c.opts.MaxRetries && resubmit != nil {
			delay := c.retryDelay(n)
			c.logger.Warn().Str("request_id", f.RequestID).Int32("code", int32(f.Code)).
				Int("attempt", n).Dur("delay", delay).Msg("request failed, resubmitting")
			time.AfterFunc(delay, func() {
				if c.isFinalized() {
					return
				}
				if err := resubmit(); err != nil {
					c.failPending(p, rpc.StatusOf(err))
				}
			})
			return
		}
	}

	if c.reqs.take(f.RequestID) == nil {
		// Finalize drained it first.
		return
	}
	p.resolve(c.buildResult(p, f))
}

func (c *Client) retryDelay(attempt int) time.Duration {
	d := c.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.opts.MaxRetryBackoff {
			return c.opts.MaxRetryBackoff
		}
	}
	return d
}

// failPending settles p with a local error when resubmission itself
// failed.
func (c *Client) failPending(p *Pending, st *errcode.Status) {
	if c.reqs.take(p.RequestID()) == nil {
		return
	}
	p.resolve(&Result{Code: st.Code, Message: st.Message})
}

// buildResult turns a completion frame into the caller-visible result
// and mirrors settled return objects into the local store.
func (c *Client) buildResult(p *Pending, f *rpc.NotifyFrame) *Result {
	res := &Result{
		Code:       f.Code,
		Message:    f.Message,
		InstanceID: f.InstanceID,
		GroupID:    f.GroupID,
		SeqNo:      f.SeqNo,
		ObjectIDs:  f.ObjectIDs,
		Payload:    f.Payload,
	}
	if !res.OK() {
		return res
	}

	switch p.kind {
	case kindCreate:
		c.trackOwned(f.InstanceID)
	case kindCreateGroup:
		members := p.InstanceIDs()
		c.trackOwned(members...)
		res.ObjectIDs = []string{c.groupHandleObject(f.GroupID, members)}
	case kindInvoke:
		c.adoptResultObjects(f)
	}
	return res
}

// groupHandleObject materializes a local object whose payload is the
// member id list, the handle a group create resolves to.
func (c *Client) groupHandleObject(groupID string, members []string) string {
	id := objectstore.GenerateKey("obj")
	payload, err := json.Marshal(members)
	if err != nil {
		payload = []byte("[]")
	}
	if err := c.objects.AddReturnObject(id); err != nil {
		c.logger.Warn().Err(err).Str("group_id", groupID).Msg("group handle registration failed")
		return id
	}
	if err := c.objects.Put(id, payload, nil, false); err != nil {
		c.objects.SetError(id, errcode.FromError(err))
		return id
	}
	c.objects.SetReady(id)
	return id
}

// adoptResultObjects mirrors an invoke's settled return objects. A
// single inlined payload is stored directly; anything else is marked
// remote so reads fetch through the cluster.
func (c *Client) adoptResultObjects(f *rpc.NotifyFrame) {
	inline := len(f.ObjectIDs) == 1 && f.Payload != nil
	for _, id := range f.ObjectIDs {
		if err := c.objects.AddReturnObject(id); err != nil {
			// Duplicate frame; the first delivery already adopted it.
			continue
		}
		var err error
		if inline {
			err = c.objects.Put(id, f.Payload, nil, false)
		} else {
			err = c.objects.Put(id, nil, nil, true)
		}
		if err != nil {
			c.objects.SetError(id, errcode.FromError(err))
			continue
		}
		c.objects.SetReady(id)
	}
}
