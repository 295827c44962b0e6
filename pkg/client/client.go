package client

import (
	"context"
	netrpc "net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/objectstore"
	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/types"
)

const (
	defaultDialTimeout     = 5 * time.Second
	defaultCallTimeout     = 30 * time.Second
	defaultMaxRetries      = 3
	defaultRetryBackoff    = 200 * time.Millisecond
	defaultMaxRetryBackoff = 2 * time.Second
)

// Options configures a client.
type Options struct {
	// Servers are control plane addresses to try in order. The client
	// follows leader redirects away from this seed list.
	Servers []string

	// ClientID names this process to the cluster. Return objects are
	// reference-counted under it and the notify stream attaches with
	// it. Generated when empty.
	ClientID string

	DialTimeout time.Duration
	CallTimeout time.Duration

	// MaxRetries bounds transparent retries of one request: transport
	// failures on submission and retryable completion codes both
	// consume attempts. Backoff doubles from RetryBackoff up to
	// MaxRetryBackoff, and the connection is reset between attempts.
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ClientID == "" {
		out.ClientID = "cli-" + uuid.New().String()
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = defaultDialTimeout
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = defaultCallTimeout
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = defaultMaxRetries
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = defaultRetryBackoff
	}
	if out.MaxRetryBackoff <= 0 {
		out.MaxRetryBackoff = defaultMaxRetryBackoff
	}
	return out
}

// Client is the in-process invocation runtime: it submits creates,
// invokes and kills to the control plane, correlates the notify stream
// back to request promises, and mirrors settled return objects in a
// local store with the cluster as the fetch-through tier.
type Client struct {
	opts   Options
	logger zerolog.Logger

	objects *objectstore.Store
	waits   *objectstore.WaitManager
	reqs    *requestManager

	mu         sync.Mutex
	rpc        *netrpc.Client
	addr       string
	preferred  string
	owned      map[string]struct{}
	handlers   map[rpc.NotifyType]func(*rpc.NotifyFrame)
	notifyConn *rpc.FrameConn
	finalized  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a client and starts its notify loop. The first RPC dials
// lazily; Finalize releases everything.
func New(opts Options) (*Client, error) {
	if len(opts.Servers) == 0 {
		return nil, errcode.New(errcode.ParameterError, "client needs server addresses")
	}
	c := &Client{
		opts:     opts.withDefaults(),
		owned:    make(map[string]struct{}),
		handlers: make(map[rpc.NotifyType]func(*rpc.NotifyFrame)),
		reqs:     newRequestManager(),
		stopCh:   make(chan struct{}),
	}
	c.logger = log.WithComponent("client").With().Str("client_id", c.opts.ClientID).Logger()
	c.objects = objectstore.NewStore(&remoteDatastore{c: c})
	c.waits = objectstore.NewWaitManager(c.objects, nil)

	c.wg.Add(1)
	go c.notifyLoop()
	return c, nil
}

// ClientID returns the id this client is known to the cluster by.
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

func (c *Client) header(requestID string) rpc.Header {
	return rpc.Header{
		RequestID: requestID,
		TraceID:   "trc-" + uuid.New().String(),
		ClientID:  c.opts.ClientID,
	}
}

func newRequestID() string {
	return "req-" + uuid.New().String()
}

// session returns the current RPC session, dialing one when absent.
func (c *Client) session(ctx context.Context) (*netrpc.Client, error) {
	c.mu.Lock()
	if c.rpc != nil {
		cli := c.rpc
		c.mu.Unlock()
		return cli, nil
	}
	addrs := c.dialOrder()
	c.mu.Unlock()

	var lastErr error
	for _, addr := range addrs {
		dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		conn, err := rpc.Dial(dctx, addr, rpc.ConnDirect)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		cli := netrpc.NewClientWithCodec(rpc.NewClientCodec(conn))
		c.mu.Lock()
		if c.rpc != nil {
			// Raced with another dial; keep the winner.
			winner := c.rpc
			c.mu.Unlock()
			cli.Close()
			return winner, nil
		}
		c.rpc = cli
		c.addr = addr
		c.mu.Unlock()
		c.logger.Debug().Str("addr", addr).Msg("session established")
		return cli, nil
	}
	return nil, errcode.Newf(errcode.ConnectionClosed, "no reachable server: %v", lastErr)
}

// dialOrder puts the last known leader ahead of the seed list.
func (c *Client) dialOrder() []string {
	out := make([]string, 0, len(c.opts.Servers)+1)
	if c.preferred != "" {
		out = append(out, c.preferred)
	}
	for _, a := range c.opts.Servers {
		if a != c.preferred {
			out = append(out, a)
		}
	}
	return out
}

// dropSession discards a failed session so the next call redials.
func (c *Client) dropSession(cli *netrpc.Client) {
	c.mu.Lock()
	if c.rpc == cli {
		c.rpc = nil
		c.addr = ""
	}
	c.mu.Unlock()
	cli.Close()
}

// redirect records the leader's address and resets the session toward
// it. The notify stream is kicked too so push delivery follows the
// leader.
func (c *Client) redirect(addr string) {
	c.mu.Lock()
	moved := c.preferred != addr
	c.preferred = addr
	cli := c.rpc
	c.rpc = nil
	c.addr = ""
	var nc *rpc.FrameConn
	if moved {
		nc = c.notifyConn
		c.notifyConn = nil
	}
	c.mu.Unlock()
	if cli != nil {
		cli.Close()
	}
	if nc != nil {
		nc.Close()
	}
	c.logger.Info().Str("leader", addr).Msg("following leader redirect")
}

// call issues one RPC with the retry policy: leader redirects redial
// the hinted address, retryable failures reset the connection and back
// off, coded server errors return as-is.
func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	backoff := c.opts.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return errcode.Newf(errcode.RequestTimeOut, "%s: %v", method, ctx.Err())
			}
			backoff *= 2
			if backoff > c.opts.MaxRetryBackoff {
				backoff = c.opts.MaxRetryBackoff
			}
		}

		cli, err := c.session(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		err = c.do(ctx, cli, method, args, reply)
		if err == nil {
			return nil
		}
		st := rpc.StatusOf(err)
		if st.Code == errcode.NotLeader {
			if hint, ok := rpc.LeaderHint(err); ok {
				c.redirect(hint)
			} else {
				c.dropSession(cli)
			}
			lastErr = st
			continue
		}
		if st.Code.Retryable() {
			c.logger.Warn().Str("method", method).Int32("code", int32(st.Code)).
				Int("attempt", attempt+1).Msg("call failed, resetting connection")
			c.dropSession(cli)
			lastErr = st
			continue
		}
		return st
	}
	return rpc.StatusOf(lastErr)
}

func (c *Client) do(ctx context.Context, cli *netrpc.Client, method string, args, reply interface{}) error {
	call := cli.Go(method, args, reply, make(chan *netrpc.Call, 1))
	select {
	case done := <-call.Done:
		return done.Error
	case <-ctx.Done():
		return errcode.Newf(errcode.RequestTimeOut, "%s: %v", method, ctx.Err())
	}
}

func (c *Client) isFinalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

func (c *Client) trackOwned(ids ...string) {
	c.mu.Lock()
	for _, id := range ids {
		if id != "" {
			c.owned[id] = struct{}{}
		}
	}
	c.mu.Unlock()
}

func (c *Client) dropOwned(ids ...string) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.owned, id)
	}
	c.mu.Unlock()
}

// OwnedInstances lists the instances created through this client that
// it has not killed yet.
func (c *Client) OwnedInstances() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.owned))
	for id := range c.owned {
		out = append(out, id)
	}
	return out
}

// Release drops local ownership of the given instances so Finalize
// leaves them running. Use it to hand an instance off to another
// owner or to keep it alive past this client's lifetime.
func (c *Client) Release(instanceIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range instanceIDs {
		delete(c.owned, id)
	}
}

// QueryNamed lists persisted named instances, all of them when name is
// empty.
func (c *Client) QueryNamed(ctx context.Context, name string) ([]*types.Instance, error) {
	var reply rpc.InstanceQueryNamedReply
	err := c.call(ctx, "Instance.QueryNamed", &rpc.InstanceQueryNamedArgs{
		Header: c.header(newRequestID()),
		Name:   name,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Instances, nil
}

// Groups lists the live groups with their cached member records.
func (c *Client) Groups(ctx context.Context) ([]rpc.GroupStatus, error) {
	var reply rpc.GroupQueryReply
	err := c.call(ctx, "Instance.QueryGroups", &rpc.GroupQueryArgs{
		Header: c.header(newRequestID()),
	}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Groups, nil
}

// Resources returns the cluster resource snapshot with queue depths.
func (c *Client) Resources(ctx context.Context) (*rpc.ResourceQueryReply, error) {
	var reply rpc.ResourceQueryReply
	if err := c.call(ctx, "Resource.Query", &rpc.ResourceQueryArgs{}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Leader returns the advertised address of the current leader.
func (c *Client) Leader(ctx context.Context) (string, error) {
	var reply rpc.ClusterLeaderReply
	if err := c.call(ctx, "Cluster.Leader", &rpc.ClusterLeaderArgs{}, &reply); err != nil {
		return "", err
	}
	return reply.Leader, nil
}

// CreateResourceGroup defines a named resource partition.
func (c *Client) CreateResourceGroup(ctx context.Context, rg types.ResourceGroup) error {
	return c.call(ctx, "Resource.CreateRGroup", &rpc.RGroupCreateArgs{Group: rg}, &rpc.RGroupCreateReply{})
}

// RemoveResourceGroup deletes a resource partition; refused while
// placements occupy it.
func (c *Client) RemoveResourceGroup(ctx context.Context, name string) error {
	return c.call(ctx, "Resource.RemoveRGroup", &rpc.RGroupRemoveArgs{Name: name}, &rpc.RGroupRemoveReply{})
}

// QueryResourceGroup reports partitions and their usage, all of them
// when name is empty.
func (c *Client) QueryResourceGroup(ctx context.Context, name string) ([]rpc.RGroupStatus, error) {
	var reply rpc.RGroupQueryReply
	if err := c.call(ctx, "Resource.QueryRGroup", &rpc.RGroupQueryArgs{Name: name}, &reply); err != nil {
		return nil, err
	}
	return reply.Groups, nil
}

// Finalize shuts the client down: fails outstanding request waiters,
// kills every instance it still owns, and closes the connections. Safe
// to call more than once.
func (c *Client) Finalize() error {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return nil
	}
	c.finalized = true
	owned := make([]string, 0, len(c.owned))
	for id := range c.owned {
		owned = append(owned, id)
	}
	c.owned = make(map[string]struct{})
	c.mu.Unlock()

	close(c.stopCh)

	for _, p := range c.reqs.drain() {
		p.resolve(&Result{Code: errcode.Finalized, Message: "client finalized"})
	}

	var mErr multierror.Error
	for _, id := range owned {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		err := c.call(ctx, "Instance.Kill", &rpc.InstanceKillArgs{
			Header:     c.header(newRequestID()),
			InstanceID: id,
		}, &rpc.InstanceKillReply{})
		cancel()
		if err != nil && !errcode.Is(err, errcode.InstanceNotFound) {
			c.logger.Warn().Err(err).Str("instance_id", id).Msg("finalize kill failed")
			mErr.Errors = append(mErr.Errors, err)
		}
	}

	c.mu.Lock()
	cli := c.rpc
	c.rpc = nil
	nc := c.notifyConn
	c.notifyConn = nil
	c.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	if cli != nil {
		cli.Close()
	}
	c.wg.Wait()
	return mErr.ErrorOrNil()
}

// Close is Finalize.
func (c *Client) Close() error {
	return c.Finalize()
}
