package agent

import (
	"context"
	netrpc "net/rpc"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/ordering"
	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/runtime"
	"github.com/skein-sh/skein/pkg/types"
)

const (
	defaultHeartbeat     = 3 * time.Second
	defaultKillGrace     = 10 * time.Second
	defaultInvokeTimeout = 30 * time.Second
	reconnectWait        = time.Second
	callTimeout          = 5 * time.Second
)

// Upstream performs RPCs against the control plane. The production
// implementation opens a stream per call on the agent's multiplexed
// server session; tests inject their own.
type Upstream interface {
	Call(ctx context.Context, method string, args, reply interface{}) error
	Close() error
}

// Config configures an agent.
type Config struct {
	NodeID string

	// AdvertiseAddr is recorded in the node's cluster record and is
	// how the control plane names this node.
	AdvertiseAddr string

	// Servers are control plane addresses to try in order. The agent
	// follows leader redirects away from this seed list.
	Servers []string

	Capacity types.Resources
	Labels   map[string]string

	Runtime runtime.Runtime

	// Upstream overrides the dialed server session, for tests and
	// in-process embedding.
	Upstream Upstream

	HeartbeatInterval time.Duration
	KillGrace         time.Duration
	InvokeTimeout     time.Duration
}

// Agent hosts instances on one worker node: it keeps a registered,
// heartbeating session to the control plane, serves the reverse
// Agent RPC service over that session, and drives the local runtime.
type Agent struct {
	cfg    Config
	logger zerolog.Logger
	rt     runtime.Runtime
	seq    *ordering.Sequencer
	rpcSrv *netrpc.Server

	mu         sync.Mutex
	upstream   Upstream
	preferred  string
	hbInterval time.Duration
	instances  map[string]*localInstance

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates an agent. Start connects it.
func New(cfg Config) (*Agent, error) {
	if cfg.NodeID == "" {
		return nil, errcode.New(errcode.ParameterError, "agent needs a node id")
	}
	if cfg.Runtime == nil {
		return nil, errcode.New(errcode.ParameterError, "agent needs a runtime")
	}
	if len(cfg.Servers) == 0 && cfg.Upstream == nil {
		return nil, errcode.New(errcode.ParameterError, "agent needs server addresses")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:        cfg,
		logger:     log.WithComponent("agent").With().Str("node_id", cfg.NodeID).Logger(),
		rt:         cfg.Runtime,
		seq:        ordering.NewSequencer(),
		instances:  make(map[string]*localInstance),
		hbInterval: cfg.HeartbeatInterval,
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	a.rpcSrv = netrpc.NewServer()
	if err := a.rpcSrv.RegisterName("Agent", &Endpoint{a: a}); err != nil {
		cancel()
		return nil, err
	}
	return a, nil
}

// Start connects the agent to the control plane and begins serving.
// With an injected upstream it registers once and heartbeats; with
// server addresses it runs the dial-register-serve loop.
func (a *Agent) Start() error {
	if a.cfg.Upstream != nil {
		a.setUpstream(a.cfg.Upstream)
		if err := a.register(); err != nil {
			close(a.doneCh)
			return err
		}
		go func() {
			defer close(a.doneCh)
			a.heartbeatLoop(nil)
		}()
		return nil
	}
	go a.run()
	return nil
}

// Stop disconnects and terminates local goroutines. Instances keep
// running; a restarted agent re-adopts nothing and the control plane
// writes the node off after the liveness grace.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.cancel()
		if u := a.currentUpstream(); u != nil {
			u.Close()
		}
	})
	<-a.doneCh
}

func (a *Agent) setUpstream(u Upstream) {
	a.mu.Lock()
	a.upstream = u
	a.mu.Unlock()
}

func (a *Agent) currentUpstream() Upstream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.upstream
}

// call performs one upstream RPC with the default call timeout.
func (a *Agent) call(method string, args, reply interface{}) error {
	u := a.currentUpstream()
	if u == nil {
		return errcode.New(errcode.ConnectionClosed, "not connected to control plane")
	}
	ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
	defer cancel()
	return u.Call(ctx, method, args, reply)
}

// run dials, registers and serves until stopped, reconnecting with a
// fixed wait after session loss.
func (a *Agent) run() {
	defer close(a.doneCh)

	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		sess, err := a.connect()
		if err != nil {
			a.logger.Warn().Err(err).Msg("control plane connect failed")
			select {
			case <-time.After(reconnectWait):
				continue
			case <-a.stopCh:
				return
			}
		}

		dead := make(chan struct{})
		go a.acceptLoop(sess, dead)
		a.heartbeatLoop(dead)

		sess.Close()
		a.setUpstream(nil)

		select {
		case <-a.stopCh:
			return
		default:
			a.logger.Info().Msg("server session lost, reconnecting")
		}
	}
}

// candidates orders server addresses with the last leader hint first.
func (a *Agent) candidates() []string {
	a.mu.Lock()
	preferred := a.preferred
	a.mu.Unlock()

	if preferred == "" {
		return a.cfg.Servers
	}
	out := []string{preferred}
	for _, s := range a.cfg.Servers {
		if s != preferred {
			out = append(out, s)
		}
	}
	return out
}

// connect dials the first reachable server, establishes the
// multiplexed session and registers over it. A NOT_LEADER answer
// records the hinted address for the next attempt.
func (a *Agent) connect() (*yamux.Session, error) {
	var lastErr error
	for _, addr := range a.candidates() {
		dialCtx, cancel := context.WithTimeout(a.ctx, callTimeout)
		conn, err := rpc.Dial(dialCtx, addr, rpc.ConnMultiplex)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		sess, err := yamux.Client(conn, nil)
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		a.setUpstream(&sessionUpstream{sess: sess})

		if err := a.register(); err != nil {
			if hint, ok := rpc.LeaderHint(err); ok {
				a.mu.Lock()
				a.preferred = hint
				a.mu.Unlock()
				a.logger.Info().Str("leader", hint).Msg("redirected to leader")
			}
			sess.Close()
			a.setUpstream(nil)
			lastErr = err
			continue
		}

		a.logger.Info().Str("server", addr).Msg("registered with control plane")
		return sess, nil
	}
	if lastErr == nil {
		lastErr = errcode.New(errcode.InnerCommunication, "no servers configured")
	}
	return nil, lastErr
}

// register announces the node and adopts the server's heartbeat
// interval.
func (a *Agent) register() error {
	args := &rpc.NodeRegisterArgs{
		Node: types.Node{
			NodeID:   a.cfg.NodeID,
			Address:  a.cfg.AdvertiseAddr,
			Capacity: a.cfg.Capacity,
			Labels:   a.cfg.Labels,
			JoinedAt: time.Now().UTC(),
		},
	}
	var reply rpc.NodeRegisterReply
	if err := a.call("Node.Register", args, &reply); err != nil {
		return err
	}
	if reply.HeartbeatIntervalMs > 0 {
		a.mu.Lock()
		a.hbInterval = time.Duration(reply.HeartbeatIntervalMs) * time.Millisecond
		a.mu.Unlock()
	}
	return nil
}

// acceptLoop serves the Agent RPC service on streams the server opens.
func (a *Agent) acceptLoop(sess *yamux.Session, dead chan struct{}) {
	defer close(dead)
	for {
		stream, err := sess.Accept()
		if err != nil {
			return
		}
		go a.rpcSrv.ServeCodec(rpc.NewServerCodec(stream))
	}
}

// heartbeatLoop beats until the session dies or the agent stops. An
// answer marking the node unknown triggers immediate re-registration.
func (a *Agent) heartbeatLoop(dead <-chan struct{}) {
	a.mu.Lock()
	interval := a.hbInterval
	a.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.heartbeat(); err != nil {
				a.logger.Warn().Err(err).Msg("heartbeat failed")
				if hint, ok := rpc.LeaderHint(err); ok && a.cfg.Upstream == nil {
					// The peer was demoted. Chase the new leader by
					// killing this session so the run loop redials.
					a.mu.Lock()
					a.preferred = hint
					a.mu.Unlock()
					if u := a.currentUpstream(); u != nil {
						u.Close()
					}
					return
				}
			}
		case <-dead:
			return
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) heartbeat() error {
	args := &rpc.NodeHeartbeatArgs{
		NodeID:   a.cfg.NodeID,
		Statuses: a.statuses(),
	}
	var reply rpc.NodeHeartbeatReply
	if err := a.call("Node.Heartbeat", args, &reply); err != nil {
		return err
	}
	if !reply.Known {
		a.logger.Warn().Msg("node unknown to control plane, re-registering")
		return a.register()
	}
	return nil
}

// statuses snapshots the local instance table for a heartbeat.
func (a *Agent) statuses() []rpc.InstanceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]rpc.InstanceStatus, 0, len(a.instances))
	for id, rec := range a.instances {
		out = append(out, rpc.InstanceStatus{
			InstanceID: id,
			State:      rec.state,
			SubHealthy: rec.subHealthy,
			SubMsg:     rec.subMsg,
		})
	}
	return out
}

// reportState pushes one instance state transition to the control
// plane.
func (a *Agent) reportState(instanceID string, state types.InstanceState, subHealthy bool, subMsg, message string) {
	args := &rpc.InstanceStateArgs{
		InstanceID: instanceID,
		State:      state,
		SubHealthy: subHealthy,
		SubMsg:     subMsg,
		Message:    message,
	}
	var reply rpc.InstanceStateReply
	if err := a.call("Instance.State", args, &reply); err != nil {
		a.logger.Warn().Err(err).Str("instance_id", instanceID).
			Msg("state report failed, heartbeat will carry it")
	}
}

// sessionUpstream opens one stream per call on the yamux session.
type sessionUpstream struct {
	sess *yamux.Session
}

func (u *sessionUpstream) Call(ctx context.Context, method string, args, reply interface{}) error {
	stream, err := u.sess.Open()
	if err != nil {
		return errcode.Newf(errcode.ConnectionClosed, "open stream: %v", err)
	}
	defer stream.Close()
	if d, ok := ctx.Deadline(); ok {
		stream.SetDeadline(d)
	}
	return rpc.CallWithCodec(rpc.NewClientCodec(stream), method, args, reply)
}

func (u *sessionUpstream) Close() error {
	return u.sess.Close()
}
