// Package server is the control plane: it owns the metadata store,
// the cluster resource view, the scheduler, the group manager, and the
// object store, and serves the client and agent RPC surface. Multiple
// replicas share one raft-backed store; only the leader mutates, and
// followers answer NOT_LEADER with the leader's address so callers can
// chase it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	netrpc "net/rpc"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"

	"github.com/skein-sh/skein/pkg/config"
	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/events"
	"github.com/skein-sh/skein/pkg/groupmgr"
	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/metastore"
	"github.com/skein-sh/skein/pkg/metrics"
	"github.com/skein-sh/skein/pkg/objectstore"
	"github.com/skein-sh/skein/pkg/ordering"
	"github.com/skein-sh/skein/pkg/resource"
	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/sched"
	"github.com/skein-sh/skein/pkg/types"
)

const (
	// agentHeartbeatMs is the beat interval handed to registering
	// agents.
	agentHeartbeatMs = 3000

	// agentCallTimeout bounds one control call over an agent session.
	agentCallTimeout = 30 * time.Second

	nodeMonitorTick = time.Second
	raftStatsTick   = 10 * time.Second
)

// leadership is the election surface an HA store exposes. The
// in-memory store does not implement it and the server then runs
// standalone, always leading.
type leadership interface {
	IsLeader() bool
	LeaderID() string
	LeaderCh() <-chan bool
}

type raftStats interface {
	Stats() map[string]string
}

// Server wires the control plane components and serves them over one
// RPC listener and one HTTP listener.
type Server struct {
	cfg    *config.ServerConfig
	logger zerolog.Logger

	store     metastore.Store
	datastore objectstore.Datastore
	view      *resource.View
	objects   *objectstore.Store
	waits     *objectstore.WaitManager
	order     *ordering.Manager
	placer    *sched.Placer
	scheduler *sched.Scheduler
	groups    *groupmgr.Manager
	broker    *events.Broker
	nodes     *nodeRegistry
	notif     *notifier
	creates   *createIndex
	returns   *returnIndex

	rpcSrv  *netrpc.Server
	ln      net.Listener
	httpLn  net.Listener
	httpSrv *http.Server

	leader   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles a server around an opened metadata store. The caller
// owns the store's lifecycle; everything else the server builds and
// tears down itself.
func New(cfg *config.ServerConfig, store metastore.Store) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var datastore objectstore.Datastore
	if cfg.DataDir != "" {
		ds, err := objectstore.NewBoltDatastore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		datastore = ds
	} else {
		datastore = objectstore.NewMemDatastore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    log.WithComponent("server"),
		store:     store,
		datastore: datastore,
		view:      resource.NewView(),
		order:     ordering.NewManager(),
		broker:    events.NewBroker(),
		creates:   newCreateIndex(),
		returns:   newReturnIndex(),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
	s.objects = objectstore.NewStore(datastore)
	s.waits = objectstore.NewWaitManager(s.objects, nil)
	s.placer = sched.NewPlacer(sched.NewPreemptor(cfg.Scheduler.PreemptDebugUnits))
	s.scheduler = sched.New(sched.Config{
		AggregateQueue: cfg.Scheduler.AggregateQueue,
		Snapshot:       s.view.Snapshot,
	})
	s.scheduler.RegisterPerformer(sched.KindInstance, &instancePerformer{s: s})
	s.scheduler.RegisterPerformer(sched.KindGroup, &groupPerformer{s: s})
	s.nodes = newNodeRegistry(s)
	s.notif = newNotifier(func(clientID string) {
		s.objects.CleanupRemote(clientID)
	})
	s.groups = groupmgr.New(groupmgr.Config{
		Store:       store,
		Directory:   s.nodes,
		Transport:   s.nodes,
		Canceller:   s.scheduler,
		Broker:      s.broker,
		KillTimeout: cfg.KillGroupTimeout(),
	})
	s.rpcSrv = s.newRPCServer(nil)
	return s, nil
}

// Start opens the listeners and brings every component online. On a
// standalone store the server leads immediately; with a raft store it
// follows the election.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.broker.Start()
	if err := s.groups.Start(); err != nil {
		ln.Close()
		return err
	}
	s.scheduler.Start()
	s.loadResourceGroups()
	s.nodes.start()

	s.wg.Add(1)
	go s.acceptLoop()

	if s.cfg.HTTPAddr != "" {
		if err := s.startHTTP(); err != nil {
			return err
		}
	}

	storeMode := "standalone"
	if _, ok := s.store.(leadership); ok {
		storeMode = "replicated"
	}
	metrics.RegisterComponent("metastore", true, storeMode)
	metrics.RegisterComponent("rpc", true, "")
	metrics.RegisterComponent("scheduler", true, "standby")

	if ld, ok := s.store.(leadership); ok {
		s.setLeader(ld.IsLeader())
		s.wg.Add(1)
		go s.leaderLoop(ld)
	} else {
		s.setLeader(true)
	}

	s.logger.Info().
		Str("node_id", s.cfg.NodeID).
		Str("rpc_addr", ln.Addr().String()).
		Str("http_addr", s.cfg.HTTPAddr).
		Msg("control plane started")
	return nil
}

// Stop tears the server down. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
		if s.httpSrv != nil {
			s.httpSrv.Close()
		}
		if s.ln != nil {
			s.ln.Close()
		}
		s.notif.shutdown()
		s.nodes.stop()
		s.scheduler.Stop()
		s.groups.Stop()
		s.broker.Stop()
		s.datastore.Close()
	})
	s.wg.Wait()
}

// Addr returns the bound RPC address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.BindAddr
	}
	return s.ln.Addr().String()
}

// HTTPAddr returns the bound HTTP address, empty when HTTP is off.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

// handleConn sorts an inbound connection by its type byte: plain
// request/response sessions, agent reverse-multiplex sessions, and
// client push streams.
func (s *Server) handleConn(conn net.Conn) {
	t, err := rpc.ReadConnType(conn)
	if err != nil {
		conn.Close()
		return
	}
	switch t {
	case rpc.ConnDirect:
		s.rpcSrv.ServeCodec(rpc.NewServerCodec(conn))
	case rpc.ConnMultiplex:
		s.serveSession(conn)
	case rpc.ConnStream:
		s.servePush(conn)
	default:
		conn.Close()
	}
}

// serveSession runs one agent session. Every accepted stream is an
// independent request; the session's reverse peer is handed to the
// dispatch table so registration can bind the node to it.
func (s *Server) serveSession(conn net.Conn) {
	sess, err := yamux.Server(conn, nil)
	if err != nil {
		conn.Close()
		return
	}
	peer := &agentPeer{sess: sess}
	srv := s.newRPCServer(peer)
	defer func() {
		s.nodes.sessionClosed(peer)
		sess.Close()
	}()
	for {
		stream, err := sess.Accept()
		if err != nil {
			return
		}
		go srv.ServeCodec(rpc.NewServerCodec(stream))
	}
}

// servePush accepts a client notification stream and parks on it until
// the client goes away, then releases everything the client was
// holding remotely.
func (s *Server) servePush(conn net.Conn) {
	fc, hdr, err := rpc.AcceptStream(conn)
	if err != nil {
		conn.Close()
		return
	}
	if hdr.Method != rpc.StreamMethodNotify || hdr.ClientID == "" {
		fc.Reject("unsupported stream method " + hdr.Method)
		fc.Close()
		return
	}
	if err := fc.Accept(); err != nil {
		fc.Close()
		return
	}
	s.notif.attach(hdr.ClientID, fc)
	s.logger.Info().Str("client_id", hdr.ClientID).Msg("notify stream attached")
	s.notif.watch(hdr.ClientID, fc)
}

func (s *Server) leaderLoop(ld leadership) {
	defer s.wg.Done()
	stats := time.NewTicker(raftStatsTick)
	defer stats.Stop()
	for {
		select {
		case v := <-ld.LeaderCh():
			s.setLeader(v)
		case <-stats.C:
			s.publishRaftStats()
		case <-s.stopCh:
			return
		}
	}
}

// setLeader applies a leadership transition: the leader advertises its
// RPC address, adopts stored nodes, and arms the scheduler and group
// manager; a follower disarms them.
func (s *Server) setLeader(v bool) {
	was := s.leader.Swap(v)
	if was == v {
		return
	}
	if v {
		metrics.RaftLeader.Set(1)
		metrics.UpdateComponent("scheduler", true, "scheduling")
		if _, err := s.store.Put(s.ctx, metastore.ServerKey(s.cfg.NodeID),
			[]byte(s.cfg.AdvertiseAddr), metastore.PutOptions{}); err != nil {
			s.logger.Warn().Err(err).Msg("advertise address write failed")
		}
		s.nodes.adoptStored()
		s.loadResourceGroups()
		s.groups.SetMaster(true)
		s.scheduler.SetEnabled(true)
		s.scheduler.Kick()
		s.logger.Info().Msg("leadership acquired")
		return
	}
	metrics.RaftLeader.Set(0)
	metrics.UpdateComponent("scheduler", true, "standby")
	s.scheduler.SetEnabled(false)
	s.groups.SetMaster(false)
	s.logger.Info().Msg("leadership lost")
}

func (s *Server) isLeader() bool {
	return s.leader.Load()
}

// requireLeader gates mutating RPCs. The NOT_LEADER message carries
// the leader's RPC address so callers can redial.
func (s *Server) requireLeader() error {
	if s.isLeader() {
		return nil
	}
	return errcode.New(errcode.NotLeader, s.leaderRPCAddr())
}

// leaderRPCAddr resolves the current leader's client-facing address
// from the replica directory, empty when the group has no leader yet.
func (s *Server) leaderRPCAddr() string {
	if s.isLeader() {
		return s.cfg.AdvertiseAddr
	}
	ld, ok := s.store.(leadership)
	if !ok {
		return s.cfg.AdvertiseAddr
	}
	id := ld.LeaderID()
	if id == "" {
		return ""
	}
	res, err := s.store.Get(s.ctx, metastore.ServerKey(id), metastore.GetOptions{})
	if err != nil || len(res.KVs) == 0 {
		return ""
	}
	return string(res.KVs[0].Value)
}

// loadResourceGroups replays persisted resource groups into the view.
func (s *Server) loadResourceGroups() {
	res, err := s.store.Get(s.ctx, metastore.PrefixRGroup, metastore.GetOptions{Prefix: true})
	if err != nil {
		s.logger.Warn().Err(err).Msg("resource group load failed")
		return
	}
	for _, kv := range res.KVs {
		var rg types.ResourceGroup
		if err := json.Unmarshal(kv.Value, &rg); err != nil {
			s.logger.Warn().Err(err).Str("key", kv.Key).Msg("bad resource group record")
			continue
		}
		s.view.SetResourceGroup(&rg)
	}
}

func (s *Server) publishRaftStats() {
	rs, ok := s.store.(raftStats)
	if !ok {
		return
	}
	st := rs.Stats()
	if v, err := strconv.ParseFloat(st["last_log_index"], 64); err == nil {
		metrics.RaftLogIndex.Set(v)
	}
	if v, err := strconv.ParseFloat(st["applied_index"], 64); err == nil {
		metrics.RaftAppliedIndex.Set(v)
	}
}

// record feeds the RPC counters; status is "ok" or the numeric code.
func (s *Server) record(method string, begin time.Time, errp *error) {
	status := "ok"
	if st := rpc.StatusOf(*errp); st.Code != errcode.OK {
		status = strconv.Itoa(int(st.Code))
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	metrics.RPCRequestDuration.WithLabelValues(method).Observe(time.Since(begin).Seconds())
}

// notify pushes a frame to a client's notification stream, dropping it
// silently when the client never attached one.
func (s *Server) notify(clientID string, frame *rpc.NotifyFrame) {
	s.notif.notify(clientID, frame)
}
