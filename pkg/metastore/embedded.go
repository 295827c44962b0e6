package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/log"
)

const (
	applyTimeout      = 5 * time.Second
	membershipTimeout = 10 * time.Second
	leaseScanInterval = time.Second
)

// EmbeddedConfig configures the replicated store.
type EmbeddedConfig struct {
	NodeID        string
	BindAddr      string
	AdvertiseAddr string
	DataDir       string
}

// Embedded is the replicated Store: a raft group whose FSM writes into
// a local bbolt database. Mutations are proposed through the raft log
// and apply on every replica; reads serve from the local replica.
// Leadership gates mutations and drives lease expiry.
type Embedded struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	fsm         *fsm
	hub         *watchHub
	transport   *raft.NetworkTransport
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore

	notifyCh chan bool
	stopCh   chan struct{}
}

// NewEmbedded opens the local state and starts the raft node. The node
// stays a follower until Bootstrap elects it or an existing leader
// adds it as a voter.
func NewEmbedded(cfg EmbeddedConfig) (*Embedded, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	hub := newWatchHub()
	fsm, err := newFSM(cfg.DataDir, hub)
	if err != nil {
		return nil, err
	}

	e := &Embedded{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      fsm,
		hub:      hub,
		notifyCh: make(chan bool, 16),
		stopCh:   make(chan struct{}),
	}

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)
	rc.NotifyCh = e.notifyCh
	// Tighter than the library defaults; the cluster is LAN-local and
	// failover must complete well under the heartbeat grace window.
	rc.HeartbeatTimeout = 500 * time.Millisecond
	rc.ElectionTimeout = 500 * time.Millisecond
	rc.CommitTimeout = 50 * time.Millisecond
	rc.LeaderLeaseTimeout = 250 * time.Millisecond

	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.BindAddr
	}
	addr, err := net.ResolveTCPAddr("tcp", advertise)
	if err != nil {
		fsm.close()
		return nil, fmt.Errorf("failed to resolve advertise address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		fsm.close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	e.transport = transport

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		e.cleanup()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	e.logStore, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		e.cleanup()
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	e.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		e.cleanup()
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	e.raft, err = raft.NewRaft(rc, fsm, e.logStore, e.stableStore, snapshots, transport)
	if err != nil {
		e.cleanup()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	go e.leaseJanitor()
	return e, nil
}

func (e *Embedded) cleanup() {
	if e.stableStore != nil {
		e.stableStore.Close()
	}
	if e.logStore != nil {
		e.logStore.Close()
	}
	if e.transport != nil {
		e.transport.Close()
	}
	e.fsm.close()
}

// Bootstrap forms a new single-node cluster with this node as leader.
func (e *Embedded) Bootstrap() error {
	future := e.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{
			ID:      raft.ServerID(e.nodeID),
			Address: e.transport.LocalAddr(),
		}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	logger := log.WithComponent("metastore")
	logger.Info().
		Str("node_id", e.nodeID).
		Str("addr", string(e.transport.LocalAddr())).
		Msg("bootstrapped metadata store")
	return nil
}

// AddVoter adds a node to the raft configuration. Leader only.
func (e *Embedded) AddVoter(nodeID, address string) error {
	if !e.IsLeader() {
		return errcode.Newf(errcode.NotLeader, "not the leader, current leader: %s", e.LeaderAddr())
	}
	future := e.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, membershipTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	logger := log.WithComponent("metastore")
	logger.Info().
		Str("node_id", nodeID).
		Str("addr", address).
		Msg("voter added")
	return nil
}

// RemoveServer removes a node from the raft configuration. Leader only.
func (e *Embedded) RemoveServer(nodeID string) error {
	if !e.IsLeader() {
		return errcode.Newf(errcode.NotLeader, "not the leader, current leader: %s", e.LeaderAddr())
	}
	future := e.raft.RemoveServer(raft.ServerID(nodeID), 0, membershipTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// Servers returns the current raft membership.
func (e *Embedded) Servers() ([]raft.Server, error) {
	future := e.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently leads the group.
func (e *Embedded) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's raft address.
func (e *Embedded) LeaderAddr() string {
	addr, _ := e.raft.LeaderWithID()
	return string(addr)
}

// LeaderID returns the current leader's server id, empty while the
// group has none.
func (e *Embedded) LeaderID() string {
	_, id := e.raft.LeaderWithID()
	return string(id)
}

// LeaderCh delivers leadership transitions (true on gain, false on
// loss). Single consumer.
func (e *Embedded) LeaderCh() <-chan bool {
	return e.notifyCh
}

// Stats returns raft statistics keyed per the raft library
// ("last_log_index", "applied_index", "state", ...).
func (e *Embedded) Stats() map[string]string {
	return e.raft.Stats()
}

// apply proposes one command through the raft log and waits for it to
// commit and apply locally.
func (e *Embedded) apply(ctx context.Context, cmd *command) (*applyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.IsLeader() {
		return nil, errcode.Newf(errcode.NotLeader, "not the leader, current leader: %s", e.LeaderAddr())
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := e.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, errcode.Newf(errcode.NotLeader, "not the leader, current leader: %s", e.LeaderAddr())
		}
		return nil, errcode.Newf(errcode.MetaOperationError, "apply failed: %v", err)
	}

	res, ok := future.Response().(*applyResult)
	if !ok {
		return nil, errcode.New(errcode.MetaOperationError, "unexpected apply response")
	}
	if res.err != nil {
		return nil, res.err
	}
	return res, nil
}

// Put writes a key through the raft log.
func (e *Embedded) Put(ctx context.Context, key string, value []byte, opts PutOptions) (int64, error) {
	res, err := e.apply(ctx, &command{Op: opPut, Key: key, Value: value, Lease: opts.Lease})
	if err != nil {
		return 0, err
	}
	return res.rev, nil
}

// CAS writes a key guarded by its expected ModRevision.
func (e *Embedded) CAS(ctx context.Context, key string, value []byte, expectRev int64) (int64, error) {
	res, err := e.apply(ctx, &command{Op: opCAS, Key: key, Value: value, ExpectRev: expectRev})
	if err != nil {
		return 0, err
	}
	return res.rev, nil
}

// Get reads from the local replica.
func (e *Embedded) Get(ctx context.Context, key string, opts GetOptions) (*GetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.fsm.get(key, opts)
}

// Delete removes a key through the raft log.
func (e *Embedded) Delete(ctx context.Context, key string) (int64, error) {
	res, err := e.apply(ctx, &command{Op: opDelete, Key: key})
	if err != nil {
		return 0, err
	}
	return res.rev, nil
}

// Watch opens an event stream fed by this replica's apply path.
func (e *Embedded) Watch(key string, opts WatchOptions) (*Watcher, error) {
	return e.hub.register(key, opts, func(known []string) (*SyncResult, error) {
		res, err := e.fsm.get(key, GetOptions{Prefix: opts.Prefix})
		if err != nil {
			return nil, err
		}
		present := make(map[string]struct{}, len(res.KVs))
		for _, kv := range res.KVs {
			present[kv.Key] = struct{}{}
		}
		out := &SyncResult{KVs: res.KVs, Revision: res.Revision}
		for _, k := range known {
			if _, ok := present[k]; !ok {
				out.Missing = append(out.Missing, k)
			}
		}
		return out, nil
	}), nil
}

// Grant creates a lease with the given TTL.
func (e *Embedded) Grant(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := e.apply(ctx, &command{
		Op:    opGrant,
		TTLMs: ttl.Milliseconds(),
		NowMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	return res.leaseID, nil
}

// Revoke drops a lease and deletes its keys.
func (e *Embedded) Revoke(ctx context.Context, leaseID int64) error {
	_, err := e.apply(ctx, &command{Op: opRevoke, Lease: leaseID})
	return err
}

// KeepAlive refreshes a lease's deadline.
func (e *Embedded) KeepAlive(ctx context.Context, leaseID int64) error {
	_, err := e.apply(ctx, &command{Op: opKeepAlive, Lease: leaseID, NowMs: time.Now().UnixMilli()})
	return err
}

// Revision returns the last applied raft index.
func (e *Embedded) Revision() int64 {
	return int64(e.fsm.appliedIndex())
}

// Close shuts down raft and the local state.
func (e *Embedded) Close() error {
	close(e.stopCh)
	e.hub.closeAll()

	var mErr multierror.Error
	if err := e.raft.Shutdown().Error(); err != nil {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("failed to shutdown raft: %w", err))
	}
	if err := e.stableStore.Close(); err != nil {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("close stable store: %w", err))
	}
	if err := e.logStore.Close(); err != nil {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("close log store: %w", err))
	}
	if err := e.transport.Close(); err != nil {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("close transport: %w", err))
	}
	if err := e.fsm.close(); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// leaseJanitor turns expired leases into explicit revoke commands.
// Followers never expire leases locally; expiry is replicated like any
// other mutation so replicas agree.
func (e *Embedded) leaseJanitor() {
	ticker := time.NewTicker(leaseScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			if !e.IsLeader() {
				continue
			}
			for _, id := range e.fsm.expiredLeases(now.UnixMilli()) {
				if err := e.Revoke(context.Background(), id); err != nil {
					logger := log.WithComponent("metastore")
					logger.Warn().
						Int64("lease", id).
						Err(err).
						Msg("failed to revoke expired lease")
				}
			}
		}
	}
}
