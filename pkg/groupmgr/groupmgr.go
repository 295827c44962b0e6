package groupmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-set/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/events"
	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/metastore"
	"github.com/skein-sh/skein/pkg/types"
)

// Directory resolves node ids to agent RPC addresses.
type Directory interface {
	NodeAddress(ctx context.Context, nodeID string) (string, error)
}

// Transport delivers control messages to agents.
type Transport interface {
	// Signal sends a kill or group-exit signal for one instance.
	Signal(ctx context.Context, addr, instanceID string, sig types.Signal, reason string) error

	// ClearGroup tells the node fronting a group to drop every
	// group-scoped resource it still holds.
	ClearGroup(ctx context.Context, addr, groupID string) error
}

// Canceller aborts requests still waiting in the schedule queue.
type Canceller interface {
	Cancel(requestID string) bool
}

const (
	defaultKillTimeout   = 60 * time.Second
	defaultAddrCacheSize = 512
	defaultAddrCacheTTL  = time.Minute
	effectTimeout        = 5 * time.Second
	watchBuffer          = 512
)

// Config wires the manager's collaborators.
type Config struct {
	Store     metastore.Store
	Directory Directory
	Transport Transport
	Canceller Canceller

	// Broker, when set, receives group lifecycle events.
	Broker *events.Broker

	// KillTimeout bounds how long KillGroup waits for members to
	// drain before clearing the group anyway.
	KillTimeout time.Duration

	AddrCacheSize int
	AddrCacheTTL  time.Duration
}

// Manager is the instance-group actor. One goroutine owns the indices;
// callers post closures to its mailbox. Every replica runs a manager
// and keeps its caches warm from the watch stream, but only the master
// performs mutations.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	addrCache *expirable.LRU[string, string]

	mailbox  chan func()
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// Everything below is owned by the run loop.
	master    bool
	groups    map[string]*types.Group
	instances map[string]*types.Instance
	members   map[string]map[string]struct{}
	byNode    map[string]map[string]struct{}
	byParent  map[string]map[string]struct{}
	killing   *set.Set[string]
	drained   map[string][]chan struct{}

	watcher *metastore.Watcher
}

// New builds a manager. Call Start to load state and begin consuming
// the watch stream.
func New(cfg Config) *Manager {
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = defaultKillTimeout
	}
	if cfg.AddrCacheSize <= 0 {
		cfg.AddrCacheSize = defaultAddrCacheSize
	}
	if cfg.AddrCacheTTL <= 0 {
		cfg.AddrCacheTTL = defaultAddrCacheTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		logger:    log.WithComponent("groupmgr"),
		addrCache: expirable.NewLRU[string, string](cfg.AddrCacheSize, nil, cfg.AddrCacheTTL),
		mailbox:   make(chan func(), 256),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		groups:    make(map[string]*types.Group),
		instances: make(map[string]*types.Instance),
		members:   make(map[string]map[string]struct{}),
		byNode:    make(map[string]map[string]struct{}),
		byParent:  make(map[string]map[string]struct{}),
		killing:   set.New[string](4),
		drained:   make(map[string][]chan struct{}),
	}
}

// Start loads the current group and instance records and begins
// consuming events.
func (m *Manager) Start() error {
	w, err := m.openWatch()
	if err != nil {
		return err
	}
	m.watcher = w
	if err := m.reload(w); err != nil {
		w.Close()
		return err
	}
	go m.run()
	return nil
}

// Stop halts the loop. In-flight effects are cancelled.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		close(m.stopCh)
	})
	<-m.doneCh
}

// SetMaster flips the role. Rising to master triggers the catch-up
// scan that repairs cascades interrupted by the previous master.
func (m *Manager) SetMaster(v bool) {
	m.post(func() {
		if v == m.master {
			return
		}
		m.master = v
		if v {
			m.catchUp()
		}
	})
}

// GroupStatus pairs a group record with its current members.
type GroupStatus struct {
	Group   types.Group
	Members []*types.Instance
}

// Groups snapshots the cached groups for queries, sorted by id.
func (m *Manager) Groups() []GroupStatus {
	out := make(chan []GroupStatus, 1)
	m.post(func() {
		res := make([]GroupStatus, 0, len(m.groups))
		for gid, g := range m.groups {
			gs := GroupStatus{Group: *g}
			for _, id := range m.memberIDs(gid) {
				if ins := m.instances[id]; ins != nil {
					cp := *ins
					gs.Members = append(gs.Members, &cp)
				}
			}
			res = append(res, gs)
		}
		sort.Slice(res, func(i, j int) bool { return res[i].Group.GroupID < res[j].Group.GroupID })
		out <- res
	})
	select {
	case r := <-out:
		return r
	case <-m.stopCh:
		return nil
	}
}

func (m *Manager) post(fn func()) {
	select {
	case m.mailbox <- fn:
	case <-m.stopCh:
	}
}

func (m *Manager) run() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			m.watcher.Close()
			return
		case fn := <-m.mailbox:
			fn()
		case ev, ok := <-m.watcher.Events():
			if !ok {
				m.reopenWatch()
				continue
			}
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) openWatch() (*metastore.Watcher, error) {
	return m.cfg.Store.Watch("/sn/", metastore.WatchOptions{
		Prefix: true,
		PrevKV: true,
		Buffer: watchBuffer,
	})
}

// reopenWatch re-establishes an overflowed or cancelled watch and
// repairs the caches from a fresh listing.
func (m *Manager) reopenWatch() {
	for {
		w, err := m.openWatch()
		if err == nil {
			if err = m.reload(w); err == nil {
				m.watcher = w
				if m.master {
					m.catchUp()
				}
				return
			}
			w.Close()
		}
		m.logger.Warn().Err(err).Msg("watch reopen failed, retrying")
		select {
		case <-m.stopCh:
			return
		case <-time.After(time.Second):
		}
	}
}

// reload replaces the indices with the store's current contents.
func (m *Manager) reload(w *metastore.Watcher) error {
	res, err := w.Sync(m.knownKeys())
	if err != nil {
		return err
	}
	m.groups = make(map[string]*types.Group)
	m.instances = make(map[string]*types.Instance)
	m.members = make(map[string]map[string]struct{})
	m.byNode = make(map[string]map[string]struct{})
	m.byParent = make(map[string]map[string]struct{})
	for _, kv := range res.KVs {
		m.index(kv.Key, kv.Value)
	}
	return nil
}

func (m *Manager) knownKeys() []string {
	keys := make([]string, 0, len(m.groups)+len(m.instances))
	for gid := range m.groups {
		keys = append(keys, metastore.GroupKey(gid))
	}
	for id := range m.instances {
		keys = append(keys, metastore.InstanceKey(id))
	}
	return keys
}

// index inserts one stored record without side effects. Used only
// while rebuilding after a reload.
func (m *Manager) index(key string, value []byte) {
	switch {
	case strings.HasPrefix(key, metastore.PrefixGroup):
		g := new(types.Group)
		if err := json.Unmarshal(value, g); err != nil {
			m.logger.Error().Err(err).Str("key", key).Msg("undecodable group record")
			return
		}
		m.indexGroup(g)
	case strings.HasPrefix(key, metastore.PrefixInstance):
		ins := new(types.Instance)
		if err := json.Unmarshal(value, ins); err != nil {
			m.logger.Error().Err(err).Str("key", key).Msg("undecodable instance record")
			return
		}
		if ins.GroupID == "" {
			return
		}
		m.instances[ins.InstanceID] = ins
		addIdx(m.members, ins.GroupID, ins.InstanceID)
	}
}

func (m *Manager) handleEvent(ev metastore.WatchEvent) {
	switch {
	case strings.HasPrefix(ev.KV.Key, metastore.PrefixGroup):
		m.handleGroupEvent(ev)
	case strings.HasPrefix(ev.KV.Key, metastore.PrefixInstance):
		m.handleInstanceEvent(ev)
	}
}

func (m *Manager) handleGroupEvent(ev metastore.WatchEvent) {
	gid := strings.TrimPrefix(ev.KV.Key, metastore.PrefixGroup)
	if ev.Type == metastore.EventDelete {
		m.dropGroup(gid)
		return
	}
	g := new(types.Group)
	if err := json.Unmarshal(ev.KV.Value, g); err != nil {
		m.logger.Error().Err(err).Str("key", ev.KV.Key).Msg("undecodable group record")
		return
	}
	prev := m.groups[gid]
	m.indexGroup(g)
	if g.Status == types.GroupStateFailed && (prev == nil || prev.Status != types.GroupStateFailed) {
		m.onGroupFailed(g)
	}
}

func (m *Manager) handleInstanceEvent(ev metastore.WatchEvent) {
	id := strings.TrimPrefix(ev.KV.Key, metastore.PrefixInstance)
	if ev.Type == metastore.EventDelete {
		var prev *types.Instance
		if ev.PrevKV != nil {
			prev = new(types.Instance)
			if err := json.Unmarshal(ev.PrevKV.Value, prev); err != nil {
				prev = nil
			}
		}
		m.onInstanceDeleted(id, prev)
		return
	}
	ins := new(types.Instance)
	if err := json.Unmarshal(ev.KV.Value, ins); err != nil {
		m.logger.Error().Err(err).Str("key", ev.KV.Key).Msg("undecodable instance record")
		return
	}
	m.onInstancePut(ins)
}

func (m *Manager) indexGroup(g *types.Group) {
	old := m.groups[g.GroupID]
	if old != nil && old.OwnerProxy != g.OwnerProxy {
		removeIdx(m.byNode, old.OwnerProxy, g.GroupID)
	}
	if old != nil && old.ParentID != "" && old.ParentID != g.ParentID {
		removeIdx(m.byParent, old.ParentID, g.GroupID)
	}
	m.groups[g.GroupID] = g
	addIdx(m.byNode, g.OwnerProxy, g.GroupID)
	if g.ParentID != "" {
		addIdx(m.byParent, g.ParentID, g.GroupID)
	}
}

func (m *Manager) dropGroup(gid string) {
	if g := m.groups[gid]; g != nil {
		delete(m.groups, gid)
		removeIdx(m.byNode, g.OwnerProxy, gid)
		if g.ParentID != "" {
			removeIdx(m.byParent, g.ParentID, gid)
		}
	}
	m.notifyDrained(gid)
}

func (m *Manager) memberIDs(gid string) []string {
	ids := make([]string, 0, len(m.members[gid]))
	for id := range m.members[gid] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) notifyDrained(gid string) {
	for _, ch := range m.drained[gid] {
		close(ch)
	}
	delete(m.drained, gid)
}

// effect runs a side effect off the loop goroutine so slow stores and
// unreachable agents never stall event processing.
func (m *Manager) effect(fn func(ctx context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, effectTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (m *Manager) nodeAddr(ctx context.Context, nodeID string) (string, error) {
	if nodeID == "" {
		return "", errcode.New(errcode.ParameterError, "empty node id")
	}
	if addr, ok := m.addrCache.Get(nodeID); ok {
		return addr, nil
	}
	addr, err := m.cfg.Directory.NodeAddress(ctx, nodeID)
	if err != nil {
		return "", err
	}
	m.addrCache.Add(nodeID, addr)
	return addr, nil
}

func (m *Manager) publish(typ, gid, msg string) {
	if m.cfg.Broker == nil {
		return
	}
	m.cfg.Broker.Publish(&types.Event{
		Type:      typ,
		Timestamp: time.Now(),
		GroupID:   gid,
		Message:   msg,
	})
}

func (m *Manager) groupReason(g *types.Group) string {
	if g.Message == "" {
		return fmt.Sprintf("group %s failed", g.GroupID)
	}
	return fmt.Sprintf("group %s failed: %s", g.GroupID, g.Message)
}

func addIdx(idx map[string]map[string]struct{}, key, member string) {
	s := idx[key]
	if s == nil {
		s = make(map[string]struct{})
		idx[key] = s
	}
	s[member] = struct{}{}
}

func removeIdx(idx map[string]map[string]struct{}, key, member string) {
	s := idx[key]
	if s == nil {
		return
	}
	delete(s, member)
	if len(s) == 0 {
		delete(idx, key)
	}
}
