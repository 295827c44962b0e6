package metastore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
)

// Mem is a single-process Store used by tests and the dev-mode server.
// It implements the full contract including leases and watches. Lease
// expiry runs on a background janitor.
type Mem struct {
	mu     sync.Mutex
	kvs    map[string]KeyValue
	rev    int64
	leases map[int64]*memLease
	nextID int64
	closed bool

	hub    *watchHub
	stopCh chan struct{}
}

type memLease struct {
	ttl      time.Duration
	deadline time.Time
	keys     map[string]struct{}
}

// NewMem creates an in-memory store.
func NewMem() *Mem {
	m := &Mem{
		kvs:    make(map[string]KeyValue),
		leases: make(map[int64]*memLease),
		hub:    newWatchHub(),
		stopCh: make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Put writes a key, bumping the revision.
func (m *Mem) Put(ctx context.Context, key string, value []byte, opts PutOptions) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errcode.New(errcode.MetaOperationError, "store closed")
	}

	if opts.Lease != 0 {
		lease, ok := m.leases[opts.Lease]
		if !ok {
			return 0, errcode.Newf(errcode.MetaLeaseNotFound, "lease %d not found", opts.Lease)
		}
		lease.keys[key] = struct{}{}
	}

	return m.putLocked(key, value, opts.Lease), nil
}

// CAS writes key only when its current ModRevision equals expectRev;
// expectRev 0 requires the key to be absent.
func (m *Mem) CAS(ctx context.Context, key string, value []byte, expectRev int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errcode.New(errcode.MetaOperationError, "store closed")
	}

	cur, exists := m.kvs[key]
	switch {
	case expectRev == 0 && exists:
		return 0, errcode.Newf(errcode.MetaCASConflict, "key %s already exists at revision %d", key, cur.ModRevision)
	case expectRev != 0 && (!exists || cur.ModRevision != expectRev):
		have := int64(0)
		if exists {
			have = cur.ModRevision
		}
		return 0, errcode.Newf(errcode.MetaCASConflict, "key %s at revision %d, expected %d", key, have, expectRev)
	}

	return m.putLocked(key, value, cur.Lease), nil
}

func (m *Mem) putLocked(key string, value []byte, lease int64) int64 {
	m.rev++
	var prev *KeyValue
	if cur, ok := m.kvs[key]; ok {
		cp := cur
		prev = &cp
	}
	kv := KeyValue{
		Key:         key,
		Value:       append([]byte(nil), value...),
		ModRevision: m.rev,
		Lease:       lease,
	}
	m.kvs[key] = kv
	m.hub.notify(WatchEvent{Type: EventPut, KV: kv, PrevKV: prev, Revision: m.rev})
	return m.rev
}

// Get reads a key or, with Prefix, the sorted range under it.
func (m *Mem) Get(ctx context.Context, key string, opts GetOptions) (*GetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	res := &GetResult{Revision: m.rev}
	if !opts.Prefix {
		if kv, ok := m.kvs[key]; ok {
			res.KVs = []KeyValue{kv}
		}
		return res, nil
	}

	keys := make([]string, 0)
	for k := range m.kvs {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if opts.Limit > 0 && int64(len(res.KVs)) >= opts.Limit {
			break
		}
		res.KVs = append(res.KVs, m.kvs[k])
	}
	return res, nil
}

// Delete removes a key. Deleting an absent key still returns the
// current revision with no event.
func (m *Mem) Delete(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(key), nil
}

func (m *Mem) deleteLocked(key string) int64 {
	cur, ok := m.kvs[key]
	if !ok {
		return m.rev
	}
	m.rev++
	delete(m.kvs, key)
	if cur.Lease != 0 {
		if lease, ok := m.leases[cur.Lease]; ok {
			delete(lease.keys, key)
		}
	}
	prev := cur
	m.hub.notify(WatchEvent{
		Type:     EventDelete,
		KV:       KeyValue{Key: key, ModRevision: m.rev},
		PrevKV:   &prev,
		Revision: m.rev,
	})
	return m.rev
}

// Watch opens an event stream for a key or prefix.
func (m *Mem) Watch(key string, opts WatchOptions) (*Watcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errcode.New(errcode.MetaOperationError, "store closed")
	}
	return m.hub.register(key, opts, func(known []string) (*SyncResult, error) {
		return m.sync(key, opts.Prefix, known)
	}), nil
}

func (m *Mem) sync(key string, prefix bool, known []string) (*SyncResult, error) {
	res, err := m.Get(context.Background(), key, GetOptions{Prefix: prefix})
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
}

// Grant creates a lease with the given TTL.
func (m *Mem) Grant(ctx context.Context, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.leases[id] = &memLease{
		ttl:      ttl,
		deadline: time.Now().Add(ttl),
		keys:     make(map[string]struct{}),
	}
	return id, nil
}

// Revoke drops a lease and deletes every key attached to it.
func (m *Mem) Revoke(ctx context.Context, leaseID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokeLocked(leaseID)
}

func (m *Mem) revokeLocked(leaseID int64) error {
	lease, ok := m.leases[leaseID]
	if !ok {
		return errcode.Newf(errcode.MetaLeaseNotFound, "lease %d not found", leaseID)
	}
	delete(m.leases, leaseID)
	for key := range lease.keys {
		m.deleteLocked(key)
	}
	return nil
}

// KeepAlive refreshes a lease's deadline.
func (m *Mem) KeepAlive(ctx context.Context, leaseID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[leaseID]
	if !ok {
		return errcode.Newf(errcode.MetaLeaseNotFound, "lease %d not found", leaseID)
	}
	lease.deadline = time.Now().Add(lease.ttl)
	return nil
}

// Revision returns the last mutation's revision.
func (m *Mem) Revision() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rev
}

// Close stops the janitor and cancels all watchers.
func (m *Mem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.mu.Unlock()
	m.hub.closeAll()
	return nil
}

func (m *Mem) janitor() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for id, lease := range m.leases {
				if now.After(lease.deadline) {
					_ = m.revokeLocked(id)
				}
			}
			m.mu.Unlock()
		}
	}
}
