package metastore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"

	"github.com/skein-sh/skein/pkg/errcode"
)

var (
	bucketKV     = []byte("kv")
	bucketLeases = []byte("leases")
	bucketMeta   = []byte("meta")

	metaApplied      = []byte("applied_index")
	metaLeaseCounter = []byte("lease_counter")
)

// Replicated mutation operations.
const (
	opPut       = "put"
	opCAS       = "cas"
	opDelete    = "delete"
	opGrant     = "grant"
	opRevoke    = "revoke"
	opKeepAlive = "keepalive"
)

// command is one entry in the raft log. NowMs is stamped by the
// proposer for lease operations so every replica stores the same
// refresh time.
type command struct {
	Op        string `json:"op"`
	Key       string `json:"key,omitempty"`
	Value     []byte `json:"value,omitempty"`
	Lease     int64  `json:"lease,omitempty"`
	ExpectRev int64  `json:"expectrev,omitempty"`
	TTLMs     int64  `json:"ttlms,omitempty"`
	NowMs     int64  `json:"nowms,omitempty"`
}

// applyResult travels back through the raft apply future to the
// proposing node.
type applyResult struct {
	rev     int64
	leaseID int64
	err     error
}

// storedKV is the bbolt representation of one entry.
type storedKV struct {
	Value       []byte `json:"value"`
	ModRevision int64  `json:"modrev"`
	Lease       int64  `json:"lease,omitempty"`
}

// storedLease is the bbolt representation of one lease.
type storedLease struct {
	ID            int64    `json:"id"`
	TTLMs         int64    `json:"ttlms"`
	RefreshedAtMs int64    `json:"refreshedatms"`
	Keys          []string `json:"keys,omitempty"`
}

// fsm applies replicated commands into a bbolt database. The revision
// of every mutation is the raft log index that carried it. Replayed
// entries at or below the persisted applied index are skipped so
// restarts do not double-apply.
type fsm struct {
	db      *bolt.DB
	hub     *watchHub
	applied atomic.Uint64
}

func newFSM(dataDir string, hub *watchHub) (*fsm, error) {
	dbPath := filepath.Join(dataDir, "meta.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	f := &fsm{db: db, hub: hub}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketKV, bucketLeases, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		if v := tx.Bucket(bucketMeta).Get(metaApplied); v != nil {
			f.applied.Store(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return f, nil
}

func (f *fsm) close() error { return f.db.Close() }

func (f *fsm) appliedIndex() uint64 { return f.applied.Load() }

// Apply applies a committed raft log entry.
func (f *fsm) Apply(entry *raft.Log) interface{} {
	if entry.Index <= f.applied.Load() {
		return &applyResult{rev: int64(entry.Index)}
	}

	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return &applyResult{err: fmt.Errorf("failed to unmarshal command: %w", err)}
	}

	res := &applyResult{rev: int64(entry.Index)}
	var events []WatchEvent

	err := f.db.Update(func(tx *bolt.Tx) error {
		var err error
		switch cmd.Op {
		case opPut:
			events, err = f.applyPut(tx, &cmd, entry.Index, false)
		case opCAS:
			events, err = f.applyPut(tx, &cmd, entry.Index, true)
		case opDelete:
			events, err = f.applyDelete(tx, cmd.Key, entry.Index)
		case opGrant:
			res.leaseID, err = f.applyGrant(tx, &cmd)
		case opRevoke:
			events, err = f.applyRevoke(tx, cmd.Lease, entry.Index)
		case opKeepAlive:
			err = f.applyKeepAlive(tx, &cmd)
		default:
			err = fmt.Errorf("unknown command: %s", cmd.Op)
		}
		if err != nil {
			res.err = err
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, entry.Index)
		return tx.Bucket(bucketMeta).Put(metaApplied, buf)
	})
	if err != nil {
		// The transaction itself failed; the command error (if any)
		// is superseded.
		res.err = errcode.Newf(errcode.MetaOperationError, "apply failed: %v", err)
		return res
	}

	f.applied.Store(entry.Index)
	for _, ev := range events {
		f.hub.notify(ev)
	}
	return res
}

func (f *fsm) applyPut(tx *bolt.Tx, cmd *command, index uint64, cas bool) ([]WatchEvent, error) {
	b := tx.Bucket(bucketKV)

	var prev *storedKV
	if raw := b.Get([]byte(cmd.Key)); raw != nil {
		prev = &storedKV{}
		if err := json.Unmarshal(raw, prev); err != nil {
			return nil, err
		}
	}

	if cas {
		switch {
		case cmd.ExpectRev == 0 && prev != nil:
			return nil, errcode.Newf(errcode.MetaCASConflict, "key %s already exists at revision %d", cmd.Key, prev.ModRevision)
		case cmd.ExpectRev != 0 && prev == nil:
			return nil, errcode.Newf(errcode.MetaCASConflict, "key %s at revision 0, expected %d", cmd.Key, cmd.ExpectRev)
		case cmd.ExpectRev != 0 && prev.ModRevision != cmd.ExpectRev:
			return nil, errcode.Newf(errcode.MetaCASConflict, "key %s at revision %d, expected %d", cmd.Key, prev.ModRevision, cmd.ExpectRev)
		}
	}

	lease := cmd.Lease
	if cas && prev != nil {
		lease = prev.Lease
	}
	if lease != 0 && (prev == nil || prev.Lease != lease) {
		if err := f.attachLeaseKey(tx, lease, cmd.Key); err != nil {
			return nil, err
		}
	}
	if prev != nil && prev.Lease != 0 && prev.Lease != lease {
		f.detachLeaseKey(tx, prev.Lease, cmd.Key)
	}

	stored := storedKV{Value: cmd.Value, ModRevision: int64(index), Lease: lease}
	raw, err := json.Marshal(&stored)
	if err != nil {
		return nil, err
	}
	if err := b.Put([]byte(cmd.Key), raw); err != nil {
		return nil, err
	}

	ev := WatchEvent{
		Type:     EventPut,
		KV:       KeyValue{Key: cmd.Key, Value: cmd.Value, ModRevision: int64(index), Lease: lease},
		Revision: int64(index),
	}
	if prev != nil {
		ev.PrevKV = &KeyValue{Key: cmd.Key, Value: prev.Value, ModRevision: prev.ModRevision, Lease: prev.Lease}
	}
	return []WatchEvent{ev}, nil
}

func (f *fsm) applyDelete(tx *bolt.Tx, key string, index uint64) ([]WatchEvent, error) {
	b := tx.Bucket(bucketKV)
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var prev storedKV
	if err := json.Unmarshal(raw, &prev); err != nil {
		return nil, err
	}
	if err := b.Delete([]byte(key)); err != nil {
		return nil, err
	}
	if prev.Lease != 0 {
		f.detachLeaseKey(tx, prev.Lease, key)
	}
	return []WatchEvent{{
		Type:     EventDelete,
		KV:       KeyValue{Key: key, ModRevision: int64(index)},
		PrevKV:   &KeyValue{Key: key, Value: prev.Value, ModRevision: prev.ModRevision, Lease: prev.Lease},
		Revision: int64(index),
	}}, nil
}

func (f *fsm) applyGrant(tx *bolt.Tx, cmd *command) (int64, error) {
	meta := tx.Bucket(bucketMeta)
	var counter int64
	if v := meta.Get(metaLeaseCounter); v != nil {
		counter = int64(binary.BigEndian.Uint64(v))
	}
	counter++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(counter))
	if err := meta.Put(metaLeaseCounter, buf); err != nil {
		return 0, err
	}

	lease := storedLease{ID: counter, TTLMs: cmd.TTLMs, RefreshedAtMs: cmd.NowMs}
	raw, err := json.Marshal(&lease)
	if err != nil {
		return 0, err
	}
	return counter, tx.Bucket(bucketLeases).Put(leaseKey(counter), raw)
}

func (f *fsm) applyRevoke(tx *bolt.Tx, leaseID int64, index uint64) ([]WatchEvent, error) {
	lease, err := f.getLease(tx, leaseID)
	if err != nil {
		return nil, err
	}
	if err := tx.Bucket(bucketLeases).Delete(leaseKey(leaseID)); err != nil {
		return nil, err
	}

	var events []WatchEvent
	sort.Strings(lease.Keys)
	for _, key := range lease.Keys {
		evs, err := f.applyDelete(tx, key, index)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (f *fsm) applyKeepAlive(tx *bolt.Tx, cmd *command) error {
	lease, err := f.getLease(tx, cmd.Lease)
	if err != nil {
		return err
	}
	lease.RefreshedAtMs = cmd.NowMs
	raw, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketLeases).Put(leaseKey(cmd.Lease), raw)
}

func (f *fsm) getLease(tx *bolt.Tx, leaseID int64) (*storedLease, error) {
	raw := tx.Bucket(bucketLeases).Get(leaseKey(leaseID))
	if raw == nil {
		return nil, errcode.Newf(errcode.MetaLeaseNotFound, "lease %d not found", leaseID)
	}
	var lease storedLease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

func (f *fsm) attachLeaseKey(tx *bolt.Tx, leaseID int64, key string) error {
	lease, err := f.getLease(tx, leaseID)
	if err != nil {
		return err
	}
	for _, k := range lease.Keys {
		if k == key {
			return nil
		}
	}
	lease.Keys = append(lease.Keys, key)
	raw, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketLeases).Put(leaseKey(leaseID), raw)
}

func (f *fsm) detachLeaseKey(tx *bolt.Tx, leaseID int64, key string) {
	lease, err := f.getLease(tx, leaseID)
	if err != nil {
		return
	}
	for i, k := range lease.Keys {
		if k == key {
			lease.Keys = append(lease.Keys[:i], lease.Keys[i+1:]...)
			break
		}
	}
	if raw, err := json.Marshal(lease); err == nil {
		_ = tx.Bucket(bucketLeases).Put(leaseKey(leaseID), raw)
	}
}

// get reads one key or a prefix range from the local replica.
func (f *fsm) get(key string, opts GetOptions) (*GetResult, error) {
	res := &GetResult{Revision: int64(f.applied.Load())}
	err := f.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if !opts.Prefix {
			raw := b.Get([]byte(key))
			if raw == nil {
				return nil
			}
			kv, err := decodeKV(key, raw)
			if err != nil {
				return err
			}
			res.KVs = []KeyValue{kv}
			return nil
		}

		c := b.Cursor()
		prefix := []byte(key)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if opts.Limit > 0 && int64(len(res.KVs)) >= opts.Limit {
				break
			}
			kv, err := decodeKV(string(k), v)
			if err != nil {
				return err
			}
			res.KVs = append(res.KVs, kv)
		}
		return nil
	})
	if err != nil {
		return nil, errcode.Newf(errcode.MetaOperationError, "read failed: %v", err)
	}
	return res, nil
}

// expiredLeases returns leases whose refresh deadline passed nowMs.
// Only the leader acts on this; expirations become explicit revoke
// commands through the log.
func (f *fsm) expiredLeases(nowMs int64) []int64 {
	var expired []int64
	_ = f.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).ForEach(func(k, v []byte) error {
			var lease storedLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return nil
			}
			if lease.RefreshedAtMs+lease.TTLMs < nowMs {
				expired = append(expired, lease.ID)
			}
			return nil
		})
	})
	return expired
}

func decodeKV(key string, raw []byte) (KeyValue, error) {
	var stored storedKV
	if err := json.Unmarshal(raw, &stored); err != nil {
		return KeyValue{}, err
	}
	return KeyValue{Key: key, Value: stored.Value, ModRevision: stored.ModRevision, Lease: stored.Lease}, nil
}

func leaseKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// Snapshot captures the full store state for raft log compaction.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	snap := &fsmSnapshot{
		Applied: f.applied.Load(),
		KVs:     make(map[string]storedKV),
		Leases:  make(map[int64]storedLease),
	}
	err := f.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketKV).ForEach(func(k, v []byte) error {
			var stored storedKV
			if err := json.Unmarshal(v, &stored); err != nil {
				return err
			}
			snap.KVs[string(k)] = stored
			return nil
		}); err != nil {
			return err
		}
		if v := tx.Bucket(bucketMeta).Get(metaLeaseCounter); v != nil {
			snap.LeaseCounter = int64(binary.BigEndian.Uint64(v))
		}
		return tx.Bucket(bucketLeases).ForEach(func(k, v []byte) error {
			var lease storedLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			snap.Leases[lease.ID] = lease
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %w", err)
	}
	return snap, nil
}

// Restore replaces the store state from a snapshot.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	err := f.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketKV, bucketLeases, bucketMeta} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}

		kvb := tx.Bucket(bucketKV)
		for key, stored := range snap.KVs {
			raw, err := json.Marshal(&stored)
			if err != nil {
				return err
			}
			if err := kvb.Put([]byte(key), raw); err != nil {
				return err
			}
		}

		lb := tx.Bucket(bucketLeases)
		for id, lease := range snap.Leases {
			raw, err := json.Marshal(&lease)
			if err != nil {
				return err
			}
			if err := lb.Put(leaseKey(id), raw); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMeta)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, snap.Applied)
		if err := meta.Put(metaApplied, buf); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(buf, uint64(snap.LeaseCounter))
		return meta.Put(metaLeaseCounter, buf)
	})
	if err != nil {
		return fmt.Errorf("failed to restore store: %w", err)
	}

	f.applied.Store(snap.Applied)
	return nil
}

// fsmSnapshot is a point-in-time dump of the store.
type fsmSnapshot struct {
	Applied      uint64                `json:"applied"`
	LeaseCounter int64                 `json:"leasecounter"`
	KVs          map[string]storedKV   `json:"kvs"`
	Leases       map[int64]storedLease `json:"leases"`
}

// Persist writes the snapshot to the sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases snapshot resources.
func (s *fsmSnapshot) Release() {}

// InspectedKV is one key's stored state, for offline inspection.
type InspectedKV struct {
	Key         string
	Value       []byte
	ModRevision int64
	Lease       int64
}

// InspectKV walks the replicated KV state straight out of a data
// directory, without a raft node. The owning server must be stopped;
// bbolt holds an exclusive file lock.
func InspectKV(dataDir, prefix string, fn func(kv InspectedKV) error) error {
	dbPath := filepath.Join(dataDir, "meta.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open metadata database: %w", err)
	}
	defer db.Close()
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var kv storedKV
			if err := json.Unmarshal(v, &kv); err != nil {
				return fmt.Errorf("failed to decode key %s: %w", k, err)
			}
			err := fn(InspectedKV{
				Key:         string(k),
				Value:       kv.Value,
				ModRevision: kv.ModRevision,
				Lease:       kv.Lease,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
