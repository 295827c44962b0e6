package metastore

import (
	"context"
	"time"
)

// Key schema prefixes. Every record the control plane persists lives
// under one of these.
const (
	PrefixGroup    = "/sn/group/"
	PrefixInstance = "/sn/instance/"
	PrefixRGroup   = "/sn/rgroup/"
	PrefixNode     = "/sn/node/"
	PrefixServer   = "/sn/server/"
)

// GroupKey returns the metadata key for a group record.
func GroupKey(groupID string) string { return PrefixGroup + groupID }

// InstanceKey returns the metadata key for an instance record.
func InstanceKey(instanceID string) string { return PrefixInstance + instanceID }

// RGroupKey returns the metadata key for a resource group record.
func RGroupKey(name string) string { return PrefixRGroup + name }

// NodeKey returns the metadata key for a node registration record.
func NodeKey(nodeID string) string { return PrefixNode + nodeID }

// ServerKey returns the metadata key under which a control-plane
// replica advertises its RPC address. Followers answer NOT_LEADER with
// the address stored under the current leader's key.
func ServerKey(nodeID string) string { return PrefixServer + nodeID }

// KeyValue is one stored entry. ModRevision is the store revision of
// the mutation that last wrote it.
type KeyValue struct {
	Key         string
	Value       []byte
	ModRevision int64
	Lease       int64
}

// EventType tags a watch event.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "PUT"
	case EventDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// WatchEvent is one change delivered to a watcher. PrevKV is populated
// only when the watch was opened with PrevKV set.
type WatchEvent struct {
	Type     EventType
	KV       KeyValue
	PrevKV   *KeyValue
	Revision int64
}

// PutOptions modifies a Put. A non-zero Lease attaches the key to that
// lease; revoking or expiring the lease deletes the key.
type PutOptions struct {
	Lease int64
}

// GetOptions modifies a Get. Prefix treats the key as a range prefix;
// Limit caps the result count (0 means unlimited). Prefix results are
// sorted by key.
type GetOptions struct {
	Prefix bool
	Limit  int64
}

// GetResult carries the matched entries and the store revision the
// read observed.
type GetResult struct {
	KVs      []KeyValue
	Revision int64
}

// WatchOptions modifies a Watch. Revision is advisory: the stream
// starts at the current revision, and a watcher whose Revision lags it
// should Sync before consuming events. Buffer sizes the event channel
// (0 means the default).
type WatchOptions struct {
	Prefix   bool
	PrevKV   bool
	Revision int64
	Buffer   int
}

// SyncResult is a watcher resync: the current entries in the watched
// range, which of the caller's known keys no longer exist, and the
// revision the listing observed. Callers replace their cache with KVs
// and drop Missing.
type SyncResult struct {
	KVs      []KeyValue
	Missing  []string
	Revision int64
}

// Store is the consistent KV contract the control plane persists
// through. Mutations are linearizable; reads observe the local replica
// and report the revision they saw. CAS fails with a
// MetaCASConflict-coded error when the key's ModRevision differs from
// expectRev (expectRev 0 asserts the key does not exist).
type Store interface {
	Put(ctx context.Context, key string, value []byte, opts PutOptions) (int64, error)
	CAS(ctx context.Context, key string, value []byte, expectRev int64) (int64, error)
	Get(ctx context.Context, key string, opts GetOptions) (*GetResult, error)
	Delete(ctx context.Context, key string) (int64, error)

	Watch(key string, opts WatchOptions) (*Watcher, error)

	Grant(ctx context.Context, ttl time.Duration) (int64, error)
	Revoke(ctx context.Context, leaseID int64) error
	KeepAlive(ctx context.Context, leaseID int64) error

	Revision() int64
	Close() error
}
