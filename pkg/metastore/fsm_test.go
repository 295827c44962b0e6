package metastore

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-sh/skein/pkg/errcode"
)

func newTestFSM(t *testing.T) *fsm {
	t.Helper()
	f, err := newFSM(t.TempDir(), newWatchHub())
	require.NoError(t, err)
	t.Cleanup(func() { f.close() })
	return f
}

func applyCmd(t *testing.T, f *fsm, index uint64, cmd *command) *applyResult {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	res, ok := f.Apply(&raft.Log{Index: index, Data: data}).(*applyResult)
	require.True(t, ok)
	return res
}

// TestFSMApplyPut tests that the log index becomes the revision
func TestFSMApplyPut(t *testing.T) {
	f := newTestFSM(t)

	res := applyCmd(t, f, 7, &command{Op: opPut, Key: "/sn/group/g1", Value: []byte("a")})
	require.NoError(t, res.err)
	assert.Equal(t, int64(7), res.rev)

	got, err := f.get("/sn/group/g1", GetOptions{})
	require.NoError(t, err)
	require.Len(t, got.KVs, 1)
	assert.Equal(t, []byte("a"), got.KVs[0].Value)
	assert.Equal(t, int64(7), got.KVs[0].ModRevision)
	assert.Equal(t, int64(7), got.Revision)
}

// TestFSMReplaySkipped tests restart replay idempotence
func TestFSMReplaySkipped(t *testing.T) {
	f := newTestFSM(t)

	res := applyCmd(t, f, 3, &command{Op: opPut, Key: "/sn/group/g1", Value: []byte("a")})
	require.NoError(t, res.err)

	// A replayed entry at or below the applied index is a no-op.
	res = applyCmd(t, f, 3, &command{Op: opPut, Key: "/sn/group/g1", Value: []byte("stale")})
	require.NoError(t, res.err)

	got, err := f.get("/sn/group/g1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got.KVs[0].Value)
}

// TestFSMCASConflict tests the guarded-write path inside the FSM
func TestFSMCASConflict(t *testing.T) {
	f := newTestFSM(t)

	res := applyCmd(t, f, 1, &command{Op: opCAS, Key: "/sn/group/g1", Value: []byte("a"), ExpectRev: 0})
	require.NoError(t, res.err)

	res = applyCmd(t, f, 2, &command{Op: opCAS, Key: "/sn/group/g1", Value: []byte("b"), ExpectRev: 0})
	assert.Equal(t, errcode.MetaCASConflict, errcode.CodeOf(res.err))

	res = applyCmd(t, f, 3, &command{Op: opCAS, Key: "/sn/group/g1", Value: []byte("b"), ExpectRev: 1})
	require.NoError(t, res.err)

	// The failed entry still advanced the applied index.
	assert.Equal(t, uint64(3), f.appliedIndex())
	got, err := f.get("/sn/group/g1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got.KVs[0].Value)
}

// TestFSMLeaseRevoke tests that revoking a lease deletes its keys
func TestFSMLeaseRevoke(t *testing.T) {
	f := newTestFSM(t)

	res := applyCmd(t, f, 1, &command{Op: opGrant, TTLMs: 1000, NowMs: 50})
	require.NoError(t, res.err)
	lease := res.leaseID
	require.NotZero(t, lease)

	applyCmd(t, f, 2, &command{Op: opPut, Key: "/sn/node/n1", Value: []byte("x"), Lease: lease})
	applyCmd(t, f, 3, &command{Op: opPut, Key: "/sn/node/n2", Value: []byte("y"), Lease: lease})

	assert.Empty(t, f.expiredLeases(100))
	assert.Equal(t, []int64{lease}, f.expiredLeases(2000))

	applyCmd(t, f, 4, &command{Op: opKeepAlive, Lease: lease, NowMs: 1500})
	assert.Empty(t, f.expiredLeases(2000))

	res = applyCmd(t, f, 5, &command{Op: opRevoke, Lease: lease})
	require.NoError(t, res.err)

	got, err := f.get(PrefixNode, GetOptions{Prefix: true})
	require.NoError(t, err)
	assert.Empty(t, got.KVs)
}

type memSink struct {
	bytes.Buffer
}

func (s *memSink) Close() error  { return nil }
func (s *memSink) Cancel() error { return nil }
func (s *memSink) ID() string    { return "test" }

// TestFSMSnapshotRestore tests the compaction roundtrip
func TestFSMSnapshotRestore(t *testing.T) {
	src := newTestFSM(t)

	res := applyCmd(t, src, 1, &command{Op: opGrant, TTLMs: 60000, NowMs: 10})
	require.NoError(t, res.err)
	applyCmd(t, src, 2, &command{Op: opPut, Key: "/sn/group/g1", Value: []byte("a")})
	applyCmd(t, src, 3, &command{Op: opPut, Key: "/sn/node/n1", Value: []byte("x"), Lease: res.leaseID})

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	dst := newTestFSM(t)
	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	assert.Equal(t, uint64(3), dst.appliedIndex())
	got, err := dst.get("/sn/", GetOptions{Prefix: true})
	require.NoError(t, err)
	assert.Len(t, got.KVs, 2)

	// Lease table survives: revoking on the restored FSM removes n1.
	r := applyCmd(t, dst, 4, &command{Op: opRevoke, Lease: res.leaseID})
	require.NoError(t, r.err)
	got, err = dst.get(PrefixNode, GetOptions{Prefix: true})
	require.NoError(t, err)
	assert.Empty(t, got.KVs)

	// The replicated lease counter also survives; the next grant does
	// not reuse the old id.
	r = applyCmd(t, dst, 5, &command{Op: opGrant, TTLMs: 1000, NowMs: 10})
	require.NoError(t, r.err)
	assert.Greater(t, r.leaseID, res.leaseID)
}
