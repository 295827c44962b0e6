package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-sh/skein/pkg/errcode"
)

// TestMemPutGet tests basic writes and reads with revision tracking
func TestMemPutGet(t *testing.T) {
	m := NewMem()
	defer m.Close()
	ctx := context.Background()

	rev1, err := m.Put(ctx, "/sn/group/g1", []byte("a"), PutOptions{})
	require.NoError(t, err)
	rev2, err := m.Put(ctx, "/sn/group/g1", []byte("b"), PutOptions{})
	require.NoError(t, err)
	assert.Greater(t, rev2, rev1)

	res, err := m.Get(ctx, "/sn/group/g1", GetOptions{})
	require.NoError(t, err)
	require.Len(t, res.KVs, 1)
	assert.Equal(t, []byte("b"), res.KVs[0].Value)
	assert.Equal(t, rev2, res.KVs[0].ModRevision)
	assert.Equal(t, rev2, res.Revision)

	res, err = m.Get(ctx, "/sn/group/missing", GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.KVs)
}

// TestMemGetPrefix tests sorted prefix scans with limits
func TestMemGetPrefix(t *testing.T) {
	m := NewMem()
	defer m.Close()
	ctx := context.Background()

	for _, k := range []string{"/sn/instance/c", "/sn/instance/a", "/sn/instance/b", "/sn/group/g1"} {
		_, err := m.Put(ctx, k, []byte(k), PutOptions{})
		require.NoError(t, err)
	}

	res, err := m.Get(ctx, PrefixInstance, GetOptions{Prefix: true})
	require.NoError(t, err)
	require.Len(t, res.KVs, 3)
	assert.Equal(t, "/sn/instance/a", res.KVs[0].Key)
	assert.Equal(t, "/sn/instance/b", res.KVs[1].Key)
	assert.Equal(t, "/sn/instance/c", res.KVs[2].Key)

	res, err = m.Get(ctx, PrefixInstance, GetOptions{Prefix: true, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.KVs, 2)
}

// TestMemCAS tests create-if-absent and revision-guarded updates
func TestMemCAS(t *testing.T) {
	m := NewMem()
	defer m.Close()
	ctx := context.Background()

	rev, err := m.CAS(ctx, "/sn/group/g1", []byte("v1"), 0)
	require.NoError(t, err)

	_, err = m.CAS(ctx, "/sn/group/g1", []byte("v2"), 0)
	require.Error(t, err)
	assert.Equal(t, errcode.MetaCASConflict, errcode.CodeOf(err))

	rev2, err := m.CAS(ctx, "/sn/group/g1", []byte("v2"), rev)
	require.NoError(t, err)

	_, err = m.CAS(ctx, "/sn/group/g1", []byte("v3"), rev)
	require.Error(t, err)
	assert.Equal(t, errcode.MetaCASConflict, errcode.CodeOf(err))

	res, err := m.Get(ctx, "/sn/group/g1", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), res.KVs[0].Value)
	assert.Equal(t, rev2, res.KVs[0].ModRevision)
}

// TestMemWatch tests event delivery, prefix filtering, and prevKV
func TestMemWatch(t *testing.T) {
	m := NewMem()
	defer m.Close()
	ctx := context.Background()

	w, err := m.Watch(PrefixGroup, WatchOptions{Prefix: true, PrevKV: true})
	require.NoError(t, err)
	defer w.Close()

	_, err = m.Put(ctx, "/sn/group/g1", []byte("a"), PutOptions{})
	require.NoError(t, err)
	_, err = m.Put(ctx, "/sn/instance/i1", []byte("x"), PutOptions{})
	require.NoError(t, err)
	_, err = m.Put(ctx, "/sn/group/g1", []byte("b"), PutOptions{})
	require.NoError(t, err)
	_, err = m.Delete(ctx, "/sn/group/g1")
	require.NoError(t, err)

	ev := recvEvent(t, w)
	assert.Equal(t, EventPut, ev.Type)
	assert.Equal(t, "/sn/group/g1", ev.KV.Key)
	assert.Equal(t, []byte("a"), ev.KV.Value)
	assert.Nil(t, ev.PrevKV)

	ev = recvEvent(t, w)
	assert.Equal(t, EventPut, ev.Type)
	assert.Equal(t, []byte("b"), ev.KV.Value)
	require.NotNil(t, ev.PrevKV)
	assert.Equal(t, []byte("a"), ev.PrevKV.Value)

	ev = recvEvent(t, w)
	assert.Equal(t, EventDelete, ev.Type)
	assert.Equal(t, "/sn/group/g1", ev.KV.Key)
	require.NotNil(t, ev.PrevKV)
	assert.Equal(t, []byte("b"), ev.PrevKV.Value)

	// The instance write never reaches the group watcher.
	select {
	case extra, ok := <-w.Events():
		if ok {
			t.Fatalf("unexpected event: %+v", extra)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func recvEvent(t *testing.T, w *Watcher) WatchEvent {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		require.True(t, ok, "watch channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
		return WatchEvent{}
	}
}

// TestMemWatcherSync tests cache repair: current entries plus which
// known keys vanished
func TestMemWatcherSync(t *testing.T) {
	m := NewMem()
	defer m.Close()
	ctx := context.Background()

	_, err := m.Put(ctx, "/sn/group/g1", []byte("a"), PutOptions{})
	require.NoError(t, err)
	_, err = m.Put(ctx, "/sn/group/g2", []byte("b"), PutOptions{})
	require.NoError(t, err)

	w, err := m.Watch(PrefixGroup, WatchOptions{Prefix: true})
	require.NoError(t, err)
	defer w.Close()

	res, err := w.Sync([]string{"/sn/group/g1", "/sn/group/gone"})
	require.NoError(t, err)
	assert.Len(t, res.KVs, 2)
	assert.Equal(t, []string{"/sn/group/gone"}, res.Missing)
	assert.Equal(t, m.Revision(), res.Revision)
}

// TestMemWatcherClose tests that closing a watcher closes its stream
func TestMemWatcherClose(t *testing.T) {
	m := NewMem()
	defer m.Close()

	w, err := m.Watch("/sn/group/g1", WatchOptions{})
	require.NoError(t, err)
	w.Close()
	w.Close()

	_, ok := <-w.Events()
	assert.False(t, ok)

	// Writes after close must not panic on the closed channel.
	_, err = m.Put(context.Background(), "/sn/group/g1", []byte("a"), PutOptions{})
	require.NoError(t, err)
}

// TestMemLease tests attach, keepalive, revoke, and expiry
func TestMemLease(t *testing.T) {
	m := NewMem()
	defer m.Close()
	ctx := context.Background()

	_, err := m.Put(ctx, "/sn/node/n1", []byte("x"), PutOptions{Lease: 999})
	require.Error(t, err)
	assert.Equal(t, errcode.MetaLeaseNotFound, errcode.CodeOf(err))

	lease, err := m.Grant(ctx, time.Hour)
	require.NoError(t, err)
	_, err = m.Put(ctx, "/sn/node/n1", []byte("x"), PutOptions{Lease: lease})
	require.NoError(t, err)

	require.NoError(t, m.KeepAlive(ctx, lease))

	require.NoError(t, m.Revoke(ctx, lease))
	res, err := m.Get(ctx, "/sn/node/n1", GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.KVs, "revoking the lease deletes attached keys")

	assert.Equal(t, errcode.MetaLeaseNotFound, errcode.CodeOf(m.Revoke(ctx, lease)))
	assert.Equal(t, errcode.MetaLeaseNotFound, errcode.CodeOf(m.KeepAlive(ctx, lease)))
}

// TestMemLeaseExpiry tests janitor-driven expiry producing delete
// events
func TestMemLeaseExpiry(t *testing.T) {
	m := NewMem()
	defer m.Close()
	ctx := context.Background()

	w, err := m.Watch(PrefixNode, WatchOptions{Prefix: true})
	require.NoError(t, err)
	defer w.Close()

	lease, err := m.Grant(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	_, err = m.Put(ctx, "/sn/node/n1", []byte("x"), PutOptions{Lease: lease})
	require.NoError(t, err)

	ev := recvEvent(t, w)
	assert.Equal(t, EventPut, ev.Type)

	ev = recvEvent(t, w)
	assert.Equal(t, EventDelete, ev.Type)
	assert.Equal(t, "/sn/node/n1", ev.KV.Key)

	assert.Eventually(t, func() bool {
		res, err := m.Get(ctx, "/sn/node/n1", GetOptions{})
		return err == nil && len(res.KVs) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

// TestKeyHelpers tests the key schema builders
func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "/sn/group/g1", GroupKey("g1"))
	assert.Equal(t, "/sn/instance/i1", InstanceKey("i1"))
	assert.Equal(t, "/sn/rgroup/tenant-a", RGroupKey("tenant-a"))
	assert.Equal(t, "/sn/node/n1", NodeKey("n1"))
}
