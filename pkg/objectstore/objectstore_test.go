package objectstore

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-sh/skein/pkg/errcode"
)

func newTestStore(t *testing.T) (*Store, *MemDatastore) {
	t.Helper()
	ds := NewMemDatastore()
	return NewStore(ds), ds
}

func addReady(t *testing.T, s *Store, id string, data []byte) {
	t.Helper()
	require.NoError(t, s.AddReturnObject(id))
	require.NoError(t, s.Put(id, data, nil, false))
	require.NoError(t, s.SetReady(id))
}

// TestGenerateKey tests that generated ids carry the prefix and are
// unique
func TestGenerateKey(t *testing.T) {
	a := GenerateKey("obj")
	b := GenerateKey("obj")
	assert.True(t, strings.HasPrefix(a, "obj-"))
	assert.NotEqual(t, a, b)
}

// TestAddReturnObject tests placeholder registration and the duplicate
// guard
func TestAddReturnObject(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.AddReturnObject("o1"))
	assert.Equal(t, int64(1), s.GlobalReference("o1"))

	err := s.AddReturnObject("o1")
	require.Error(t, err)
	assert.Equal(t, errcode.ParameterError, errcode.CodeOf(err))
}

// TestPutWithoutOwner tests that Put on an unregistered id fails
func TestPutWithoutOwner(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.Put("ghost", []byte("x"), nil, false)
	require.Error(t, err)
	assert.Equal(t, errcode.ObjectRefCountZero, errcode.CodeOf(err))
}

// TestPutCycle tests rejection of direct and transitive self-nesting
func TestPutCycle(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.AddReturnObject("a"))
	require.NoError(t, s.AddReturnObject("b"))
	require.NoError(t, s.AddReturnObject("c"))

	err := s.Put("a", []byte("x"), []string{"a"}, false)
	assert.Equal(t, errcode.ObjectNestedCycle, errcode.CodeOf(err))

	// a -> b -> c established, then c -> a closes the loop.
	require.NoError(t, s.Put("a", []byte("x"), []string{"b"}, false))
	require.NoError(t, s.Put("b", []byte("y"), []string{"c"}, false))
	err = s.Put("c", []byte("z"), []string{"a"}, false)
	assert.Equal(t, errcode.ObjectNestedCycle, errcode.CodeOf(err))
}

// TestSetReadyIdempotent tests one-shot state transitions
func TestSetReadyIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	require.NoError(t, s.AddReturnObject("o1"))
	require.NoError(t, s.Put("o1", []byte("v"), nil, false))
	require.NoError(t, s.SetReady("o1"))
	require.NoError(t, s.SetReady("o1"))
	require.NoError(t, s.SetError("o1", errcode.Newf(errcode.ObjectError, "late")))

	// The late SetError never overrides ready.
	data, err := wm.Get([]string{"o1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data["o1"])

	assert.Equal(t, errcode.ObjectNotFound, errcode.CodeOf(s.SetReady("missing")))
}

// TestGetAfterSetError tests that the error sticks even when a payload
// appears later
func TestGetAfterSetError(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	require.NoError(t, s.AddReturnObject("o1"))
	require.NoError(t, s.SetError("o1", errcode.Newf(errcode.ObjectError, "boom")))
	require.NoError(t, s.Put("o1", []byte("late"), nil, false))

	_, err := wm.Get([]string{"o1"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, errcode.ObjectError, errcode.CodeOf(err))
}

// TestReferenceLifecycle tests increments, release at zero, and that
// counts never go negative
func TestReferenceLifecycle(t *testing.T) {
	s, _ := newTestStore(t)

	addReady(t, s, "o1", []byte("v"))
	s.IncreaseGlobalReference([]string{"o1", "o1"})
	assert.Equal(t, int64(3), s.GlobalReference("o1"))

	s.DecreaseGlobalReference([]string{"o1", "o1"})
	assert.Equal(t, int64(1), s.GlobalReference("o1"))

	s.DecreaseGlobalReference([]string{"o1"})
	assert.Equal(t, int64(0), s.GlobalReference("o1"))

	// Further decrements and increments on the released id are no-ops.
	s.DecreaseGlobalReference([]string{"o1"})
	s.IncreaseGlobalReference([]string{"o1"})
	assert.Equal(t, int64(0), s.GlobalReference("o1"))

	total, _ := s.Counts()
	assert.Zero(t, total)
}

// TestLocalReference tests that local counts never affect cluster
// lifetime
func TestLocalReference(t *testing.T) {
	s, _ := newTestStore(t)

	addReady(t, s, "o1", []byte("v"))
	s.IncreaseLocalReference([]string{"o1"})
	s.DecreaseLocalReference([]string{"o1"})
	s.DecreaseLocalReference([]string{"o1"})
	assert.Equal(t, int64(1), s.GlobalReference("o1"))
}

// TestReleaseCascade tests that releasing a parent releases the
// references it held on nested children, transitively
func TestReleaseCascade(t *testing.T) {
	s, ds := newTestStore(t)

	addReady(t, s, "leaf", []byte("l"))
	require.NoError(t, s.AddReturnObject("mid"))
	require.NoError(t, s.Put("mid", []byte("m"), []string{"leaf"}, false))
	require.NoError(t, s.SetReady("mid"))
	require.NoError(t, s.AddReturnObject("root"))
	require.NoError(t, s.Put("root", []byte("r"), []string{"mid"}, true))
	require.NoError(t, s.SetReady("root"))

	assert.Equal(t, int64(2), s.GlobalReference("leaf"))
	assert.Equal(t, int64(2), s.GlobalReference("mid"))

	// Creators drop their own references; the chain survives on the
	// nesting references alone.
	s.DecreaseGlobalReference([]string{"leaf", "mid"})
	assert.Equal(t, int64(1), s.GlobalReference("leaf"))
	assert.Equal(t, int64(1), s.GlobalReference("mid"))

	s.DecreaseGlobalReference([]string{"root"})
	assert.Equal(t, int64(0), s.GlobalReference("root"))
	assert.Equal(t, int64(0), s.GlobalReference("mid"))
	assert.Equal(t, int64(0), s.GlobalReference("leaf"))

	// The promoted payload is gone from the datastore too.
	_, err := ds.Get("root")
	assert.Equal(t, errcode.ObjectNotFound, errcode.CodeOf(err))
}

// TestReleaseFailsWaiters tests that releasing a still-unready object
// fails its blocked waiters
func TestReleaseFailsWaiters(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	require.NoError(t, s.AddReturnObject("o1"))

	errCh := make(chan error, 1)
	go func() {
		_, err := wm.Get([]string{"o1"}, 5*time.Second)
		errCh <- err
	}()

	// Let the waiter subscribe before the release.
	time.Sleep(20 * time.Millisecond)
	s.DecreaseGlobalReference([]string{"o1"})

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, errcode.ObjectRefCountZero, errcode.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
}

// TestRemoteAttribution tests per-peer accounting and dead-peer cleanup
func TestRemoteAttribution(t *testing.T) {
	s, _ := newTestStore(t)

	addReady(t, s, "o1", []byte("v"))
	addReady(t, s, "o2", []byte("v"))

	s.IncreaseGlobalReferenceRemote([]string{"o1", "o2"}, "client-a")
	s.IncreaseGlobalReferenceRemote([]string{"o1"}, "client-a")
	s.IncreaseGlobalReferenceRemote([]string{"o1"}, "client-b")
	assert.Equal(t, int64(4), s.GlobalReference("o1"))

	s.DecreaseGlobalReferenceRemote([]string{"o1"}, "client-a")
	assert.Equal(t, int64(3), s.GlobalReference("o1"))

	s.CleanupRemote("client-a")
	assert.Equal(t, int64(2), s.GlobalReference("o1"))
	assert.Equal(t, int64(1), s.GlobalReference("o2"))

	s.CleanupRemote("client-b")
	assert.Equal(t, int64(1), s.GlobalReference("o1"))

	// A second cleanup finds nothing attributed.
	s.CleanupRemote("client-a")
	assert.Equal(t, int64(1), s.GlobalReference("o1"))
}

// TestBindObjRefInReq tests request-scoped bulk reference release
func TestBindObjRefInReq(t *testing.T) {
	s, _ := newTestStore(t)

	addReady(t, s, "o1", []byte("v"))
	addReady(t, s, "o2", []byte("v"))

	s.BindObjRefInReq("req-1", []string{"o1", "o2"})
	assert.Equal(t, int64(2), s.GlobalReference("o1"))

	s.UnbindObjRefInReq("req-1")
	assert.Equal(t, int64(1), s.GlobalReference("o1"))
	assert.Equal(t, int64(1), s.GlobalReference("o2"))

	s.UnbindObjRefInReq("req-1")
	assert.Equal(t, int64(1), s.GlobalReference("o1"))
}

// TestBindInstance tests instance binding and lookup
func TestBindInstance(t *testing.T) {
	s, _ := newTestStore(t)

	addReady(t, s, "o1", []byte("v"))
	require.NoError(t, s.BindInstance("o1", "ins-1"))
	require.NoError(t, s.BindInstance("o1", "ins-2"))
	assert.Equal(t, []string{"ins-1", "ins-2"}, s.BoundInstances("o1"))

	assert.Equal(t, errcode.ObjectNotFound, errcode.CodeOf(s.BindInstance("missing", "ins-1")))
	assert.Nil(t, s.BoundInstances("missing"))
}

// TestCounts tests the total and unready tallies
func TestCounts(t *testing.T) {
	s, _ := newTestStore(t)

	addReady(t, s, "o1", []byte("v"))
	require.NoError(t, s.AddReturnObject("o2"))
	require.NoError(t, s.AddReturnObject("o3"))

	total, unready := s.Counts()
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, unready)
}

// TestDatastorePromotion tests that promoted payloads live in the
// datastore tier and reads go through it
func TestDatastorePromotion(t *testing.T) {
	s, ds := newTestStore(t)
	wm := NewWaitManager(s, nil)

	require.NoError(t, s.AddReturnObject("o1"))
	require.NoError(t, s.Put("o1", []byte("big"), nil, true))
	require.NoError(t, s.SetReady("o1"))

	stored, err := ds.Get("o1")
	require.NoError(t, err)
	assert.Equal(t, []byte("big"), stored)

	data, err := wm.Get([]string{"o1"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("big"), data["o1"])
}

// TestBoltDatastore tests the durable payload tier end to end
func TestBoltDatastore(t *testing.T) {
	ds, err := NewBoltDatastore(t.TempDir())
	require.NoError(t, err)
	defer ds.Close()

	require.NoError(t, ds.Put("o1", []byte("v1")))
	data, err := ds.Get("o1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	require.NoError(t, ds.Delete("o1"))
	_, err = ds.Get("o1")
	assert.Equal(t, errcode.ObjectNotFound, errcode.CodeOf(err))

	require.NoError(t, ds.Delete("o1"))
}
