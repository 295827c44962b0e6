package objectstore

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-sh/skein/pkg/errcode"
)

// TestWaitThreshold tests firing once min-ready completions arrive
// while later objects stay pending
func TestWaitThreshold(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	for _, id := range []string{"o1", "o2", "o3"} {
		require.NoError(t, s.AddReturnObject(id))
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Put("o1", []byte("a"), nil, false)
		s.SetReady("o1")
		s.Put("o2", []byte("b"), nil, false)
		s.SetReady("o2")
	}()

	start := time.Now()
	res := wm.Wait([]string{"o1", "o2", "o3"}, 2, 5*time.Second)
	assert.Less(t, time.Since(start), 2*time.Second, "threshold wait must not run to the timeout")
	assert.ElementsMatch(t, []string{"o1", "o2"}, res.Ready)
	assert.Equal(t, []string{"o3"}, res.Unready)
	assert.Empty(t, res.Errors)
}

// TestWaitErrorsCountTowardThreshold tests that errored objects satisfy
// min-ready and carry their status
func TestWaitErrorsCountTowardThreshold(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	require.NoError(t, s.AddReturnObject("ok"))
	require.NoError(t, s.AddReturnObject("bad"))
	require.NoError(t, s.AddReturnObject("slow"))

	require.NoError(t, s.Put("ok", []byte("v"), nil, false))
	require.NoError(t, s.SetReady("ok"))
	require.NoError(t, s.SetError("bad", errcode.Newf(errcode.InstanceHeartbeatLost, "producer died")))

	res := wm.Wait([]string{"ok", "bad", "slow"}, 2, 5*time.Second)
	assert.Equal(t, []string{"ok"}, res.Ready)
	assert.Equal(t, []string{"slow"}, res.Unready)
	require.Contains(t, res.Errors, "bad")
	assert.Equal(t, errcode.InstanceHeartbeatLost, res.Errors["bad"].Code)
}

// TestWaitTimeoutPartial tests that a timeout returns the accumulated
// partition instead of an error
func TestWaitTimeoutPartial(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	require.NoError(t, s.AddReturnObject("done"))
	require.NoError(t, s.Put("done", []byte("v"), nil, false))
	require.NoError(t, s.SetReady("done"))
	require.NoError(t, s.AddReturnObject("never"))

	res := wm.Wait([]string{"done", "never"}, 2, 50*time.Millisecond)
	assert.Equal(t, []string{"done"}, res.Ready)
	assert.Equal(t, []string{"never"}, res.Unready)
}

// TestWaitUnknownID tests that an unknown id counts as errored
// immediately
func TestWaitUnknownID(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	res := wm.Wait([]string{"ghost"}, 1, 50*time.Millisecond)
	require.Contains(t, res.Errors, "ghost")
	assert.Equal(t, errcode.ObjectNotFound, res.Errors["ghost"].Code)
}

// TestWaitZeroMinReady tests immediate return with everything unready
func TestWaitZeroMinReady(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	require.NoError(t, s.AddReturnObject("o1"))

	start := time.Now()
	res := wm.Wait([]string{"o1"}, 0, 5*time.Second)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"o1"}, res.Unready)
}

// TestWaitDuplicateIDs tests that duplicates collapse instead of
// inflating the threshold
func TestWaitDuplicateIDs(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	addReady(t, s, "o1", []byte("v"))

	res := wm.Wait([]string{"o1", "o1", "o1"}, 3, 100*time.Millisecond)
	assert.Equal(t, []string{"o1"}, res.Ready)
	assert.Empty(t, res.Unready)
}

// TestWaitCheckSignals tests the abort path: the polled callback fails
// the wait and its status lands on every still-unready id
func TestWaitCheckSignals(t *testing.T) {
	s, _ := newTestStore(t)

	var aborted atomic.Bool
	wm := NewWaitManager(s, func() *errcode.Status {
		if aborted.Load() {
			return errcode.Newf(errcode.RequestCancelled, "caller went away")
		}
		return nil
	})
	wm.pollInterval = 10 * time.Millisecond

	addReady(t, s, "done", []byte("v"))
	require.NoError(t, s.AddReturnObject("pending"))

	go func() {
		time.Sleep(30 * time.Millisecond)
		aborted.Store(true)
	}()

	start := time.Now()
	res := wm.Wait([]string{"done", "pending"}, 2, 5*time.Second)
	assert.Less(t, time.Since(start), 2*time.Second, "abort must cut the wait short")
	assert.Equal(t, []string{"done"}, res.Ready)
	assert.Empty(t, res.Unready)
	require.Contains(t, res.Errors, "pending")
	assert.Equal(t, errcode.RequestCancelled, res.Errors["pending"].Code)
}

// TestGetBlocking tests that Get waits for readiness and then returns
// payloads
func TestGetBlocking(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	require.NoError(t, s.AddReturnObject("o1"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Put("o1", []byte("payload"), nil, false)
		s.SetReady("o1")
	}()

	data, err := wm.Get([]string{"o1"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data["o1"])
}

// TestGetTimeout tests the all-or-nothing timeout surface
func TestGetTimeout(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	require.NoError(t, s.AddReturnObject("o1"))

	_, err := wm.Get([]string{"o1"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errcode.RequestTimeOut, errcode.CodeOf(err))
}

// TestGetSurfacesObjectError tests that an errored member fails the
// whole get with its own status
func TestGetSurfacesObjectError(t *testing.T) {
	s, _ := newTestStore(t)
	wm := NewWaitManager(s, nil)

	addReady(t, s, "ok", []byte("v"))
	require.NoError(t, s.AddReturnObject("bad"))
	require.NoError(t, s.SetError("bad", errcode.Newf(errcode.ObjectError, "producer failed")))

	_, err := wm.Get([]string{"ok", "bad"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, errcode.ObjectError, errcode.CodeOf(err))
}
