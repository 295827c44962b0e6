package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/types"
)

// TestParseFunction tests URN parsing and the default tag
func TestParseFunction(t *testing.T) {
	cases := []struct {
		fn   string
		name string
		tag  string
		bad  bool
	}{
		{fn: "urn:faas:fn:echo", name: "echo", tag: "latest"},
		{fn: "urn:faas:fn:echo:v2", name: "echo", tag: "v2"},
		{fn: "urn:faas:fn:img-resize:1.4.0", name: "img-resize", tag: "1.4.0"},
		{fn: "echo", bad: true},
		{fn: "urn:faas:fn:", bad: true},
		{fn: "urn:faas:fn::v2", bad: true},
		{fn: "urn:faas:fn:echo:", bad: true},
		{fn: "", bad: true},
	}
	for _, tc := range cases {
		t.Run(tc.fn, func(t *testing.T) {
			name, tag, err := ParseFunction(tc.fn)
			if tc.bad {
				require.Error(t, err)
				assert.True(t, errcode.Is(err, errcode.ParameterError))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.name, name)
			assert.Equal(t, tc.tag, tag)
		})
	}
}

func echoInstance(id string) *types.Instance {
	return &types.Instance{
		InstanceID: id,
		Function:   "urn:faas:fn:echo",
		Resources:  types.Resources{CPU: 100, Memory: 64},
	}
}

func newEchoRuntime(t *testing.T) *Memory {
	t.Helper()
	rt := NewMemory()
	rt.RegisterFunction("urn:faas:fn:echo", func(_ context.Context, method string, payload []byte) ([]byte, error) {
		if method == "fail" {
			return nil, errors.New("boom")
		}
		return append([]byte(method+":"), payload...), nil
	})
	t.Cleanup(func() { rt.Close() })
	return rt
}

// TestMemoryLifecycle tests the create/start/invoke/kill path
func TestMemoryLifecycle(t *testing.T) {
	rt := newEchoRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.Create(ctx, echoInstance("i1")))

	state, err := rt.Status(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateCreating, state)

	// Invoking before start is a state conflict.
	_, err = rt.Invoke(ctx, "i1", "ping", nil)
	assert.True(t, errcode.Is(err, errcode.InstanceStateConflict))

	require.NoError(t, rt.Start(ctx, "i1"))
	state, err = rt.Status(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateRunning, state)

	out, err := rt.Invoke(ctx, "i1", "ping", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "ping:hello", string(out))

	require.NoError(t, rt.Kill(ctx, "i1", types.SignalShutDown, time.Second))
	state, err = rt.Status(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateExited, state)
}

// TestMemoryCreateUnregistered tests the user-code-load failure
func TestMemoryCreateUnregistered(t *testing.T) {
	rt := newEchoRuntime(t)

	ins := echoInstance("i1")
	ins.Function = "urn:faas:fn:missing"
	err := rt.Create(context.Background(), ins)
	assert.True(t, errcode.Is(err, errcode.UserCodeLoad))
}

// TestMemoryDoubleStart tests that a second start conflicts
func TestMemoryDoubleStart(t *testing.T) {
	rt := newEchoRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.Create(ctx, echoInstance("i1")))
	require.NoError(t, rt.Start(ctx, "i1"))
	err := rt.Start(ctx, "i1")
	assert.True(t, errcode.Is(err, errcode.InstanceStateConflict))
}

// TestMemoryWait tests exit delivery to waiters on both kill and crash
func TestMemoryWait(t *testing.T) {
	rt := newEchoRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.Create(ctx, echoInstance("i1")))
	require.NoError(t, rt.Start(ctx, "i1"))

	first, err := rt.Wait(ctx, "i1")
	require.NoError(t, err)
	second, err := rt.Wait(ctx, "i1")
	require.NoError(t, err)

	require.NoError(t, rt.Kill(ctx, "i1", types.SignalShutDown, time.Second))

	for _, ch := range []<-chan ExitStatus{first, second} {
		select {
		case st := <-ch:
			assert.Equal(t, uint32(0), st.Code)
			assert.False(t, st.At.IsZero())
		case <-time.After(2 * time.Second):
			t.Fatal("exit status not delivered")
		}
	}

	// A waiter attached after the exit still gets the status.
	late, err := rt.Wait(ctx, "i1")
	require.NoError(t, err)
	select {
	case st := <-late:
		assert.Equal(t, uint32(0), st.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("late waiter starved")
	}
}

// TestMemoryCrash tests that a nonzero exit turns the instance fatal
func TestMemoryCrash(t *testing.T) {
	rt := newEchoRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.Create(ctx, echoInstance("i1")))
	require.NoError(t, rt.Start(ctx, "i1"))

	ch, err := rt.Wait(ctx, "i1")
	require.NoError(t, err)

	require.NoError(t, rt.Exit("i1", 1))

	select {
	case st := <-ch:
		assert.Equal(t, uint32(1), st.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("exit status not delivered")
	}

	state, err := rt.Status(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateFatal, state)

	// Terminated twice is a conflict.
	err = rt.Exit("i1", 1)
	assert.True(t, errcode.Is(err, errcode.InstanceStateConflict))
}

// TestMemoryForcedKill tests that zero grace records the forced exit code
func TestMemoryForcedKill(t *testing.T) {
	rt := newEchoRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.Create(ctx, echoInstance("i1")))
	require.NoError(t, rt.Start(ctx, "i1"))
	require.NoError(t, rt.Kill(ctx, "i1", types.SignalKillInstanceSync, 0))

	state, err := rt.Status(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateFatal, state)

	// Killing a gone instance is a no-op, like the containerd runtime.
	require.NoError(t, rt.Kill(ctx, "nope", types.SignalShutDown, time.Second))
}

// TestMemoryInvokeErrors tests handler error folding
func TestMemoryInvokeErrors(t *testing.T) {
	rt := newEchoRuntime(t)
	ctx := context.Background()

	rt.RegisterFunction("urn:faas:fn:coded", func(context.Context, string, []byte) ([]byte, error) {
		return nil, errcode.New(errcode.ObjectNotFound, "object o1 not found")
	})

	require.NoError(t, rt.Create(ctx, echoInstance("i1")))
	require.NoError(t, rt.Start(ctx, "i1"))

	coded := echoInstance("i2")
	coded.Function = "urn:faas:fn:coded"
	require.NoError(t, rt.Create(ctx, coded))
	require.NoError(t, rt.Start(ctx, "i2"))

	// Plain handler errors fold to a user-function exception.
	_, err := rt.Invoke(ctx, "i1", "fail", nil)
	assert.True(t, errcode.Is(err, errcode.UserFunctionException))
	assert.Contains(t, err.Error(), "boom")

	// Coded statuses pass through untouched.
	_, err = rt.Invoke(ctx, "i2", "get", nil)
	assert.True(t, errcode.Is(err, errcode.ObjectNotFound))

	_, err = rt.Invoke(ctx, "ghost", "ping", nil)
	assert.True(t, errcode.Is(err, errcode.InstanceNotFound))
}

// TestMemoryDestroy tests record removal and list bookkeeping
func TestMemoryDestroy(t *testing.T) {
	rt := newEchoRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.Create(ctx, echoInstance("i2")))
	require.NoError(t, rt.Create(ctx, echoInstance("i1")))

	ids, err := rt.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i2"}, ids)

	require.NoError(t, rt.Destroy(ctx, "i1"))
	ids, err = rt.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"i2"}, ids)

	_, err = rt.Status(ctx, "i1")
	assert.True(t, errcode.Is(err, errcode.InstanceNotFound))

	assert.Equal(t, "mem://i2", rt.QueueHandle("i2"))
}

// TestContainerdImageFor tests URN to image reference mapping
func TestContainerdImageFor(t *testing.T) {
	bare := &Containerd{cfg: ContainerdConfig{}}
	ref, err := bare.ImageFor("urn:faas:fn:echo:v2")
	require.NoError(t, err)
	assert.Equal(t, "echo:v2", ref)

	prefixed := &Containerd{cfg: ContainerdConfig{ImagePrefix: "registry.example.com/fn"}}
	ref, err = prefixed.ImageFor("urn:faas:fn:echo")
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/fn/echo:latest", ref)

	_, err = prefixed.ImageFor("echo")
	assert.True(t, errcode.Is(err, errcode.ParameterError))
}
