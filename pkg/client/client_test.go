package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-sh/skein/pkg/agent"
	"github.com/skein-sh/skein/pkg/config"
	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/metastore"
	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/runtime"
	"github.com/skein-sh/skein/pkg/server"
	"github.com/skein-sh/skein/pkg/types"
)

// testBed is one control plane, one memory-runtime agent, and a client
// talking to them over real TCP.
type testBed struct {
	t   *testing.T
	srv *server.Server
	rt  *runtime.Memory
	ag  *agent.Agent
	cli *Client
}

func startBed(t *testing.T) *testBed {
	t.Helper()
	srv := startServer(t, "s1", "127.0.0.1:7451", metastore.NewMem())
	rt := newTestRuntime()
	ag := startAgent(t, srv.Addr(), rt)
	b := &testBed{t: t, srv: srv, rt: rt, ag: ag}
	b.cli = newTestClient(t, "cli-"+t.Name(), srv.Addr())
	waitForNodes(t, b.cli, 1)
	return b
}

func startServer(t *testing.T, nodeID, advertise string, store metastore.Store) *server.Server {
	t.Helper()
	srv, err := server.New(&config.ServerConfig{
		NodeID:             nodeID,
		BindAddr:           "127.0.0.1:0",
		AdvertiseAddr:      advertise,
		HeartbeatGraceMs:   30000,
		KillGroupTimeoutMs: 3000,
		Scheduler:          config.SchedulerConfig{PreemptDebugUnits: 3},
		Log:                config.LogConfig{Level: "error"},
	}, store)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

// newTestRuntime registers echo (returns method:args), slow (400ms
// echo), and pair (two payloads, left:args and right:args).
func newTestRuntime() *runtime.Memory {
	rt := runtime.NewMemory()
	rt.RegisterFunction("urn:faas:fn:echo", func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		env, err := rpc.DecodeInvokeEnvelope(payload)
		if err != nil {
			return nil, err
		}
		return append([]byte(env.Method+":"), env.Args...), nil
	})
	rt.RegisterFunction("urn:faas:fn:slow", func(ctx context.Context, _ string, payload []byte) ([]byte, error) {
		select {
		case <-time.After(400 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		env, err := rpc.DecodeInvokeEnvelope(payload)
		if err != nil {
			return nil, err
		}
		return append([]byte(env.Method+":"), env.Args...), nil
	})
	rt.RegisterFunction("urn:faas:fn:pair", func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		env, err := rpc.DecodeInvokeEnvelope(payload)
		if err != nil {
			return nil, err
		}
		parts := [][]byte{
			append([]byte("left:"), env.Args...),
			append([]byte("right:"), env.Args...),
		}
		var buf []byte
		if err := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{}).Encode(parts); err != nil {
			return nil, err
		}
		return buf, nil
	})
	return rt
}

func startAgent(t *testing.T, serverAddr string, rt *runtime.Memory) *agent.Agent {
	t.Helper()
	ag, err := agent.New(agent.Config{
		NodeID:            "n1",
		AdvertiseAddr:     "10.0.0.20:4700",
		Servers:           []string{serverAddr},
		Capacity:          types.Resources{CPU: 1000, Memory: 1000},
		Runtime:           rt,
		HeartbeatInterval: 25 * time.Millisecond,
		KillGrace:         200 * time.Millisecond,
		InvokeTimeout:     2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, ag.Start())
	t.Cleanup(ag.Stop)
	return ag
}

func newTestClient(t *testing.T, clientID string, addrs ...string) *Client {
	t.Helper()
	cli, err := New(Options{
		Servers:         addrs,
		ClientID:        clientID,
		DialTimeout:     2 * time.Second,
		CallTimeout:     5 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    20 * time.Millisecond,
		MaxRetryBackoff: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cli.Finalize() })
	waitAttached(t, cli)
	return cli
}

func waitAttached(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.notifyConn != nil
	}, 5*time.Second, 10*time.Millisecond, "notify stream never attached")
}

func waitAttachedTo(t *testing.T, c *Client, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		fc := c.notifyConn
		c.mu.Unlock()
		return fc != nil && fc.RemoteAddr().String() == addr
	}, 5*time.Second, 10*time.Millisecond, "notify stream never reached %s", addr)
}

func waitForNodes(t *testing.T, c *Client, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		res, err := c.Resources(context.Background())
		return err == nil && len(res.Units) == n
	}, 5*time.Second, 10*time.Millisecond, "agent never registered")
}

// waitResult blocks on a pending with a test-scoped deadline and
// requires success.
func waitResult(t *testing.T, p *Pending) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	require.NoError(t, err, "request %s failed", p.RequestID())
	return res
}

func createRunning(t *testing.T, c *Client, spec rpc.CreateSpec) string {
	t.Helper()
	p, err := c.Create(context.Background(), spec)
	require.NoError(t, err)
	res := waitResult(t, p)
	require.NotEmpty(t, res.InstanceID)
	return res.InstanceID
}

func allocatableCPU(t *testing.T, c *Client, unitID string) int64 {
	t.Helper()
	res, err := c.Resources(context.Background())
	require.NoError(t, err)
	for _, u := range res.Units {
		if u.UnitID == unitID {
			return u.Allocatable.CPU
		}
	}
	t.Fatalf("unit %s missing from resource view", unitID)
	return 0
}

func echoSpec(cpu, mem int64) rpc.CreateSpec {
	return rpc.CreateSpec{
		Function:  "urn:faas:fn:echo",
		Resources: types.Resources{CPU: cpu, Memory: mem},
	}
}

func slowSpec(cpu, mem int64) rpc.CreateSpec {
	return rpc.CreateSpec{
		Function:  "urn:faas:fn:slow",
		Resources: types.Resources{CPU: cpu, Memory: mem},
	}
}

func pairSpec(cpu, mem int64) rpc.CreateSpec {
	return rpc.CreateSpec{
		Function:  "urn:faas:fn:pair",
		Resources: types.Resources{CPU: cpu, Memory: mem},
	}
}

// TestClientCreateInvokeRoundTrip tests the basic create, invoke, read
// result cycle with the inlined single-return payload
func TestClientCreateInvokeRoundTrip(t *testing.T) {
	b := startBed(t)
	ctx := context.Background()

	id := createRunning(t, b.cli, echoSpec(100, 100))
	assert.Contains(t, b.cli.OwnedInstances(), id)

	p, err := b.cli.Invoke(ctx, id, "greet", []byte("world"), InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.SeqNo())

	res := waitResult(t, p)
	assert.Equal(t, id, res.InstanceID)
	assert.Equal(t, []byte("greet:world"), res.Payload)
	require.Len(t, res.ObjectIDs, 1)

	// The settled return object is mirrored locally.
	data, err := b.cli.Get(ctx, res.ObjectIDs, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "greet:world", string(data[res.ObjectIDs[0]]))

	p2, err := b.cli.Invoke(ctx, id, "again", nil, InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p2.SeqNo())
	waitResult(t, p2)
}

// TestClientMultiReturnFetchesRemote tests that a multi-return invoke
// resolves to remote-marked objects whose reads fetch through the
// cluster
func TestClientMultiReturnFetchesRemote(t *testing.T) {
	b := startBed(t)
	ctx := context.Background()

	id := createRunning(t, b.cli, pairSpec(100, 100))
	p, err := b.cli.Invoke(ctx, id, "m", []byte("x"), InvokeOptions{Returns: 2})
	require.NoError(t, err)

	res := waitResult(t, p)
	require.Len(t, res.ObjectIDs, 2)
	assert.Nil(t, res.Payload, "multi-return results are never inlined")

	data, err := b.cli.Get(ctx, res.ObjectIDs, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "left:x", string(data[res.ObjectIDs[0]]))
	assert.Equal(t, "right:x", string(data[res.ObjectIDs[1]]))

	ready, pending, err := b.cli.Wait(ctx, res.ObjectIDs, 2, time.Second)
	require.NoError(t, err)
	assert.ElementsMatch(t, res.ObjectIDs, ready)
	assert.Empty(t, pending)
}

// TestClientObjectsAcrossClients tests that one client's stored object
// is readable and pinnable from another
func TestClientObjectsAcrossClients(t *testing.T) {
	b := startBed(t)
	ctx := context.Background()
	peer := newTestClient(t, "cli-peer-"+t.Name(), b.srv.Addr())

	id, err := b.cli.Put(ctx, []byte("shared-data"), nil)
	require.NoError(t, err)

	// The uploader reads its local mirror.
	data, err := b.cli.Get(ctx, []string{id}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "shared-data", string(data[id]))

	// The peer has no mirror and fetches from the cluster.
	data, err = peer.Get(ctx, []string{id}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "shared-data", string(data[id]))

	require.NoError(t, peer.IncRef(ctx, id))

	// An unknown id settles as an error and rides in the ready list
	// next to the real object; a Get tells them apart.
	ready, pending, err := peer.Wait(ctx, []string{id, "obj-ghost"}, 2, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{id, "obj-ghost"}, ready)
	assert.Empty(t, pending)

	_, err = peer.Get(ctx, []string{"obj-ghost"}, 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errcode.ObjectNotFound, errcode.CodeOf(err))

	require.NoError(t, peer.DecRef(ctx, id))
}

// TestClientGroupLifecycle tests gang create, the member-list handle
// object, queue handles, and group teardown
func TestClientGroupLifecycle(t *testing.T) {
	b := startBed(t)
	ctx := context.Background()

	p, err := b.cli.CreateGroup(ctx, []rpc.CreateSpec{
		echoSpec(300, 300),
		echoSpec(300, 300),
	}, types.GroupOptions{SameLifecycle: true})
	require.NoError(t, err)

	res := waitResult(t, p)
	require.NotEmpty(t, res.GroupID)
	members := p.InstanceIDs()
	require.Len(t, members, 2)
	assert.ElementsMatch(t, members, b.cli.OwnedInstances())
	assert.Equal(t, int64(400), allocatableCPU(t, b.cli, "n1"))

	// The group pending resolves to a handle object listing the
	// members.
	require.Len(t, res.ObjectIDs, 1)
	data, err := b.cli.Get(ctx, res.ObjectIDs, time.Second)
	require.NoError(t, err)
	var decoded []string
	require.NoError(t, json.Unmarshal(data[res.ObjectIDs[0]], &decoded))
	assert.Equal(t, members, decoded)

	handles, err := b.cli.Accelerate(ctx, members...)
	require.NoError(t, err)
	for _, id := range members {
		assert.Equal(t, "mem://"+id, handles[id])
	}

	require.NoError(t, b.cli.KillGroup(ctx, res.GroupID))
	require.Eventually(t, func() bool {
		return allocatableCPU(t, b.cli, "n1") == 1000
	}, 5*time.Second, 25*time.Millisecond, "group claim never released")
}

// TestClientFanOutSpecs tests bundle label synthesis when one spec
// fans out into a gang
func TestClientFanOutSpecs(t *testing.T) {
	spec := echoSpec(100, 100)
	specs, err := fanOutSpecs(spec, types.GroupOptions{
		TotalSize:  5,
		BundleSize: 2,
		GroupName:  "fan",
	})
	require.NoError(t, err)
	require.Len(t, specs, 5)

	// Members 0, 2, 4 anchor their bundles; 1 and 3 follow them.
	for i, anchor := range map[int]string{0: "fan_bundle_0", 2: "fan_bundle_1", 4: "fan_bundle_2"} {
		assert.Equal(t, "1", specs[i].Labels[anchor], "member %d should anchor %s", i, anchor)
		assert.Nil(t, specs[i].Options.Affinity)
	}
	for i, lbl := range map[int]string{1: "fan_bundle_0", 3: "fan_bundle_1"} {
		require.NotNil(t, specs[i].Options.Affinity)
		sel := specs[i].Options.Affinity.InstanceRequired
		require.NotNil(t, sel)
		require.Len(t, sel.SubConditions, 1)
		assert.Contains(t, sel.SubConditions[0].Expressions, types.Expression{Key: lbl, Op: types.SelectorOpExists})
		assert.Empty(t, specs[i].Labels)
	}

	// The input spec stays untouched.
	assert.Empty(t, spec.Labels)
	assert.Nil(t, spec.Options.Affinity)

	_, err = fanOutSpecs(spec, types.GroupOptions{TotalSize: 5, BundleSize: 6, GroupName: "fan"})
	assert.Equal(t, errcode.ParameterError, errcode.CodeOf(err))
	_, err = fanOutSpecs(spec, types.GroupOptions{TotalSize: 5, BundleSize: 2})
	assert.Equal(t, errcode.ParameterError, errcode.CodeOf(err))
	_, err = fanOutSpecs(spec, types.GroupOptions{TotalSize: 0, GroupName: "fan"})
	assert.Equal(t, errcode.ParameterError, errcode.CodeOf(err))
	_, err = fanOutSpecs(spec, types.GroupOptions{TotalSize: 1001, GroupName: "fan"})
	assert.Equal(t, errcode.ParameterError, errcode.CodeOf(err))
}

// TestClientFunctionGroupBundles tests a fanned-out function group
// placing end to end
func TestClientFunctionGroupBundles(t *testing.T) {
	b := startBed(t)
	ctx := context.Background()

	p, err := b.cli.CreateFunctionGroup(ctx, echoSpec(200, 200), types.GroupOptions{
		TotalSize:     4,
		BundleSize:    2,
		GroupName:     "workers",
		SameLifecycle: true,
	})
	require.NoError(t, err)

	res := waitResult(t, p)
	require.NotEmpty(t, res.GroupID)
	members := p.InstanceIDs()
	require.Len(t, members, 4)
	assert.Equal(t, int64(200), allocatableCPU(t, b.cli, "n1"))

	require.Len(t, res.ObjectIDs, 1)
	data, err := b.cli.Get(ctx, res.ObjectIDs, time.Second)
	require.NoError(t, err)
	var decoded []string
	require.NoError(t, json.Unmarshal(data[res.ObjectIDs[0]], &decoded))
	assert.Equal(t, members, decoded)

	require.NoError(t, b.cli.KillGroup(ctx, res.GroupID))
	require.Eventually(t, func() bool {
		return allocatableCPU(t, b.cli, "n1") == 1000
	}, 5*time.Second, 25*time.Millisecond)
}

// TestClientValidationErrors tests that malformed requests are refused
// before anything reaches the wire
func TestClientValidationErrors(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	// Nothing below should dial; the address is a dead port.
	cli, err := New(Options{
		Servers:      []string{"127.0.0.1:1"},
		ClientID:     "cli-validate",
		DialTimeout:  100 * time.Millisecond,
		RetryBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cli.Finalize() })
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"missing function", func() error {
			_, err := cli.Create(ctx, rpc.CreateSpec{})
			return err
		}},
		{"underscore label", func() error {
			spec := echoSpec(1, 1)
			spec.Labels = map[string]string{"bad_key": "v"}
			_, err := cli.Create(ctx, spec)
			return err
		}},
		{"edge dash label", func() error {
			spec := echoSpec(1, 1)
			spec.Labels = map[string]string{"-edge": "v"}
			_, err := cli.Create(ctx, spec)
			return err
		}},
		{"oversized name", func() error {
			spec := echoSpec(1, 1)
			spec.Name = string(make([]byte, 65))
			_, err := cli.Create(ctx, spec)
			return err
		}},
		{"negative demand", func() error {
			_, err := cli.Create(ctx, rpc.CreateSpec{
				Function:  "urn:faas:fn:echo",
				Resources: types.Resources{CPU: -1},
			})
			return err
		}},
		{"empty instance id", func() error {
			_, err := cli.Invoke(ctx, "", "m", nil, InvokeOptions{})
			return err
		}},
		{"empty method", func() error {
			_, err := cli.Invoke(ctx, "ins-x", "", nil, InvokeOptions{})
			return err
		}},
		{"empty group", func() error {
			_, err := cli.CreateGroup(ctx, nil, types.GroupOptions{})
			return err
		}},
		{"missing parent", func() error {
			_, err := cli.CreateChildGroup(ctx, []rpc.CreateSpec{echoSpec(1, 1)}, types.GroupOptions{}, "")
			return err
		}},
		{"no members", func() error {
			_, err := cli.InvokeGroup(ctx, nil, "m", nil, 3, InvokeOptions{})
			return err
		}},
		{"returns under members", func() error {
			_, err := cli.InvokeGroup(ctx, []string{"a", "b"}, "m", nil, 1, InvokeOptions{})
			return err
		}},
	}
	for _, tc := range cases {
		err := tc.call()
		require.Error(t, err, tc.name)
		assert.Equal(t, errcode.ParameterError, errcode.CodeOf(err), tc.name)
	}
}

// TestClientRetryResubmitsOnAgentLoss tests that retryable completion
// failures resubmit under the same request id until attempts run out
func TestClientRetryResubmitsOnAgentLoss(t *testing.T) {
	b := startBed(t)
	ctx := context.Background()

	id := createRunning(t, b.cli, echoSpec(100, 100))

	// Drop the agent session. The record stays under heartbeat grace,
	// so every forward fails fast at the dead session.
	b.ag.Stop()

	p, err := b.cli.Invoke(ctx, id, "m", nil, InvokeOptions{})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := p.Wait(wctx)
	require.Error(t, err)
	assert.True(t, res.Code.Retryable(), "final code %d is not transport-level", res.Code)

	p.mu.Lock()
	attempts := p.attempts
	p.mu.Unlock()
	assert.Equal(t, 3, attempts, "initial submit plus MaxRetries resubmissions")
}

// TestClientFinalizeDrains tests that Finalize fails waiters first,
// then reaps owned instances
func TestClientFinalizeDrains(t *testing.T) {
	b := startBed(t)
	ctx := context.Background()
	peer := newTestClient(t, "cli-peer-"+t.Name(), b.srv.Addr())

	keeper := slowSpec(200, 200)
	keeper.Name = "keeper"
	id := createRunning(t, b.cli, keeper)

	named, err := peer.QueryNamed(ctx, "keeper")
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, id, named[0].InstanceID)

	p, err := b.cli.Invoke(ctx, id, "m", nil, InvokeOptions{})
	require.NoError(t, err)

	require.NoError(t, b.cli.Finalize())

	res, err := p.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.Finalized, res.Code)
	assert.Equal(t, "client finalized", res.Message)
	assert.Empty(t, b.cli.OwnedInstances())

	_, err = b.cli.Create(ctx, echoSpec(1, 1))
	assert.Equal(t, errcode.Finalized, errcode.CodeOf(err))

	// Finalize again is a no-op.
	require.NoError(t, b.cli.Finalize())

	require.Eventually(t, func() bool {
		named, err := peer.QueryNamed(ctx, "keeper")
		return err == nil && len(named) == 0
	}, 5*time.Second, 25*time.Millisecond, "owned instance survived finalize")
}

// TestClientReleaseSurvivesFinalize tests that released instances
// outlive the client that created them
func TestClientReleaseSurvivesFinalize(t *testing.T) {
	b := startBed(t)
	ctx := context.Background()
	peer := newTestClient(t, "cli-peer-"+t.Name(), b.srv.Addr())

	handoff := echoSpec(100, 100)
	handoff.Name = "handoff"
	id := createRunning(t, b.cli, handoff)

	b.cli.Release(id)
	assert.Empty(t, b.cli.OwnedInstances())
	require.NoError(t, b.cli.Finalize())

	// The instance is still there for everyone else.
	time.Sleep(100 * time.Millisecond)
	named, err := peer.QueryNamed(ctx, "handoff")
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, id, named[0].InstanceID)
}

// electedStore is a standalone store that reports an external leader,
// putting the server it backs into follower mode.
type electedStore struct {
	*metastore.Mem
	leaderID string
}

func (s *electedStore) IsLeader() bool        { return false }
func (s *electedStore) LeaderID() string      { return s.leaderID }
func (s *electedStore) LeaderCh() <-chan bool { return nil }

// TestClientLeaderRedirect tests that a client seeded with a follower
// chases the not-leader hint and moves its push stream to the leader
func TestClientLeaderRedirect(t *testing.T) {
	ctx := context.Background()

	leader := startServer(t, "s1", "127.0.0.1:7451", metastore.NewMem())
	startAgent(t, leader.Addr(), newTestRuntime())
	probe := newTestClient(t, "cli-probe-"+t.Name(), leader.Addr())
	waitForNodes(t, probe, 1)

	store := &electedStore{Mem: metastore.NewMem(), leaderID: "s9"}
	_, err := store.Put(ctx, metastore.ServerKey("s9"), []byte(leader.Addr()), metastore.PutOptions{})
	require.NoError(t, err)
	follower := startServer(t, "s2", "127.0.0.1:7452", store)

	cli := newTestClient(t, "cli-redirect", follower.Addr())

	// Any mutating call bounces off the follower with the leader's
	// address and lands there on the retry.
	require.NoError(t, cli.KillAll(ctx))

	cli.mu.Lock()
	pref := cli.preferred
	cli.mu.Unlock()
	assert.Equal(t, leader.Addr(), pref)

	// The redirect kicks the push stream over to the leader, so
	// results flow again.
	waitAttachedTo(t, cli, leader.Addr())

	id := createRunning(t, cli, echoSpec(100, 100))
	p, err := cli.Invoke(ctx, id, "hop", []byte("done"), InvokeOptions{})
	require.NoError(t, err)
	res := waitResult(t, p)
	assert.Equal(t, []byte("hop:done"), res.Payload)
}

// TestClientCancelQueued tests cancelling a create still waiting in
// the schedule queue
func TestClientCancelQueued(t *testing.T) {
	b := startBed(t)
	ctx := context.Background()

	createRunning(t, b.cli, echoSpec(800, 800))

	blocked := echoSpec(800, 800)
	blocked.Options.ScheduleTimeoutMs = 30000
	p, err := b.cli.Create(ctx, blocked)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := b.cli.Resources(ctx)
		return err == nil && res.QueueDepths["pending"] == 1
	}, 2*time.Second, 10*time.Millisecond, "create never queued")

	ok, err := b.cli.Cancel(ctx, p.RequestID())
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := p.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, errcode.RequestCancelled, res.Code)

	// A second cancel finds nothing.
	ok, err = b.cli.Cancel(ctx, p.RequestID())
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestClientInvokeGroupSplit tests fanning an invoke over members with
// an uneven return object split
func TestClientInvokeGroupSplit(t *testing.T) {
	b := startBed(t)
	ctx := context.Background()

	idA := createRunning(t, b.cli, pairSpec(300, 300))
	idB := createRunning(t, b.cli, pairSpec(300, 300))

	pendings, err := b.cli.InvokeGroup(ctx, []string{idA, idB}, "m", []byte("g"), 3, InvokeOptions{})
	require.NoError(t, err)
	require.Len(t, pendings, 2)

	// First member takes the remainder: two returns, split payloads.
	res0 := waitResult(t, pendings[0])
	require.Len(t, res0.ObjectIDs, 2)
	assert.Nil(t, res0.Payload)
	data, err := b.cli.Get(ctx, res0.ObjectIDs, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "left:g", string(data[res0.ObjectIDs[0]]))
	assert.Equal(t, "right:g", string(data[res0.ObjectIDs[1]]))

	// Second member keeps its single return inline and unsplit.
	res1 := waitResult(t, pendings[1])
	require.Len(t, res1.ObjectIDs, 1)
	require.NotNil(t, res1.Payload)
	data, err = b.cli.Get(ctx, res1.ObjectIDs, time.Second)
	require.NoError(t, err)
	assert.Equal(t, res1.Payload, data[res1.ObjectIDs[0]])
}

// TestClientPendingWaitSemantics tests that abandoning a wait leaves
// the request running and later waits see the same result
func TestClientPendingWaitSemantics(t *testing.T) {
	b := startBed(t)
	ctx := context.Background()

	id := createRunning(t, b.cli, slowSpec(100, 100))
	p, err := b.cli.Invoke(ctx, id, "m", []byte("x"), InvokeOptions{})
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	res, err := p.Wait(cctx)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, errcode.RequestCancelled, errcode.CodeOf(err))

	res2 := waitResult(t, p)
	assert.Equal(t, []byte("m:x"), res2.Payload)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done should be closed after completion")
	}

	res3, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, res2, res3)
}
