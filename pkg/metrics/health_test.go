package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	health.mu.Lock()
	health.components = make(map[string]ComponentHealth)
	health.version = ""
	health.mu.Unlock()
}

// TestHealthVerdict folds mixed component states into one verdict.
func TestHealthVerdict(t *testing.T) {
	resetHealth(t)
	SetVersion("1.2.3")
	RegisterComponent("metastore", true, "replicated")
	RegisterComponent("rpc", true, "")

	rep := Health()
	require.True(t, rep.OK())
	assert.Equal(t, "healthy", rep.Status)
	assert.Equal(t, "1.2.3", rep.Version)
	assert.Len(t, rep.Components, 2)

	UpdateComponent("rpc", false, "listener closed")
	rep = Health()
	require.False(t, rep.OK())
	assert.Equal(t, "unhealthy", rep.Status)
	assert.Equal(t, "rpc: listener closed", rep.Message)
}

// TestReadinessGatesOnReadySet requires every ready-set component to
// have reported healthy.
func TestReadinessGatesOnReadySet(t *testing.T) {
	resetHealth(t)

	rep := Readiness()
	require.False(t, rep.OK())
	assert.Equal(t, "not_ready", rep.Status)
	assert.Contains(t, rep.Message, "waiting for")

	RegisterComponent("metastore", true, "")
	RegisterComponent("rpc", true, "")
	rep = Readiness()
	require.False(t, rep.OK(), "scheduler has not reported yet")

	RegisterComponent("scheduler", true, "standby")
	rep = Readiness()
	require.True(t, rep.OK())
	assert.Equal(t, "ready", rep.Status)

	UpdateComponent("metastore", false, "raft shutdown")
	rep = Readiness()
	require.False(t, rep.OK())
	assert.Equal(t, "metastore: raft shutdown", rep.Message)
}

// TestReadinessIgnoresExtraComponents keeps readiness scoped to the
// ready set while health still sees everything.
func TestReadinessIgnoresExtraComponents(t *testing.T) {
	resetHealth(t)
	RegisterComponent("metastore", true, "")
	RegisterComponent("rpc", true, "")
	RegisterComponent("scheduler", true, "")
	RegisterComponent("collector", false, "stalled")

	assert.False(t, Health().OK())
	assert.True(t, Readiness().OK())
}
