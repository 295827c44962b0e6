package agent

import (
	"context"
	"time"

	"github.com/skein-sh/skein/pkg/health"
	"github.com/skein-sh/skein/pkg/types"
)

// monitorInstance probes one instance on its configured interval and
// reports sub-health flips. Sub-health only marks the instance; it
// never kills.
func (a *Agent) monitorInstance(ctx context.Context, instanceID string, hc types.HealthCheck) {
	checker, err := health.ForCheck(&hc)
	if err != nil {
		a.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("health check rejected")
		return
	}

	var tr health.Tracker
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, hc.Timeout)
		res := checker.Check(probeCtx)
		cancel()
		if tr.Observe(res, hc.SubHealthyAfter) {
			a.setSubHealth(instanceID, tr.SubHealthy, res.Message)
		}
	}

	ticker := time.NewTicker(hc.Interval)
	defer ticker.Stop()

	probe()
	for {
		select {
		case <-ticker.C:
			probe()
		case <-ctx.Done():
			return
		}
	}
}

// setSubHealth records the flip locally and pushes it so placement
// reacts before the next heartbeat.
func (a *Agent) setSubHealth(instanceID string, subHealthy bool, msg string) {
	a.mu.Lock()
	rec, ok := a.instances[instanceID]
	if !ok {
		a.mu.Unlock()
		return
	}
	rec.subHealthy = subHealthy
	rec.subMsg = ""
	if subHealthy {
		rec.subMsg = msg
	}
	state := rec.state
	subMsg := rec.subMsg
	a.mu.Unlock()

	if subHealthy {
		a.logger.Warn().Str("instance_id", instanceID).Str("probe", msg).
			Msg("instance sub-healthy")
	} else {
		a.logger.Info().Str("instance_id", instanceID).Msg("instance recovered")
	}

	a.reportState(instanceID, state, subHealthy, subMsg, "")
}
