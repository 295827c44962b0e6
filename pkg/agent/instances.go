package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/health"
	"github.com/skein-sh/skein/pkg/runtime"
	"github.com/skein-sh/skein/pkg/types"
)

// localInstance is the agent's record of one hosted instance.
type localInstance struct {
	ins    *types.Instance
	state  types.InstanceState
	health *types.HealthCheck

	subHealthy bool
	subMsg     string

	// cancelMon stops the health monitor; exited closes once the exit
	// watcher has reported and cleaned up.
	cancelMon context.CancelFunc
	exited    chan struct{}
}

// createInstance materializes and starts one instance and begins
// watching its exit. The caller (the create endpoint) relays any
// error back to the control plane, which owns the failure handling.
func (a *Agent) createInstance(ins *types.Instance, hc *types.HealthCheck) error {
	if ins == nil || ins.InstanceID == "" {
		return errcode.New(errcode.ParameterError, "create carries no instance")
	}

	cp := *ins
	rec := &localInstance{
		ins:    &cp,
		state:  types.InstanceStateCreating,
		exited: make(chan struct{}),
	}

	a.mu.Lock()
	if _, exists := a.instances[cp.InstanceID]; exists {
		a.mu.Unlock()
		return errcode.Newf(errcode.InstanceStateConflict, "instance %s already hosted", cp.InstanceID)
	}
	a.instances[cp.InstanceID] = rec
	a.mu.Unlock()

	if err := a.rt.Create(a.ctx, &cp); err != nil {
		a.dropInstance(cp.InstanceID)
		return err
	}
	if err := a.rt.Start(a.ctx, cp.InstanceID); err != nil {
		a.rt.Destroy(a.ctx, cp.InstanceID)
		a.dropInstance(cp.InstanceID)
		return err
	}

	exitCh, err := a.rt.Wait(a.ctx, cp.InstanceID)
	if err != nil {
		a.rt.Kill(a.ctx, cp.InstanceID, types.SignalShutDown, 0)
		a.rt.Destroy(a.ctx, cp.InstanceID)
		a.dropInstance(cp.InstanceID)
		return err
	}

	a.mu.Lock()
	rec.state = types.InstanceStateRunning
	if hc != nil {
		norm := health.Normalize(*hc)
		rec.health = &norm
		monCtx, cancel := context.WithCancel(a.ctx)
		rec.cancelMon = cancel
		go a.monitorInstance(monCtx, cp.InstanceID, norm)
	}
	a.mu.Unlock()

	go a.watchExit(cp.InstanceID, rec, exitCh)

	a.logger.Info().Str("instance_id", cp.InstanceID).Str("function", cp.Function).
		Msg("instance running")
	return nil
}

// watchExit waits for the instance to stop, reports the terminal
// state and cleans up the local footprint.
func (a *Agent) watchExit(instanceID string, rec *localInstance, exitCh <-chan runtime.ExitStatus) {
	st, ok := <-exitCh
	if !ok {
		// Runtime watch ended without an exit, the agent is stopping.
		return
	}

	state := types.InstanceStateExited
	if st.Code != 0 {
		state = types.InstanceStateFatal
	}

	a.mu.Lock()
	rec.state = state
	if rec.cancelMon != nil {
		rec.cancelMon()
		rec.cancelMon = nil
	}
	a.mu.Unlock()

	a.seq.Drop(instanceID)
	a.reportState(instanceID, state, false, "", fmt.Sprintf("exit code %d", st.Code))

	a.rt.Destroy(a.ctx, instanceID)
	a.dropInstance(instanceID)
	close(rec.exited)

	a.logger.Info().Str("instance_id", instanceID).Uint32("exit_code", st.Code).
		Msg("instance exited")
}

// dropInstance removes the local record.
func (a *Agent) dropInstance(instanceID string) {
	a.mu.Lock()
	if rec, ok := a.instances[instanceID]; ok {
		if rec.cancelMon != nil {
			rec.cancelMon()
		}
		delete(a.instances, instanceID)
	}
	a.mu.Unlock()
}

func (a *Agent) lookup(instanceID string) (*localInstance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.instances[instanceID]
	if !ok {
		return nil, errcode.Newf(errcode.InstanceNotFound, "instance %s not hosted here", instanceID)
	}
	return rec, nil
}

// signalInstance applies one signal. Accelerate returns the direct
// queue handle, the sync kill blocks until the exit is processed, and
// everything else kills with the configured grace in the background.
func (a *Agent) signalInstance(instanceID string, sig types.Signal, reason string) (string, error) {
	rec, err := a.lookup(instanceID)
	if err != nil {
		return "", err
	}

	if sig == types.SignalAccelerate {
		return a.rt.QueueHandle(instanceID), nil
	}

	a.logger.Info().Str("instance_id", instanceID).Int32("signal", int32(sig)).
		Str("reason", reason).Msg("signalling instance")

	if sig == types.SignalKillInstanceSync {
		if err := a.rt.Kill(a.ctx, instanceID, sig, 0); err != nil {
			return "", err
		}
		select {
		case <-rec.exited:
			return "", nil
		case <-time.After(a.cfg.KillGrace):
			return "", errcode.Newf(errcode.RequestTimeOut, "instance %s did not exit in %s", instanceID, a.cfg.KillGrace)
		case <-a.stopCh:
			return "", errcode.New(errcode.ConnectionClosed, "agent stopping")
		}
	}

	go func() {
		if err := a.rt.Kill(a.ctx, instanceID, sig, a.cfg.KillGrace); err != nil {
			a.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("kill failed")
		}
	}()
	return "", nil
}

// killAll signals every hosted instance.
func (a *Agent) killAll(sig types.Signal, reason string) []string {
	a.mu.Lock()
	ids := make([]string, 0, len(a.instances))
	for id := range a.instances {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.signalInstance(id, sig, reason)
	}
	return ids
}

// clearGroup kills every hosted member of the group.
func (a *Agent) clearGroup(groupID string, sig types.Signal) []string {
	if sig == 0 {
		sig = types.SignalGroupExit
	}

	a.mu.Lock()
	ids := make([]string, 0, 4)
	for id, rec := range a.instances {
		if rec.ins.GroupID == groupID {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	for _, id := range ids {
		a.signalInstance(id, sig, fmt.Sprintf("group %s cleared", groupID))
	}
	return ids
}
