package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/types"
)

// Handler serves invocations for a registered function.
type Handler func(ctx context.Context, method string, payload []byte) ([]byte, error)

type memInstance struct {
	state   types.InstanceState
	handler Handler
	exit    ExitStatus
	done    chan struct{}
}

// Memory is an in-process Runtime for tests and local development.
// Functions are Go closures registered by URN; instances move through
// the same lifecycle the containerd runtime drives.
type Memory struct {
	mu        sync.Mutex
	functions map[string]Handler
	instances map[string]*memInstance
}

// NewMemory creates an empty in-process runtime.
func NewMemory() *Memory {
	return &Memory{
		functions: make(map[string]Handler),
		instances: make(map[string]*memInstance),
	}
}

// RegisterFunction installs the handler that serves instances of the
// function URN. Re-registering replaces the handler for new instances.
func (m *Memory) RegisterFunction(function string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.functions[function] = h
}

// Create materializes an instance of a registered function.
func (m *Memory) Create(_ context.Context, ins *types.Instance) error {
	if _, _, err := ParseFunction(ins.Function); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.functions[ins.Function]
	if !ok {
		return errcode.Newf(errcode.UserCodeLoad, "function %s is not registered", ins.Function)
	}
	if _, exists := m.instances[ins.InstanceID]; exists {
		return errcode.Newf(errcode.InstanceStateConflict, "instance %s already exists", ins.InstanceID)
	}

	m.instances[ins.InstanceID] = &memInstance{
		state:   types.InstanceStateCreating,
		handler: h,
		done:    make(chan struct{}),
	}
	return nil
}

// Start moves a created instance to RUNNING.
func (m *Memory) Start(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.instances[instanceID]
	if !ok {
		return errcode.Newf(errcode.InstanceNotFound, "instance %s not found", instanceID)
	}
	if rec.state != types.InstanceStateCreating {
		return errcode.Newf(errcode.InstanceStateConflict, "instance %s is %s", instanceID, rec.state)
	}
	rec.state = types.InstanceStateRunning
	return nil
}

// finish records the exit and wakes waiters. Caller holds m.mu.
func (m *Memory) finish(rec *memInstance, code uint32) {
	if rec.state.Terminal() {
		return
	}
	if code == 0 {
		rec.state = types.InstanceStateExited
	} else {
		rec.state = types.InstanceStateFatal
	}
	rec.exit = ExitStatus{Code: code, At: time.Now()}
	close(rec.done)
}

// Kill terminates the instance. A positive grace period counts as a
// clean shutdown (exit 0); zero grace records the forced-kill code.
func (m *Memory) Kill(_ context.Context, instanceID string, _ types.Signal, grace time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.instances[instanceID]
	if !ok {
		return nil
	}
	if grace > 0 {
		m.finish(rec, 0)
	} else {
		m.finish(rec, 137)
	}
	return nil
}

// Exit terminates the instance as if its process exited on its own
// with the given code. Tests use it to simulate crashes.
func (m *Memory) Exit(instanceID string, code uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.instances[instanceID]
	if !ok {
		return errcode.Newf(errcode.InstanceNotFound, "instance %s not found", instanceID)
	}
	if rec.state.Terminal() {
		return errcode.Newf(errcode.InstanceStateConflict, "instance %s already exited", instanceID)
	}
	m.finish(rec, code)
	return nil
}

// Destroy removes the instance record, terminating it first if alive.
func (m *Memory) Destroy(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.instances[instanceID]
	if !ok {
		return nil
	}
	m.finish(rec, 137)
	delete(m.instances, instanceID)
	return nil
}

// Status reports the instance's lifecycle state.
func (m *Memory) Status(_ context.Context, instanceID string) (types.InstanceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.instances[instanceID]
	if !ok {
		return "", errcode.Newf(errcode.InstanceNotFound, "instance %s not found", instanceID)
	}
	return rec.state, nil
}

// Wait delivers one ExitStatus when the instance stops.
func (m *Memory) Wait(ctx context.Context, instanceID string) (<-chan ExitStatus, error) {
	m.mu.Lock()
	rec, ok := m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil, errcode.Newf(errcode.InstanceNotFound, "instance %s not found", instanceID)
	}

	out := make(chan ExitStatus, 1)
	go func() {
		defer close(out)
		select {
		case <-rec.done:
			out <- rec.exit
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Invoke dispatches one call to the instance's handler.
func (m *Memory) Invoke(ctx context.Context, instanceID, method string, payload []byte) ([]byte, error) {
	m.mu.Lock()
	rec, ok := m.instances[instanceID]
	var h Handler
	var state types.InstanceState
	if ok {
		h, state = rec.handler, rec.state
	}
	m.mu.Unlock()

	if !ok {
		return nil, errcode.Newf(errcode.InstanceNotFound, "instance %s not found", instanceID)
	}
	if state != types.InstanceStateRunning {
		return nil, errcode.Newf(errcode.InstanceStateConflict, "instance %s is %s", instanceID, state)
	}

	result, err := h(ctx, method, payload)
	if err != nil {
		var st *errcode.Status
		if errors.As(err, &st) {
			return nil, err
		}
		return nil, errcode.Newf(errcode.UserFunctionException, "%s: %v", method, err)
	}
	return result, nil
}

// QueueHandle returns a synthetic direct-queue handle.
func (m *Memory) QueueHandle(instanceID string) string {
	return "mem://" + instanceID
}

// List returns the known instance ids in order.
func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op for the in-process runtime.
func (m *Memory) Close() error {
	return nil
}
