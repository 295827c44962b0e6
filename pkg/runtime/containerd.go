package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace instances live in.
	DefaultNamespace = "skein"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultStateDir holds per-instance state on the host. Each
	// instance gets a subdirectory bind-mounted into its container
	// at GuestStateDir.
	DefaultStateDir = "/run/skein/instances"

	// GuestStateDir is where an instance sees its state directory.
	GuestStateDir = "/run/skein"

	// invokeSocket is the shim socket an instance serves invocations
	// on, relative to its state directory.
	invokeSocket = "invoke.sock"

	// queueSocket is the direct-queue endpoint handed out on the
	// accelerate path, relative to the instance's state directory.
	queueSocket = "queue.sock"
)

// ContainerdConfig configures the containerd-backed runtime.
type ContainerdConfig struct {
	SocketPath string
	Namespace  string
	StateDir   string

	// ImagePrefix is prepended to function names to form image
	// references, e.g. "registry.example.com/fn".
	ImagePrefix string

	// InvokeTimeout bounds a single invocation HTTP exchange.
	InvokeTimeout time.Duration
}

// Containerd runs instances as containerd tasks. Invocations reach
// the instance over an HTTP shim served on a unix socket inside the
// instance's state directory.
type Containerd struct {
	client *containerd.Client
	cfg    ContainerdConfig
}

// NewContainerd connects to containerd.
func NewContainerd(cfg ContainerdConfig) (*Containerd, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 30 * time.Second
	}

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd at %s: %w", cfg.SocketPath, err)
	}

	return &Containerd{client: client, cfg: cfg}, nil
}

// Close closes the containerd client connection.
func (r *Containerd) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ImageFor maps a function URN to the image reference it runs from.
func (r *Containerd) ImageFor(function string) (string, error) {
	name, tag, err := ParseFunction(function)
	if err != nil {
		return "", err
	}
	if r.cfg.ImagePrefix == "" {
		return fmt.Sprintf("%s:%s", name, tag), nil
	}
	return fmt.Sprintf("%s/%s:%s", r.cfg.ImagePrefix, name, tag), nil
}

func (r *Containerd) withNS(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.cfg.Namespace)
}

func (r *Containerd) stateDir(instanceID string) string {
	return filepath.Join(r.cfg.StateDir, instanceID)
}

// Create pulls the function's image and materializes the container
// with its resource limits, state-directory mount and identity
// environment. The instance is not started.
func (r *Containerd) Create(ctx context.Context, ins *types.Instance) error {
	ctx = r.withNS(ctx)

	ref, err := r.ImageFor(ins.Function)
	if err != nil {
		return err
	}

	image, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return errcode.Newf(errcode.UserCodeLoad, "failed to pull image %s: %v", ref, err)
	}

	dir := r.stateDir(ins.InstanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir %s: %w", dir, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv([]string{
			"SKEIN_INSTANCE_ID=" + ins.InstanceID,
			"SKEIN_FUNCTION=" + ins.Function,
			"SKEIN_INVOKE_SOCKET=" + filepath.Join(GuestStateDir, invokeSocket),
		}),
		oci.WithMounts([]specs.Mount{
			{
				Source:      dir,
				Destination: GuestStateDir,
				Type:        "bind",
				Options:     []string{"rw", "bind"},
			},
		}),
	}
	if ins.Resources.Memory > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(ins.Resources.Memory)<<20))
	}
	if ins.Resources.CPU > 0 {
		opts = append(opts, oci.WithCPUShares(uint64(ins.Resources.CPU)*1024/1000))
	}

	_, err = r.client.NewContainer(
		ctx,
		ins.InstanceID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(ins.InstanceID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return errcode.Newf(errcode.RuntimeStartFailed, "failed to create container %s: %v", ins.InstanceID, err)
	}

	return nil
}

// Start launches a created instance's task.
func (r *Containerd) Start(ctx context.Context, instanceID string) error {
	ctx = r.withNS(ctx)

	container, err := r.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return errcode.Newf(errcode.InstanceNotFound, "failed to load container %s: %v", instanceID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return errcode.Newf(errcode.RuntimeStartFailed, "failed to create task for %s: %v", instanceID, err)
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return errcode.Newf(errcode.RuntimeStartFailed, "failed to start task for %s: %v", instanceID, err)
	}

	return nil
}

// Kill delivers the signal to the instance's task and escalates to
// SIGKILL when the grace period runs out. Signal numbers outside the
// unix range map to SIGTERM; zero grace kills outright.
func (r *Containerd) Kill(ctx context.Context, instanceID string, sig types.Signal, grace time.Duration) error {
	ctx = r.withNS(ctx)

	container, err := r.client.LoadContainer(ctx, instanceID)
	if err != nil {
		// Container might not exist
		return nil
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (instance not running)
		return nil
	}

	if grace <= 0 {
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to kill task %s: %w", instanceID, err)
		}
		if _, err := task.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete task %s: %w", instanceID, err)
		}
		return nil
	}

	term := syscall.SIGTERM
	if sig > 0 && sig <= 64 {
		term = syscall.Signal(sig)
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, term); err != nil {
		return fmt.Errorf("failed to kill task %s: %w", instanceID, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task %s: %w", instanceID, err)
	}

	select {
	case <-statusC:
		// Task exited
	case <-stopCtx.Done():
		// Grace expired, force kill
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task %s: %w", instanceID, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", instanceID, err)
	}

	return nil
}

// Destroy stops the instance if needed and removes the container, its
// snapshot and its state directory.
func (r *Containerd) Destroy(ctx context.Context, instanceID string) error {
	nsCtx := r.withNS(ctx)

	container, err := r.client.LoadContainer(nsCtx, instanceID)
	if err != nil {
		// Container might not exist
		os.RemoveAll(r.stateDir(instanceID))
		return nil
	}

	if err := r.Kill(ctx, instanceID, types.SignalShutDown, 10*time.Second); err != nil {
		return err
	}

	if err := container.Delete(nsCtx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container %s: %w", instanceID, err)
	}

	os.RemoveAll(r.stateDir(instanceID))
	return nil
}

// Status maps the task state onto the instance lifecycle.
func (r *Containerd) Status(ctx context.Context, instanceID string) (types.InstanceState, error) {
	ctx = r.withNS(ctx)

	container, err := r.client.LoadContainer(ctx, instanceID)
	if err != nil {
		return "", errcode.Newf(errcode.InstanceNotFound, "instance %s not found", instanceID)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the instance has not started yet.
		return types.InstanceStateCreating, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get task status for %s: %w", instanceID, err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return types.InstanceStateRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.InstanceStateExited, nil
		}
		return types.InstanceStateFatal, nil
	default:
		return types.InstanceStateCreating, nil
	}
}

// Wait exposes the task's exit as a channel that delivers one
// ExitStatus when the instance stops.
func (r *Containerd) Wait(ctx context.Context, instanceID string) (<-chan ExitStatus, error) {
	nsCtx := r.withNS(ctx)

	container, err := r.client.LoadContainer(nsCtx, instanceID)
	if err != nil {
		return nil, errcode.Newf(errcode.InstanceNotFound, "instance %s not found", instanceID)
	}
	task, err := container.Task(nsCtx, nil)
	if err != nil {
		return nil, errcode.Newf(errcode.InstanceNotFound, "instance %s has no task", instanceID)
	}

	statusC, err := task.Wait(nsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for task %s: %w", instanceID, err)
	}

	out := make(chan ExitStatus, 1)
	go func() {
		defer close(out)
		select {
		case st, ok := <-statusC:
			if !ok {
				return
			}
			out <- ExitStatus{Code: st.ExitCode(), At: st.ExitTime()}
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Invoke posts one invocation to the instance's shim socket. Non-2xx
// responses surface as user-function errors with the response body as
// the message.
func (r *Containerd) Invoke(ctx context.Context, instanceID, method string, payload []byte) ([]byte, error) {
	sock := filepath.Join(r.stateDir(instanceID), invokeSocket)
	httpc := &http.Client{
		Timeout: r.cfg.InvokeTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
	}

	url := "http://instance/invoke/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build invoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, errcode.Newf(errcode.RequestBetweenRuntimeBus, "invoke %s on %s: %v", method, instanceID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, errcode.Newf(errcode.RequestBetweenRuntimeBus, "read invoke response from %s: %v", instanceID, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, errcode.Newf(errcode.UserFunctionException, "%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}

// QueueHandle names the direct-queue socket inside the instance's
// state directory.
func (r *Containerd) QueueHandle(instanceID string) string {
	return filepath.Join(r.stateDir(instanceID), queueSocket)
}

// List returns every container id in the runtime's namespace.
func (r *Containerd) List(ctx context.Context) ([]string, error) {
	ctx = r.withNS(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}

	return ids, nil
}
