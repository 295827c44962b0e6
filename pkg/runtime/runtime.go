package runtime

import (
	"context"
	"strings"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/types"
)

// FunctionScheme is the URN prefix function references carry.
const FunctionScheme = "urn:faas:fn:"

// ExitStatus is a finished instance's terminal report.
type ExitStatus struct {
	Code uint32
	At   time.Time
}

// Runtime executes function instances on a node. The containerd
// implementation backs production agents; the memory implementation
// backs tests and local development.
type Runtime interface {
	// Create materializes the instance without starting it.
	Create(ctx context.Context, ins *types.Instance) error

	// Start launches a created instance.
	Start(ctx context.Context, instanceID string) error

	// Kill delivers a termination signal. A positive grace asks for
	// graceful shutdown first and escalates when it elapses; zero
	// kills outright.
	Kill(ctx context.Context, instanceID string, sig types.Signal, grace time.Duration) error

	// Destroy removes every trace of the instance. Running instances
	// are stopped first.
	Destroy(ctx context.Context, instanceID string) error

	// Status reports the instance's current lifecycle state.
	Status(ctx context.Context, instanceID string) (types.InstanceState, error)

	// Wait returns a channel that delivers the instance's exit status
	// once and is closed after.
	Wait(ctx context.Context, instanceID string) (<-chan ExitStatus, error)

	// Invoke runs one invocation against the instance and returns the
	// raw result payload.
	Invoke(ctx context.Context, instanceID, method string, payload []byte) ([]byte, error)

	// QueueHandle names the instance's direct-queue endpoint for the
	// accelerate path.
	QueueHandle(instanceID string) string

	// List returns the ids of every instance the runtime holds.
	List(ctx context.Context) ([]string, error)

	Close() error
}

// ParseFunction splits a function URN into name and tag. The URN form
// is urn:faas:fn:<name>[:<tag>]; the tag defaults to latest.
func ParseFunction(fn string) (name, tag string, err error) {
	if !strings.HasPrefix(fn, FunctionScheme) {
		return "", "", errcode.Newf(errcode.ParameterError, "function %q is not a %s URN", fn, FunctionScheme)
	}
	rest := fn[len(FunctionScheme):]
	if rest == "" {
		return "", "", errcode.Newf(errcode.ParameterError, "function %q has an empty name", fn)
	}
	name, tag = rest, "latest"
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		name, tag = rest[:i], rest[i+1:]
	}
	if name == "" || tag == "" {
		return "", "", errcode.Newf(errcode.ParameterError, "function %q has an empty name or tag", fn)
	}
	return name, tag, nil
}
