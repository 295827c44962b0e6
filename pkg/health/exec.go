package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/skein-sh/skein/pkg/types"
)

// ExecChecker probes by running a command on the agent host; exit
// code zero counts as healthy. Functions expose local probe commands
// through their instance state directory.
type ExecChecker struct {
	Command []string
}

// NewExecChecker creates an exec checker for the command.
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{Command: command}
}

// Check performs one probe.
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("%s: %v", strings.Join(e.Command, " "), err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s: %s", message, bytes.TrimSpace(stderr.Bytes()))
		}
		return Result{
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   strings.Join(e.Command, " "),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the probe mechanism.
func (e *ExecChecker) Type() types.HealthCheckType {
	return types.HealthCheckExec
}
