package health

import (
	"context"
	"time"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/types"
)

// Probe timing defaults applied when an instance's health check leaves
// a field zero.
const (
	DefaultInterval        = 10 * time.Second
	DefaultTimeout         = 3 * time.Second
	DefaultSubHealthyAfter = 3
)

// Result is the outcome of a single probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes an instance one way. The caller bounds each probe
// with the check's timeout through ctx.
type Checker interface {
	Check(ctx context.Context) Result
	Type() types.HealthCheckType
}

// Normalize fills in defaults for unset probe timings.
func Normalize(hc types.HealthCheck) types.HealthCheck {
	if hc.Interval <= 0 {
		hc.Interval = DefaultInterval
	}
	if hc.Timeout <= 0 {
		hc.Timeout = DefaultTimeout
	}
	if hc.SubHealthyAfter <= 0 {
		hc.SubHealthyAfter = DefaultSubHealthyAfter
	}
	return hc
}

// ForCheck builds the checker an instance's health check asks for.
func ForCheck(hc *types.HealthCheck) (Checker, error) {
	switch hc.Type {
	case types.HealthCheckHTTP:
		if hc.Endpoint == "" {
			return nil, errcode.New(errcode.ParameterError, "http health check needs an endpoint")
		}
		return NewHTTPChecker(hc.Endpoint), nil
	case types.HealthCheckTCP:
		if hc.Endpoint == "" {
			return nil, errcode.New(errcode.ParameterError, "tcp health check needs an endpoint")
		}
		return NewTCPChecker(hc.Endpoint), nil
	case types.HealthCheckExec:
		if len(hc.Command) == 0 {
			return nil, errcode.New(errcode.ParameterError, "exec health check needs a command")
		}
		return NewExecChecker(hc.Command), nil
	default:
		return nil, errcode.Newf(errcode.ParameterError, "unknown health check type %q", hc.Type)
	}
}

// Tracker folds probe results into the instance's sub-health flag:
// enough consecutive failures raise it, one success clears it.
type Tracker struct {
	Failures   int
	SubHealthy bool
	LastResult Result
}

// Observe records a probe result against the consecutive-failure
// threshold and reports whether the sub-health flag flipped.
func (t *Tracker) Observe(r Result, after int) (changed bool) {
	t.LastResult = r

	if r.Healthy {
		t.Failures = 0
		if t.SubHealthy {
			t.SubHealthy = false
			return true
		}
		return false
	}

	t.Failures++
	if !t.SubHealthy && t.Failures >= after {
		t.SubHealthy = true
		return true
	}
	return false
}
