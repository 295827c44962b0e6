package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/skein-sh/skein/pkg/types"
)

// TCPChecker probes by connecting to a host:port endpoint.
type TCPChecker struct {
	Address string
}

// NewTCPChecker creates a TCP checker for the endpoint address.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address}
}

// Check performs one probe.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("connect %s: %v", t.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("connected to %s", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the probe mechanism.
func (t *TCPChecker) Type() types.HealthCheckType {
	return types.HealthCheckTCP
}
