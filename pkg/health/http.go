package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/skein-sh/skein/pkg/types"
)

// HTTPChecker probes an HTTP endpoint; any 2xx or 3xx answer counts
// as healthy.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker creates an HTTP checker for the endpoint URL.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL: url,
		// Backstop timeout; each probe is bounded tighter through ctx.
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Check performs one probe.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("failed to build request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 400
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the probe mechanism.
func (h *HTTPChecker) Type() types.HealthCheckType {
	return types.HealthCheckHTTP
}
