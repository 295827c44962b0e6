package metrics

import (
	"sync"
	"time"
)

// readySet names the components that must report healthy before the
// process advertises ready. Everything else affects health only.
var readySet = []string{"metastore", "rpc", "scheduler"}

// ComponentHealth is one subsystem's latest report.
type ComponentHealth struct {
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Updated time.Time `json:"updated"`
}

// HealthReport is a folded verdict over the component table.
type HealthReport struct {
	Status     string                     `json:"status"`
	Message    string                     `json:"message,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components,omitempty"`

	ok bool
}

// OK reports whether the verdict passes.
func (r HealthReport) OK() bool { return r.ok }

type healthTable struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	version    string
	started    time.Time
}

var health = &healthTable{
	components: make(map[string]ComponentHealth),
	started:    time.Now(),
}

// SetVersion stamps health reports with the build version.
func SetVersion(v string) {
	health.mu.Lock()
	health.version = v
	health.mu.Unlock()
}

// RegisterComponent records a subsystem's state. Reporting an existing
// name overwrites it.
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	health.components[name] = ComponentHealth{
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
	health.mu.Unlock()
}

// UpdateComponent re-reports a subsystem on a state change.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// Health folds the whole component table: unhealthy as soon as any
// component reports unhealthy.
func Health() HealthReport {
	health.mu.RLock()
	defer health.mu.RUnlock()

	rep := health.report("healthy")
	for name, c := range health.components {
		rep.Components[name] = c
		if !c.Healthy {
			rep.ok = false
			rep.Status = "unhealthy"
			rep.Message = name + ": " + c.Message
		}
	}
	return rep
}

// Readiness folds the ready set only: not ready until every component
// in it has registered healthy.
func Readiness() HealthReport {
	health.mu.RLock()
	defer health.mu.RUnlock()

	rep := health.report("ready")
	for _, name := range readySet {
		c, registered := health.components[name]
		if !registered {
			rep.ok = false
			rep.Status = "not_ready"
			rep.Message = "waiting for " + name
			continue
		}
		rep.Components[name] = c
		if !c.Healthy {
			rep.ok = false
			rep.Status = "not_ready"
			rep.Message = name + ": " + c.Message
		}
	}
	return rep
}

// report seeds a passing verdict; callers hold the lock.
func (h *healthTable) report(status string) HealthReport {
	return HealthReport{
		Status:     status,
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Components: make(map[string]ComponentHealth, len(h.components)),
		ok:         true,
	}
}
