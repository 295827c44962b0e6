package types

import (
	"time"
)

// InstanceState represents the lifecycle state of a function instance.
// Transitions are monotonic except that CREATING/RUNNING may fall to
// FATAL on failure.
type InstanceState string

const (
	InstanceStateScheduling InstanceState = "SCHEDULING"
	InstanceStateCreating   InstanceState = "CREATING"
	InstanceStateRunning    InstanceState = "RUNNING"
	InstanceStateExiting    InstanceState = "EXITING"
	InstanceStateExited     InstanceState = "EXITED"
	InstanceStateFatal      InstanceState = "FATAL"
	InstanceStateEvicting   InstanceState = "EVICTING"
)

// Alive reports whether the instance still holds resources somewhere,
// i.e. it has not finished exiting and has not been written off.
func (s InstanceState) Alive() bool {
	switch s {
	case InstanceStateExited, InstanceStateFatal:
		return false
	default:
		return true
	}
}

// Terminal reports whether the state admits no further transitions.
func (s InstanceState) Terminal() bool {
	return s == InstanceStateExited || s == InstanceStateFatal
}

// GroupState represents the lifecycle state of an instance group.
type GroupState string

const (
	GroupStateScheduling GroupState = "SCHEDULING"
	GroupStateRunning    GroupState = "RUNNING"
	GroupStateFailed     GroupState = "FAILED"
)

// Signal numbers carried on kill requests.
type Signal int32

const (
	SignalShutDown          Signal = 15  // ask an instance to terminate
	SignalGroupExit         Signal = 64  // the instance's group is dying
	SignalAccelerate        Signal = 100 // open a direct queue, return its handle
	SignalKillInstance      Signal = 101
	SignalKillGroupInstance Signal = 102
	SignalKillInstanceSync  Signal = 103
	SignalKillAllInstances  Signal = 104
)

// Resources is the demand or capacity vector attached to instances and
// resource units. Custom carries named scalar dimensions (GPU slots,
// bandwidth shares) that schedule the same way CPU and memory do.
type Resources struct {
	CPU    int64            `json:"cpu"`
	Memory int64            `json:"memory"`
	Custom map[string]int64 `json:"custom,omitempty"`
}

// ScheduleOptions carries the per-request placement knobs.
type ScheduleOptions struct {
	Priority int32 `json:"priority"`

	// PreemptedAllowed marks the instance as a preemption victim
	// candidate for higher-priority requests.
	PreemptedAllowed bool `json:"preemptedallowed"`

	// ScheduleTimeoutMs is how long the request may sit in the pending
	// queue waiting for resources. Zero means fail fast.
	ScheduleTimeoutMs int64 `json:"timeoutms"`

	Affinity *Affinity `json:"affinity,omitempty"`

	// ResourceGroup names the resource partition the placement is
	// accounted against, empty for the default pool.
	ResourceGroup string `json:"resourcegroup,omitempty"`
}

// Affinity is the full affinity message of a request. Node terms match
// unit base labels, instance terms match labels contributed by placed
// instances.
type Affinity struct {
	NodeRequired         *Selector `json:"noderequired,omitempty"`
	NodePreferred        *Selector `json:"nodepreferred,omitempty"`
	InstanceRequired     *Selector `json:"insrequired,omitempty"`
	InstanceRequiredNot  *Selector `json:"insrequirednot,omitempty"`
	InstancePreferred    *Selector `json:"inspreferred,omitempty"`
	InstancePreferredNot *Selector `json:"inspreferrednot,omitempty"`
}

// Empty reports whether no term is set.
func (a *Affinity) Empty() bool {
	if a == nil {
		return true
	}
	return a.NodeRequired == nil && a.NodePreferred == nil &&
		a.InstanceRequired == nil && a.InstanceRequiredNot == nil &&
		a.InstancePreferred == nil && a.InstancePreferredNot == nil
}

// Selector is a disjunction of sub-conditions; each sub-condition is a
// conjunction of expressions with an optional weight used by preferred
// terms.
type Selector struct {
	SubConditions []SubCondition `json:"subconditions"`
}

// SubCondition is one conjunctive clause of a selector.
type SubCondition struct {
	Expressions []Expression `json:"expressions"`
	Weight      int32        `json:"weight,omitempty"`
}

// Expression is a single label predicate.
type Expression struct {
	Key    string     `json:"key"`
	Op     SelectorOp `json:"op"`
	Values []string   `json:"values,omitempty"`
}

// SelectorOp enumerates the label predicate operators.
type SelectorOp string

const (
	SelectorOpIn        SelectorOp = "In"
	SelectorOpNotIn     SelectorOp = "NotIn"
	SelectorOpExists    SelectorOp = "Exists"
	SelectorOpNotExists SelectorOp = "NotExists"
)

// Instance is the scheduler- and store-visible record of a function
// instance.
type Instance struct {
	InstanceID string            `json:"instanceid"`
	RequestID  string            `json:"requestid"`
	Function   string            `json:"function"` // function URN
	Name       string            `json:"name,omitempty"`
	OwnerNode  string            `json:"ownernode"` // node that materialized it
	Resources  Resources         `json:"resources"`
	Labels     map[string]string `json:"labels,omitempty"`
	Options    ScheduleOptions   `json:"options"`
	State      InstanceState     `json:"state"`
	GroupID    string            `json:"groupid,omitempty"`
	ParentID   string            `json:"parentid,omitempty"`

	// SubHealthy mirrors the agent's probe verdict. It never kills; it
	// only steers scheduling and reporting.
	SubHealthy bool   `json:"subhealthy,omitempty"`
	SubMsg     string `json:"submsg,omitempty"`

	CreatedAt time.Time `json:"createdat"`
	UpdatedAt time.Time `json:"updatedat"`
}

// GroupOptions is the group-wide envelope carried on create-group
// requests and persisted with the group.
type GroupOptions struct {
	SameLifecycle bool   `json:"samelifecycle"`
	TimeoutMs     int64  `json:"timeoutms"`
	BundleSize    int32  `json:"bundlesize"`
	TotalSize     int32  `json:"totalsize"`
	GroupName     string `json:"groupname"`
}

// Group is the persisted record of an instance group.
type Group struct {
	GroupID    string       `json:"groupid"`
	OwnerProxy string       `json:"ownerproxy"` // node fronting the group
	ParentID   string       `json:"parentid,omitempty"`
	Status     GroupState   `json:"status"`
	Message    string       `json:"message,omitempty"`
	TraceID    string       `json:"traceid,omitempty"`
	RequestID  string       `json:"requestid"`
	Options    GroupOptions `json:"groupopts"`
	CreatedAt  time.Time    `json:"createdat"`
}

// HealthCheck configures the agent-side instance probe.
type HealthCheck struct {
	Type     HealthCheckType `json:"type"`
	Endpoint string          `json:"endpoint,omitempty"` // URL for http, host:port for tcp
	Command  []string        `json:"command,omitempty"`  // for exec
	Interval time.Duration   `json:"interval"`
	Timeout  time.Duration   `json:"timeout"`

	// SubHealthyAfter is the consecutive-failure threshold before the
	// instance is reported sub-healthy.
	SubHealthyAfter int `json:"subhealthyafter"`
}

// HealthCheckType enumerates the probe mechanisms.
type HealthCheckType string

const (
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckTCP  HealthCheckType = "tcp"
	HealthCheckExec HealthCheckType = "exec"
)

// Node is a worker registration record.
type Node struct {
	NodeID   string            `json:"nodeid"`
	Address  string            `json:"address"`
	Capacity Resources         `json:"capacity"`
	Labels   map[string]string `json:"labels,omitempty"`
	JoinedAt time.Time         `json:"joinedat"`
}

// ResourceGroup is a named partition of the cluster with a quota.
// Units whose base labels satisfy the selector belong to the group.
type ResourceGroup struct {
	Name      string    `json:"name"`
	Selector  *Selector `json:"selector,omitempty"`
	Quota     Resources `json:"quota"`
	CreatedAt time.Time `json:"createdat"`
}

// Event is a cluster lifecycle event published on the server's broker.
type Event struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	NodeID     string    `json:"nodeid,omitempty"`
	InstanceID string    `json:"instanceid,omitempty"`
	GroupID    string    `json:"groupid,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Event types published by the control plane.
const (
	EventInstancePlaced = "instance.placed"
	EventInstanceFailed = "instance.failed"
	EventInstanceExited = "instance.exited"
	EventGroupFailed    = "group.failed"
	EventGroupCleared   = "group.cleared"
	EventNodeJoined     = "node.joined"
	EventNodeAbnormal   = "node.abnormal"
)
