package rpc

import (
	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/types"
)

// Header rides on every request. RequestID ties the call to a client
// request for tracing and cancellation, TraceID spans a whole fan-out,
// ClientID names the submitting adaptor so replies and notifications
// find their way back.
type Header struct {
	RequestID string
	TraceID   string
	ClientID  string
}

// CreateSpec describes one instance to create. Batch creates carry a
// slice of these under a single group envelope.
type CreateSpec struct {
	Function  string
	Name      string
	Resources types.Resources
	Labels    map[string]string
	Options   types.ScheduleOptions
	Health    *types.HealthCheck
}

// Instance service.

type InstanceCreateArgs struct {
	Header
	Spec CreateSpec
}

// InstanceCreateReply acknowledges admission. Placement completes
// asynchronously; the outcome arrives as a NotifyResult frame on the
// client's push stream.
type InstanceCreateReply struct {
	InstanceID string
}

type InstanceCreateBatchArgs struct {
	Header
	Specs []CreateSpec
	Group types.GroupOptions

	// ParentID names the instance that asked for this group, if any.
	// Child groups die with their parent.
	ParentID string
}

type InstanceCreateBatchReply struct {
	GroupID     string
	InstanceIDs []string
}

type InstanceInvokeArgs struct {
	Header
	InstanceID      string
	Method          string
	Args            []byte
	ArgObjectIDs    []string
	ReturnObjectIDs []string
	NeedOrder       bool
	TimeoutMs       int64
}

// InstanceInvokeReply carries the sequence number assigned at
// admission. Results land in the return objects and a NotifyResult
// frame follows.
type InstanceInvokeReply struct {
	SeqNo int64
}

// InstanceInvokeDoneArgs reports a finished invocation from the owner
// agent back to the control plane.
type InstanceInvokeDoneArgs struct {
	Header
	InstanceID string
	SeqNo      int64
	Results    map[string][]byte
	Status     *errcode.Status
}

type InstanceInvokeDoneReply struct{}

type InstanceKillArgs struct {
	Header
	InstanceID string
	GroupID    string
	Signal     types.Signal
	TimeoutMs  int64
}

// InstanceKillReply returns per-instance accelerate handles when the
// signal asked for a direct queue.
type InstanceKillReply struct {
	Handles map[string]string
}

type InstanceCancelArgs struct {
	Header
	TargetRequestID string
}

type InstanceCancelReply struct {
	Cancelled bool
}

type InstanceQueryNamedArgs struct {
	Header
	Name string
}

type InstanceQueryNamedReply struct {
	Instances []*types.Instance
}

type GroupQueryArgs struct {
	Header
}

// GroupStatus is one group plus its cached member records.
type GroupStatus struct {
	Group   types.Group
	Members []*types.Instance
}

type GroupQueryReply struct {
	Groups []GroupStatus
}

// InstanceStateArgs reports an instance state transition observed by
// the owner agent.
type InstanceStateArgs struct {
	Header
	InstanceID string
	State      types.InstanceState
	SubHealthy bool
	SubMsg     string
	Message    string
}

type InstanceStateReply struct{}

// Node service.

type NodeRegisterArgs struct {
	Header
	Node types.Node
}

type NodeRegisterReply struct {
	HeartbeatIntervalMs int64
}

// InstanceStatus is one instance's view in a heartbeat.
type InstanceStatus struct {
	InstanceID string
	State      types.InstanceState
	SubHealthy bool
	SubMsg     string
}

type NodeHeartbeatArgs struct {
	Header
	NodeID   string
	Statuses []InstanceStatus
}

// NodeHeartbeatReply tells the agent whether the server still knows
// it. An unknown node re-registers before the next beat.
type NodeHeartbeatReply struct {
	Known bool
}

// Object service.

type ObjectPutArgs struct {
	Header
	ObjectID string
	Data     []byte
	Nested   []string
	Owner    string
}

type ObjectPutReply struct{}

type ObjectGetArgs struct {
	Header
	ObjectIDs []string
	TimeoutMs int64
}

type ObjectGetReply struct {
	Payloads map[string][]byte
}

type ObjectWaitArgs struct {
	Header
	ObjectIDs  []string
	NumReturns int32
	TimeoutMs  int64
}

type ObjectWaitReply struct {
	Ready   []string
	Pending []string
}

// ObjectRefArgs serves both IncRef and DecRef.
type ObjectRefArgs struct {
	Header
	ObjectIDs []string
}

type ObjectRefReply struct{}

// Resource service.

type ResourceQueryArgs struct {
	Header
}

// UnitStatus is one resource unit's slice of a cluster query.
type UnitStatus struct {
	UnitID      string
	NodeID      string
	Capacity    types.Resources
	Allocatable types.Resources
	Labels      map[string]string
	Instances   int
}

type ResourceQueryReply struct {
	Units             []UnitStatus
	QueueDepths       map[string]int
	PendingByPriority map[int32]int
}

type RGroupCreateArgs struct {
	Header
	Group types.ResourceGroup
}

type RGroupCreateReply struct{}

type RGroupRemoveArgs struct {
	Header
	Name string
}

type RGroupRemoveReply struct{}

// RGroupQueryArgs with an empty name lists every group.
type RGroupQueryArgs struct {
	Header
	Name string
}

// RGroupStatus pairs a group's definition with its current usage.
type RGroupStatus struct {
	Group types.ResourceGroup
	Used  types.Resources
	Units []string
}

type RGroupQueryReply struct {
	Groups []RGroupStatus
}

// Cluster service.

type ClusterLeaderArgs struct {
	Header
}

type ClusterLeaderReply struct {
	Leader string
}

// ClusterJoinArgs asks the leader to add a server to the raft
// configuration. RaftAddr is the joiner's raft transport address.
type ClusterJoinArgs struct {
	Header
	NodeID   string
	RaftAddr string
}

type ClusterJoinReply struct{}

// Agent service, served by the agent over its reverse session.

type AgentCreateArgs struct {
	Header
	Instance *types.Instance
	Health   *types.HealthCheck
}

type AgentCreateReply struct{}

type AgentSignalArgs struct {
	Header
	InstanceID string
	Signal     types.Signal
	Reason     string
}

// AgentSignalReply carries the accelerate handle when the signal
// opened a direct queue.
type AgentSignalReply struct {
	Handle string
}

type AgentInvokeArgs struct {
	Header
	InstanceID      string
	SeqNo           int64
	Method          string
	Args            []byte
	ArgObjectIDs    []string
	ReturnObjectIDs []string
	NeedOrder       bool
	TimeoutMs       int64

	// UnfinishedSeq is the completion floor at forward time. Everything
	// below it already completed, so an agent that lost its delivery
	// cursor can resume from here.
	UnfinishedSeq int64
}

type AgentInvokeReply struct{}

type AgentClearGroupArgs struct {
	Header
	GroupID string
	Signal  types.Signal
}

type AgentClearGroupReply struct {
	Killed []string
}

type AgentPingArgs struct {
	Header
}

type AgentPingReply struct{}
