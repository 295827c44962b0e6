package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skein_nodes_total",
			Help: "Total number of registered worker nodes",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skein_instances_total",
			Help: "Total number of instances by state",
		},
		[]string{"state"},
	)

	GroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skein_groups_total",
			Help: "Total number of instance groups by status",
		},
		[]string{"status"},
	)

	// Scheduler metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skein_schedule_queue_depth",
			Help: "Items sitting in the scheduler queues",
		},
		[]string{"queue"},
	)

	PendingByPriority = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skein_pending_by_priority",
			Help: "Pending queue items by priority level",
		},
		[]string{"priority"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skein_scheduling_latency_seconds",
			Help:    "Time from dequeue to placement decision in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScheduleResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skein_schedule_results_total",
			Help: "Placement decisions by result (placed, suspended, failed)",
		},
		[]string{"result"},
	)

	PreemptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_preemptions_total",
			Help: "Successful preemption decisions",
		},
	)

	PreemptionVictims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_preemption_victims_total",
			Help: "Instances evicted to make room for higher priority requests",
		},
	)

	// Group manager metrics
	GroupCascadesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_group_cascades_total",
			Help: "Same-lifecycle cascades triggered by a member failure",
		},
	)

	GroupKillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skein_group_kills_total",
			Help: "KillGroup requests by result",
		},
		[]string{"result"},
	)

	// Object store metrics
	ObjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skein_objects_total",
			Help: "Objects tracked by the object store",
		},
	)

	ObjectsUnready = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skein_objects_unready",
			Help: "Objects still waiting for SetReady or SetError",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skein_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skein_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "skein_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skein_rpc_requests_total",
			Help: "Total number of RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skein_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	NotifiesPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "skein_notifies_pushed_total",
			Help: "Completion notifications pushed to clients",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(PendingByPriority)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(ScheduleResults)
	prometheus.MustRegister(PreemptionsTotal)
	prometheus.MustRegister(PreemptionVictims)
	prometheus.MustRegister(GroupCascadesTotal)
	prometheus.MustRegister(GroupKillsTotal)
	prometheus.MustRegister(ObjectsTotal)
	prometheus.MustRegister(ObjectsUnready)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(NotifiesPushed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
