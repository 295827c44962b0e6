/*
Package metrics provides Prometheus instrumentation for Skein.

All collectors are registered in this package's init and exported as
package-level variables so any component can record without plumbing a
registry. The server exposes them at /metrics on its HTTP listener.

# Metric Catalog

Cluster state (sampled by the Collector on a 15s ticker):
  - skein_nodes_total: registered worker nodes
  - skein_instances_total{state}: instances by lifecycle state
  - skein_groups_total{status}: groups by status

Scheduler:
  - skein_schedule_queue_depth{queue}: running/pending depths
  - skein_pending_by_priority{priority}: pending items per priority
  - skein_scheduling_latency_seconds: dequeue-to-decision histogram
  - skein_schedule_results_total{result}: placed/suspended/failed
  - skein_preemptions_total, skein_preemption_victims_total

Group manager:
  - skein_group_cascades_total: same-lifecycle cascades fired
  - skein_group_kills_total{result}: KillGroup outcomes

Object store:
  - skein_objects_total, skein_objects_unready

Raft / metastore:
  - skein_raft_is_leader, skein_raft_log_index, skein_raft_applied_index

RPC:
  - skein_rpc_requests_total{method,status}
  - skein_rpc_request_duration_seconds{method}
  - skein_notifies_pushed_total

# Usage

Recording a scheduling decision:

	timer := metrics.NewTimer()
	result := performer.Schedule(ctx, info, item)
	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.ScheduleResults.WithLabelValues(result.Label()).Inc()

Sampling cluster gauges:

	collector := metrics.NewCollector(server)
	collector.Start()
	defer collector.Stop()

# Health Endpoints

The package also carries the process health registry behind the
server's /healthz and /readyz endpoints. Components report in via
RegisterComponent and UpdateComponent; readiness requires the
metastore, the RPC listener, and the scheduler to have reported
healthy.

# Integration Points

  - pkg/server: serves Handler() at /metrics, implements Source
  - pkg/sched: scheduling latency and result counters
  - pkg/groupmgr: cascade and kill counters
  - pkg/rpc: request counters and durations
*/
package metrics
