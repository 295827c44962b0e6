/*
Package config loads and validates YAML configuration for the skein
server and agent processes.

Loading layers a YAML file over compiled-in defaults, then validates;
cobra flags may override individual fields after loading. One file per
process role; the client runtime is configured programmatically via
client.Options instead.

# Server Example

	nodeId: srv-1
	bindAddr: 0.0.0.0:7421
	advertiseAddr: 10.0.0.1:7421
	httpAddr: 0.0.0.0:7422
	dataDir: /var/lib/skein
	bootstrap: true
	scheduler:
	  aggregateQueue: false
	  preemptDebugUnits: 5
	heartbeatGraceMs: 15000
	killGroupTimeoutMs: 60000
	log:
	  level: info
	  json: true

# Agent Example

	nodeId: worker-1
	serverAddr: 10.0.0.1:7421
	cpu: 4000
	memory: 8192
	custom:
	  gpu: 2
	labels:
	  zone: east
	heartbeatIntervalMs: 3000
	runtime: containerd
	containerdAddress: /run/containerd/containerd.sock
	containerdNamespace: skein

Durations are millisecond integers in YAML; accessor methods convert
them to time.Duration.
*/
package config
