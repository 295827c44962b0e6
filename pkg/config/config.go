package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skein-sh/skein/pkg/log"
)

// LogConfig selects level and output format for the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ToLog converts to the log package's config.
func (c LogConfig) ToLog() log.Config {
	return log.Config{Level: log.Level(c.Level), JSONOutput: c.JSON}
}

// TLSConfig carries optional mTLS material for the HTTP query surface.
type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	CAFile   string `yaml:"caFile"`
}

// SchedulerConfig tunes the priority scheduler.
type SchedulerConfig struct {
	// AggregateQueue selects the aggregated queue implementation;
	// false keeps the time-sorted queue.
	AggregateQueue bool `yaml:"aggregateQueue"`

	// PreemptDebugUnits is how many infeasible units the preemption
	// controller records for operator logs.
	PreemptDebugUnits int `yaml:"preemptDebugUnits"`
}

// ServerConfig configures a skein server (control plane) process.
type ServerConfig struct {
	NodeID        string `yaml:"nodeId"`
	BindAddr      string `yaml:"bindAddr"`      // RPC listener
	AdvertiseAddr string `yaml:"advertiseAddr"` // address peers and clients dial
	HTTPAddr      string `yaml:"httpAddr"`      // query endpoints and /metrics
	RaftAddr      string `yaml:"raftAddr"`      // raft transport, replicated mode only
	DataDir       string `yaml:"dataDir"`

	// Bootstrap starts a fresh single-node raft cluster; JoinAddrs
	// points at existing peers otherwise.
	Bootstrap bool     `yaml:"bootstrap"`
	JoinAddrs []string `yaml:"joinAddrs"`

	Scheduler SchedulerConfig `yaml:"scheduler"`

	// HeartbeatGraceMs is how long a node may go silent before it is
	// declared abnormal.
	HeartbeatGraceMs int64 `yaml:"heartbeatGraceMs"`

	// KillGroupTimeoutMs bounds a KillGroup RPC; the cascade continues
	// in the background after it fires.
	KillGroupTimeoutMs int64 `yaml:"killGroupTimeoutMs"`

	TLS *TLSConfig `yaml:"tls,omitempty"`
	Log LogConfig  `yaml:"log"`
}

// HeartbeatGrace returns the grace window as a duration.
func (c *ServerConfig) HeartbeatGrace() time.Duration {
	return time.Duration(c.HeartbeatGraceMs) * time.Millisecond
}

// KillGroupTimeout returns the kill-group bound as a duration.
func (c *ServerConfig) KillGroupTimeout() time.Duration {
	return time.Duration(c.KillGroupTimeoutMs) * time.Millisecond
}

// AgentConfig configures a skein agent (worker) process.
type AgentConfig struct {
	NodeID     string `yaml:"nodeId"`
	ServerAddr string `yaml:"serverAddr"`

	// AdvertiseAddr names this node in cluster records. It does not
	// need to be routable; control traffic rides the reverse session.
	AdvertiseAddr string `yaml:"advertiseAddr"`

	// Capacity advertised at registration.
	CPU    int64             `yaml:"cpu"`
	Memory int64             `yaml:"memory"`
	Custom map[string]int64  `yaml:"custom,omitempty"`
	Labels map[string]string `yaml:"labels,omitempty"`

	HeartbeatIntervalMs int64 `yaml:"heartbeatIntervalMs"`

	// Runtime selects the instance runtime: "containerd" or "memory".
	Runtime           string `yaml:"runtime"`
	ContainerdAddress string `yaml:"containerdAddress"`
	ContainerdNS      string `yaml:"containerdNamespace"`

	Log LogConfig `yaml:"log"`
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// DefaultServerConfig returns a server config with production defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		BindAddr:           "0.0.0.0:7421",
		AdvertiseAddr:      "127.0.0.1:7421",
		HTTPAddr:           "0.0.0.0:7422",
		RaftAddr:           "127.0.0.1:7423",
		DataDir:            "/var/lib/skein",
		Bootstrap:          false,
		HeartbeatGraceMs:   15000,
		KillGroupTimeoutMs: 60000,
		Scheduler: SchedulerConfig{
			AggregateQueue:    false,
			PreemptDebugUnits: 5,
		},
		Log: LogConfig{Level: "info", JSON: true},
	}
}

// DefaultAgentConfig returns an agent config with production defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		ServerAddr:          "127.0.0.1:7421",
		HeartbeatIntervalMs: 3000,
		Runtime:             "containerd",
		ContainerdAddress:   "/run/containerd/containerd.sock",
		ContainerdNS:        "skein",
		Log:                 LogConfig{Level: "info", JSON: true},
	}
}

// LoadServer reads a server config file over the defaults.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAgent reads an agent config file over the defaults.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the server config for unusable values.
func (c *ServerConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bindAddr is required")
	}
	if c.AdvertiseAddr == "" {
		return fmt.Errorf("advertiseAddr is required")
	}
	if c.Bootstrap || len(c.JoinAddrs) > 0 {
		if c.DataDir == "" {
			return fmt.Errorf("dataDir is required for replicated mode")
		}
		if c.RaftAddr == "" {
			return fmt.Errorf("raftAddr is required for replicated mode")
		}
	}
	if c.HeartbeatGraceMs <= 0 {
		return fmt.Errorf("heartbeatGraceMs must be positive")
	}
	if c.KillGroupTimeoutMs <= 0 {
		return fmt.Errorf("killGroupTimeoutMs must be positive")
	}
	if c.TLS != nil {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls requires both certFile and keyFile")
		}
	}
	return nil
}

// Validate checks the agent config for unusable values.
func (c *AgentConfig) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("serverAddr is required")
	}
	if c.CPU < 0 || c.Memory < 0 {
		return fmt.Errorf("capacity must be non-negative")
	}
	if c.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("heartbeatIntervalMs must be positive")
	}
	switch c.Runtime {
	case "containerd", "memory":
	default:
		return fmt.Errorf("unknown runtime %q", c.Runtime)
	}
	return nil
}
