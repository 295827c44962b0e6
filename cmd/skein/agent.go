package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skein-sh/skein/pkg/agent"
	"github.com/skein-sh/skein/pkg/config"
	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/runtime"
	"github.com/skein-sh/skein/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a worker node agent",
	Long: `Run a skein worker agent.

The agent registers this node with the control plane, advertises its
capacity, and runs function instances through the configured runtime.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("config", "", "YAML config file")
	agentCmd.Flags().String("node-id", "", "Unique node ID (default: hostname)")
	agentCmd.Flags().String("server", "", "Control plane address")
	agentCmd.Flags().Int64("cpu", 0, "CPU capacity in millicores")
	agentCmd.Flags().Int64("memory", 0, "Memory capacity in MiB")
	agentCmd.Flags().StringToString("label", nil, "Node label (repeatable, key=value)")
	agentCmd.Flags().String("runtime", "", "Instance runtime: containerd or memory")
	agentCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadAgent(path)
	if err != nil {
		return err
	}
	applyAgentFlags(cmd, cfg)
	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("node id not set and hostname unavailable: %v", err)
		}
		cfg.NodeID = host
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.NodeID
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Init(cfg.Log.ToLog())

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}

	ag, err := agent.New(agent.Config{
		NodeID:            cfg.NodeID,
		AdvertiseAddr:     cfg.AdvertiseAddr,
		Servers:           []string{cfg.ServerAddr},
		Capacity:          types.Resources{CPU: cfg.CPU, Memory: cfg.Memory, Custom: cfg.Custom},
		Labels:            cfg.Labels,
		Runtime:           rt,
		HeartbeatInterval: cfg.HeartbeatInterval(),
	})
	if err != nil {
		return err
	}
	if err := ag.Start(); err != nil {
		return err
	}

	fmt.Printf("Agent %s connected to %s (runtime: %s)\n", cfg.NodeID, cfg.ServerAddr, cfg.Runtime)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	ag.Stop()
	fmt.Println("✓ Shutdown complete")
	return nil
}

func applyAgentFlags(cmd *cobra.Command, cfg *config.AgentConfig) {
	f := cmd.Flags()
	if f.Changed("node-id") {
		cfg.NodeID, _ = f.GetString("node-id")
	}
	if f.Changed("server") {
		cfg.ServerAddr, _ = f.GetString("server")
	}
	if f.Changed("cpu") {
		cfg.CPU, _ = f.GetInt64("cpu")
	}
	if f.Changed("memory") {
		cfg.Memory, _ = f.GetInt64("memory")
	}
	if f.Changed("label") {
		cfg.Labels, _ = f.GetStringToString("label")
	}
	if f.Changed("runtime") {
		cfg.Runtime, _ = f.GetString("runtime")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
}

func buildRuntime(cfg *config.AgentConfig) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case "memory":
		return runtime.NewMemory(), nil
	default:
		return runtime.NewContainerd(runtime.ContainerdConfig{
			SocketPath: cfg.ContainerdAddress,
			Namespace:  cfg.ContainerdNS,
		})
	}
}
