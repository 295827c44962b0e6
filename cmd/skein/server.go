package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skein-sh/skein/pkg/config"
	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/metastore"
	"github.com/skein-sh/skein/pkg/metrics"
	"github.com/skein-sh/skein/pkg/server"
)

const joinTimeout = 2 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a control plane server",
	Long: `Run a skein control plane server.

With --bootstrap the server starts a fresh single-node raft cluster;
with --join it asks an existing cluster's leader to add it as a voter.
Without either the server runs standalone with in-memory metadata,
which is the development shape.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "YAML config file")
	serverCmd.Flags().String("node-id", "", "Unique server ID (default: hostname)")
	serverCmd.Flags().String("bind", "", "RPC listener address")
	serverCmd.Flags().String("advertise", "", "Address clients and peers dial")
	serverCmd.Flags().String("http", "", "HTTP query/metrics address")
	serverCmd.Flags().String("raft-addr", "", "Raft transport address (replicated mode)")
	serverCmd.Flags().String("data-dir", "", "Data directory for cluster state")
	serverCmd.Flags().Bool("bootstrap", false, "Bootstrap a new cluster")
	serverCmd.Flags().StringSlice("join", nil, "Addresses of existing servers to join")
	serverCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
}

func runServer(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadServer(path)
	if err != nil {
		return err
	}
	applyServerFlags(cmd, cfg)
	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("node id not set and hostname unavailable: %v", err)
		}
		cfg.NodeID = host
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Init(cfg.Log.ToLog())
	metrics.SetVersion(Version)

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, store)
	if err != nil {
		store.Close()
		return err
	}
	if err := srv.Start(); err != nil {
		store.Close()
		return err
	}

	fmt.Printf("Server %s listening on %s\n", cfg.NodeID, srv.Addr())
	if cfg.HTTPAddr != "" {
		fmt.Printf("HTTP queries on %s\n", cfg.HTTPAddr)
	}

	if len(cfg.JoinAddrs) > 0 && !cfg.Bootstrap {
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		err := server.JoinCluster(ctx, cfg.JoinAddrs, cfg.NodeID, cfg.RaftAddr)
		cancel()
		if err != nil {
			srv.Stop()
			store.Close()
			return err
		}
		fmt.Println("✓ Joined cluster")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	srv.Stop()
	if err := store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %v", err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}

func applyServerFlags(cmd *cobra.Command, cfg *config.ServerConfig) {
	f := cmd.Flags()
	if f.Changed("node-id") {
		cfg.NodeID, _ = f.GetString("node-id")
	}
	if f.Changed("bind") {
		cfg.BindAddr, _ = f.GetString("bind")
	}
	if f.Changed("advertise") {
		cfg.AdvertiseAddr, _ = f.GetString("advertise")
	}
	if f.Changed("http") {
		cfg.HTTPAddr, _ = f.GetString("http")
	}
	if f.Changed("raft-addr") {
		cfg.RaftAddr, _ = f.GetString("raft-addr")
	}
	if f.Changed("data-dir") {
		cfg.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("bootstrap") {
		cfg.Bootstrap, _ = f.GetBool("bootstrap")
	}
	if f.Changed("join") {
		cfg.JoinAddrs, _ = f.GetStringSlice("join")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
}

func buildStore(cfg *config.ServerConfig) (metastore.Store, error) {
	if !cfg.Bootstrap && len(cfg.JoinAddrs) == 0 {
		return metastore.NewMem(), nil
	}
	store, err := metastore.NewEmbedded(metastore.EmbeddedConfig{
		NodeID:        cfg.NodeID,
		BindAddr:      cfg.RaftAddr,
		AdvertiseAddr: cfg.RaftAddr,
		DataDir:       cfg.DataDir,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Bootstrap {
		if err := store.Bootstrap(); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}
