package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "skein",
	Short: "Skein - distributed function instance orchestrator",
	Long: `Skein schedules serverless function instances across a cluster,
invokes them with ordered delivery and object-passing, and manages
instance groups with shared lifecycle.

One binary runs the control plane, the worker agent, and the client
commands.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Skein version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(resourcesCmd)
	rootCmd.AddCommand(rgroupCmd)
	rootCmd.AddCommand(objectCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(stateCmd)
}
