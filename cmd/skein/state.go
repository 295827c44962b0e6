package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skein-sh/skein/pkg/metastore"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect persisted server state",
}

var stateDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump replicated KV records from a server data directory",
	Long: `Dump the replicated KV records persisted under a server's data
directory. The server owning the directory must be stopped first; the
store holds an exclusive lock on its database file.`,
	RunE: runStateDump,
}

func init() {
	stateCmd.AddCommand(stateDumpCmd)

	stateDumpCmd.Flags().String("data-dir", "", "server data directory (required)")
	stateDumpCmd.Flags().String("prefix", "/sn/", "key prefix to dump")
	_ = stateDumpCmd.MarkFlagRequired("data-dir")
}

func runStateDump(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	prefix, _ := cmd.Flags().GetString("prefix")

	count := 0
	err := metastore.InspectKV(dataDir, prefix, func(kv metastore.InspectedKV) error {
		count++
		fmt.Printf("%s  rev=%d", kv.Key, kv.ModRevision)
		if kv.Lease != 0 {
			fmt.Printf("  lease=%d", kv.Lease)
		}
		fmt.Printf("\n  %s\n", kv.Value)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("\n%d records\n", count)
	return nil
}
