package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Fetch and wait on result objects",
}

var objectGetCmd = &cobra.Command{
	Use:   "get ID [ID...]",
	Short: "Fetch object payloads",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runObjectGet,
}

var objectWaitCmd = &cobra.Command{
	Use:   "wait ID [ID...]",
	Short: "Block until objects are ready",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runObjectWait,
}

func init() {
	addServerFlag(objectCmd)
	objectCmd.AddCommand(objectGetCmd)
	objectCmd.AddCommand(objectWaitCmd)

	objectGetCmd.Flags().Int64("timeout-ms", 0, "how long to wait for unresolved objects, 0 returns immediately")
	objectWaitCmd.Flags().Int64("timeout-ms", 30000, "how long to wait before giving up")
	objectWaitCmd.Flags().Int("min", 0, "how many objects must be ready, 0 means all")
}

func runObjectGet(cmd *cobra.Command, args []string) error {
	timeoutMs, _ := cmd.Flags().GetInt64("timeout-ms")

	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	objects, err := cli.Get(ctx, args, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return err
	}

	if len(args) == 1 {
		_, err := os.Stdout.Write(objects[args[0]])
		return err
	}
	for _, id := range args {
		fmt.Printf("== %s\n", id)
		os.Stdout.Write(objects[id])
		fmt.Println()
	}
	return nil
}

func runObjectWait(cmd *cobra.Command, args []string) error {
	timeoutMs, _ := cmd.Flags().GetInt64("timeout-ms")
	min, _ := cmd.Flags().GetInt("min")
	if min <= 0 {
		min = len(args)
	}

	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	ready, pending, err := cli.Wait(ctx, args, min, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return err
	}

	fmt.Printf("Ready (%d):\n", len(ready))
	for _, id := range ready {
		fmt.Printf("  %s\n", id)
	}
	if len(pending) > 0 {
		fmt.Printf("Pending (%d):\n", len(pending))
		for _, id := range pending {
			fmt.Printf("  %s\n", id)
		}
	}
	return nil
}
