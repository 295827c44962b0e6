package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/skein-sh/skein/pkg/types"
)

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Show cluster resource units and queue depths",
	RunE:  runResources,
}

var rgroupCmd = &cobra.Command{
	Use:   "rgroup",
	Short: "Manage resource groups",
}

var rgroupCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a resource group with a quota over matching units",
	Args:  cobra.ExactArgs(1),
	RunE:  runRGroupCreate,
}

var rgroupRmCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Remove a resource group",
	Args:  cobra.ExactArgs(1),
	RunE:  runRGroupRm,
}

var rgroupStatusCmd = &cobra.Command{
	Use:   "status [NAME]",
	Short: "Show resource group quota usage",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRGroupStatus,
}

func init() {
	addServerFlag(resourcesCmd)
	addServerFlag(rgroupCmd)
	rgroupCmd.AddCommand(rgroupCreateCmd)
	rgroupCmd.AddCommand(rgroupRmCmd)
	rgroupCmd.AddCommand(rgroupStatusCmd)

	rgroupCreateCmd.Flags().Int64("cpu", 0, "CPU quota in millicores")
	rgroupCreateCmd.Flags().Int64("memory", 0, "memory quota in MB")
	rgroupCreateCmd.Flags().StringToString("match", nil, "unit label the group selects, key=value (repeatable)")
	rgroupCreateCmd.Flags().StringSlice("match-exists", nil, "unit label key that must exist (repeatable)")
}

func runResources(cmd *cobra.Command, args []string) error {
	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	res, err := cli.Resources(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-20s %-16s %-18s %-18s %s\n", "UNIT", "NODE", "CPU(FREE/CAP)", "MEM(FREE/CAP)", "INSTANCES")
	for _, u := range res.Units {
		cpu := fmt.Sprintf("%d/%d", u.Allocatable.CPU, u.Capacity.CPU)
		mem := fmt.Sprintf("%d/%d", u.Allocatable.Memory, u.Capacity.Memory)
		fmt.Printf("%-20s %-16s %-18s %-18s %d\n", u.UnitID, u.NodeID, cpu, mem, u.Instances)
	}

	if len(res.QueueDepths) > 0 {
		fmt.Println("\nQueues:")
		names := make([]string, 0, len(res.QueueDepths))
		for name := range res.QueueDepths {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-16s %d\n", name, res.QueueDepths[name])
		}
	}
	if len(res.PendingByPriority) > 0 {
		fmt.Println("\nPending by priority:")
		prios := make([]int, 0, len(res.PendingByPriority))
		for p := range res.PendingByPriority {
			prios = append(prios, int(p))
		}
		sort.Ints(prios)
		for _, p := range prios {
			fmt.Printf("  %-16d %d\n", p, res.PendingByPriority[int32(p)])
		}
	}
	return nil
}

func runRGroupCreate(cmd *cobra.Command, args []string) error {
	name := args[0]
	cpu, _ := cmd.Flags().GetInt64("cpu")
	memory, _ := cmd.Flags().GetInt64("memory")
	match, _ := cmd.Flags().GetStringToString("match")
	exists, _ := cmd.Flags().GetStringSlice("match-exists")

	rg := types.ResourceGroup{
		Name:     name,
		Selector: buildUnitSelector(match, exists),
		Quota:    types.Resources{CPU: cpu, Memory: memory},
	}

	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	if err := cli.CreateResourceGroup(ctx, rg); err != nil {
		return err
	}
	fmt.Printf("✓ Resource group created: %s\n", name)
	return nil
}

// buildUnitSelector folds the match flags into one conjunctive clause.
// Keys are sorted so the selector comes out the same for the same flags.
func buildUnitSelector(match map[string]string, exists []string) *types.Selector {
	if len(match) == 0 && len(exists) == 0 {
		return nil
	}
	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var exprs []types.Expression
	for _, k := range keys {
		exprs = append(exprs, types.Expression{Key: k, Op: types.SelectorOpIn, Values: []string{match[k]}})
	}
	for _, k := range exists {
		exprs = append(exprs, types.Expression{Key: k, Op: types.SelectorOpExists})
	}
	return &types.Selector{
		SubConditions: []types.SubCondition{{Expressions: exprs}},
	}
}

func runRGroupRm(cmd *cobra.Command, args []string) error {
	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	if err := cli.RemoveResourceGroup(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("✓ Resource group removed: %s\n", args[0])
	return nil
}

func runRGroupStatus(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}

	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	groups, err := cli.QueryResourceGroup(ctx, name)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("No resource groups found")
		return nil
	}

	fmt.Printf("%-16s %-20s %-20s %s\n", "GROUP", "CPU(USED/QUOTA)", "MEM(USED/QUOTA)", "UNITS")
	for _, g := range groups {
		cpu := fmt.Sprintf("%d/%d", g.Used.CPU, g.Group.Quota.CPU)
		mem := fmt.Sprintf("%d/%d", g.Used.Memory, g.Group.Quota.Memory)
		fmt.Printf("%-16s %-20s %-20s %d\n", g.Group.Name, cpu, mem, len(g.Units))
	}
	return nil
}
