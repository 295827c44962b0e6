package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skein-sh/skein/pkg/client"
	"github.com/skein-sh/skein/pkg/types"
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage function instances",
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a function instance from a manifest",
	Long: `Create a function instance from a YAML manifest.

Example manifest:

  apiVersion: skein/v1
  kind: Instance
  metadata:
    name: resizer
  spec:
    function: urn:faas:fn:resize
    resources:
      cpu: 500
      memory: 256
    options:
      priority: 10
      preemptedAllowed: true`,
	RunE: runInstanceCreate,
}

var instanceInvokeCmd = &cobra.Command{
	Use:   "invoke INSTANCE METHOD",
	Short: "Invoke a method on an instance",
	Args:  cobra.ExactArgs(2),
	RunE:  runInstanceInvoke,
}

var instanceKillCmd = &cobra.Command{
	Use:   "kill [INSTANCE]",
	Short: "Kill an instance, or every instance with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInstanceKill,
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List named instances",
	RunE:  runInstanceList,
}

func init() {
	addServerFlag(instanceCmd)
	instanceCmd.AddCommand(instanceCreateCmd)
	instanceCmd.AddCommand(instanceInvokeCmd)
	instanceCmd.AddCommand(instanceKillCmd)
	instanceCmd.AddCommand(instanceListCmd)

	instanceCreateCmd.Flags().StringP("file", "f", "", "YAML manifest (required)")
	_ = instanceCreateCmd.MarkFlagRequired("file")

	instanceInvokeCmd.Flags().String("args", "", "Argument payload")
	instanceInvokeCmd.Flags().String("args-file", "", "Read argument payload from a file")
	instanceInvokeCmd.Flags().StringSlice("arg-object", nil, "Argument object IDs")
	instanceInvokeCmd.Flags().Int("returns", 1, "Number of return objects")
	instanceInvokeCmd.Flags().Bool("ordered", false, "Deliver in submission order")
	instanceInvokeCmd.Flags().Int64("timeout-ms", 0, "Invocation timeout")

	instanceKillCmd.Flags().Bool("sync", false, "Wait for the instance to drain")
	instanceKillCmd.Flags().Bool("all", false, "Kill every instance in the cluster")
	instanceKillCmd.Flags().Int64("timeout-ms", 0, "Drain wait bound for --sync")

	instanceListCmd.Flags().String("name", "", "Filter by exact name")
}

func runInstanceCreate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	m, err := loadInstanceManifest(path)
	if err != nil {
		return err
	}
	spec, err := m.Spec.toCreateSpec()
	if err != nil {
		return err
	}
	if spec.Name == "" {
		spec.Name = m.Metadata.Name
	}
	for k, v := range m.Metadata.Labels {
		if spec.Labels == nil {
			spec.Labels = make(map[string]string)
		}
		if _, ok := spec.Labels[k]; !ok {
			spec.Labels[k] = v
		}
	}

	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	p, err := cli.Create(ctx, spec)
	if err != nil {
		return err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return err
	}

	// The instance outlives this process.
	cli.Release(res.InstanceID)
	fmt.Printf("✓ Instance created: %s", res.InstanceID)
	if spec.Name != "" {
		fmt.Printf(" (name: %s)", spec.Name)
	}
	fmt.Println()
	return nil
}

func runInstanceInvoke(cmd *cobra.Command, args []string) error {
	instanceID, method := args[0], args[1]
	payload, err := invokePayload(cmd)
	if err != nil {
		return err
	}
	argObjects, _ := cmd.Flags().GetStringSlice("arg-object")
	returns, _ := cmd.Flags().GetInt("returns")
	ordered, _ := cmd.Flags().GetBool("ordered")
	timeoutMs, _ := cmd.Flags().GetInt64("timeout-ms")

	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	p, err := cli.Invoke(ctx, instanceID, method, payload, client.InvokeOptions{
		ArgObjects: argObjects,
		Returns:    returns,
		Ordered:    ordered,
		TimeoutMs:  timeoutMs,
	})
	if err != nil {
		return err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return err
	}

	if res.Payload != nil {
		os.Stdout.Write(res.Payload)
		fmt.Println()
		return nil
	}
	data, err := cli.Get(ctx, res.ObjectIDs, 0)
	if err != nil {
		return err
	}
	for _, id := range res.ObjectIDs {
		fmt.Printf("== %s\n", id)
		os.Stdout.Write(data[id])
		fmt.Println()
	}
	return nil
}

func invokePayload(cmd *cobra.Command) ([]byte, error) {
	argsFile, _ := cmd.Flags().GetString("args-file")
	if argsFile != "" {
		data, err := os.ReadFile(argsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read args file: %v", err)
		}
		return data, nil
	}
	argStr, _ := cmd.Flags().GetString("args")
	if argStr == "" {
		return nil, nil
	}
	return []byte(argStr), nil
}

func runInstanceKill(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if !all && len(args) == 0 {
		return fmt.Errorf("instance id required unless --all")
	}

	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	if all {
		if err := cli.KillAll(ctx); err != nil {
			return err
		}
		fmt.Println("✓ Kill signalled to every instance")
		return nil
	}

	id := args[0]
	sync, _ := cmd.Flags().GetBool("sync")
	if sync {
		timeoutMs, _ := cmd.Flags().GetInt64("timeout-ms")
		if err := cli.KillSync(ctx, id, time.Duration(timeoutMs)*time.Millisecond); err != nil {
			return err
		}
		fmt.Printf("✓ Instance killed: %s\n", id)
		return nil
	}
	if err := cli.Kill(ctx, id, types.SignalShutDown); err != nil {
		return err
	}
	fmt.Printf("✓ Kill signalled: %s\n", id)
	return nil
}

func runInstanceList(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")

	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	instances, err := cli.QueryNamed(ctx, name)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		fmt.Println("No named instances found")
		return nil
	}

	fmt.Printf("%-24s %-16s %-10s %-16s %s\n", "INSTANCE", "NAME", "STATE", "NODE", "GROUP")
	for _, ins := range instances {
		fmt.Printf("%-24s %-16s %-10s %-16s %s\n",
			ins.InstanceID, ins.Name, ins.State, ins.OwnerNode, ins.GroupID)
	}
	return nil
}
