package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skein-sh/skein/pkg/client"
	"github.com/skein-sh/skein/pkg/rpc"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage instance groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an instance group from a manifest",
	Long: `Create an instance group from a YAML manifest.

A group either fans one template out over totalSize members:

  apiVersion: skein/v1
  kind: Group
  metadata:
    name: workers
  spec:
    sameLifecycle: true
    totalSize: 4
    bundleSize: 2
    template:
      function: urn:faas:fn:worker
      resources:
        cpu: 500
        memory: 256

or lists its members explicitly under spec.members.`,
	RunE: runGroupCreate,
}

var groupKillCmd = &cobra.Command{
	Use:   "kill GROUP",
	Short: "Tear down a group and everything tied to its lifecycle",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupKill,
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live groups",
	RunE:  runGroupList,
}

func init() {
	addServerFlag(groupCmd)
	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupKillCmd)
	groupCmd.AddCommand(groupListCmd)

	groupCreateCmd.Flags().StringP("file", "f", "", "YAML manifest (required)")
	_ = groupCreateCmd.MarkFlagRequired("file")
}

func runGroupCreate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	m, err := loadGroupManifest(path)
	if err != nil {
		return err
	}

	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	p, err := submitGroup(ctx, cli, m)
	if err != nil {
		return err
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return err
	}

	members := p.InstanceIDs()
	cli.Release(members...)
	fmt.Printf("✓ Group created: %s (%d members)\n", res.GroupID, len(members))
	for _, id := range members {
		fmt.Printf("  %s\n", id)
	}
	return nil
}

// submitGroup picks the create form the manifest asks for: template
// fan-out, explicit members, or a child group under a parent.
func submitGroup(ctx context.Context, cli *client.Client, m *groupManifest) (*client.Pending, error) {
	opts := m.toGroupOptions()
	spec := m.Spec
	switch {
	case spec.Template != nil && len(spec.Members) > 0:
		return nil, fmt.Errorf("manifest cannot carry both template and members")
	case spec.Template != nil:
		if spec.Parent != "" {
			return nil, fmt.Errorf("child groups need explicit members")
		}
		cs, err := spec.Template.toCreateSpec()
		if err != nil {
			return nil, err
		}
		return cli.CreateFunctionGroup(ctx, cs, opts)
	case len(spec.Members) > 0:
		specs := make([]rpc.CreateSpec, 0, len(spec.Members))
		for i := range spec.Members {
			cs, err := spec.Members[i].toCreateSpec()
			if err != nil {
				return nil, err
			}
			specs = append(specs, cs)
		}
		if spec.Parent != "" {
			return cli.CreateChildGroup(ctx, specs, opts, spec.Parent)
		}
		return cli.CreateGroup(ctx, specs, opts)
	default:
		return nil, fmt.Errorf("manifest needs a template or members")
	}
}

func runGroupKill(cmd *cobra.Command, args []string) error {
	groupID := args[0]

	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	if err := cli.KillGroup(ctx, groupID); err != nil {
		return err
	}
	fmt.Printf("✓ Group killed: %s\n", groupID)
	return nil
}

func runGroupList(cmd *cobra.Command, args []string) error {
	cli, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer cli.Finalize()

	ctx, cancel := commandCtx()
	defer cancel()
	groups, err := cli.Groups(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("No groups found")
		return nil
	}

	fmt.Printf("%-24s %-16s %-12s %-8s %s\n", "GROUP", "NAME", "STATUS", "MEMBERS", "PARENT")
	for _, g := range groups {
		fmt.Printf("%-24s %-16s %-12s %-8d %s\n",
			g.Group.GroupID, g.Group.Options.GroupName, g.Group.Status, len(g.Members), g.Group.ParentID)
	}
	return nil
}
