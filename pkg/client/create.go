package client

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/copystructure"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/types"
)

// Create admits one instance. The returned Pending resolves when
// placement settles; the instance id rides in the result.
func (c *Client) Create(ctx context.Context, spec rpc.CreateSpec) (*Pending, error) {
	if c.isFinalized() {
		return nil, errcode.New(errcode.Finalized, "client finalized")
	}
	if err := validateSpec(&spec); err != nil {
		return nil, err
	}

	requestID := newRequestID()
	p := newPending(requestID, kindCreate)
	submit := func(ctx context.Context) error {
		var reply rpc.InstanceCreateReply
		return c.call(ctx, "Instance.Create", &rpc.InstanceCreateArgs{
			Header: c.header(requestID),
			Spec:   spec,
		}, &reply)
	}
	p.submit = c.background(submit)
	c.reqs.add(p)
	if err := submit(ctx); err != nil {
		c.reqs.take(requestID)
		return nil, err
	}
	return p, nil
}

// CreateGroup admits the specs as one gang: every member places or
// none do, and with SameLifecycle one member's death takes the rest.
func (c *Client) CreateGroup(ctx context.Context, specs []rpc.CreateSpec, group types.GroupOptions) (*Pending, error) {
	return c.createBatch(ctx, specs, group, "")
}

// CreateChildGroup ties the gang's lifecycle to a running parent
// instance; the group dies when the parent does.
func (c *Client) CreateChildGroup(ctx context.Context, specs []rpc.CreateSpec, group types.GroupOptions, parentID string) (*Pending, error) {
	if parentID == "" {
		return nil, errcode.New(errcode.ParameterError, "parent instance id required")
	}
	return c.createBatch(ctx, specs, group, parentID)
}

// CreateFunctionGroup fans one spec out into a gang of
// group.TotalSize replicas. With a BundleSize the replicas pack into
// bundles of that many: the first member of each bundle carries the
// bundle label and the rest require placement beside it.
func (c *Client) CreateFunctionGroup(ctx context.Context, spec rpc.CreateSpec, group types.GroupOptions) (*Pending, error) {
	specs, err := fanOutSpecs(spec, group)
	if err != nil {
		return nil, err
	}
	return c.createBatch(ctx, specs, group, "")
}

// fanOutSpecs replicates one spec into a gang, chaining bundle labels
// so each bundle co-locates: member i of bundle b anchors the label
// when it opens the bundle and requires it otherwise.
func fanOutSpecs(spec rpc.CreateSpec, group types.GroupOptions) ([]rpc.CreateSpec, error) {
	total := int(group.TotalSize)
	if total < 1 || total > maxGroupFanout {
		return nil, errcode.Newf(errcode.ParameterError, "group total size %d out of range [1,%d]", total, maxGroupFanout)
	}
	if group.GroupName == "" {
		return nil, errcode.New(errcode.ParameterError, "function group needs a name")
	}
	bundle := int(group.BundleSize)
	if bundle < 0 || bundle > total {
		return nil, errcode.Newf(errcode.ParameterError, "bundle size %d out of range [0,%d]", bundle, total)
	}
	if err := validateSpec(&spec); err != nil {
		return nil, err
	}

	specs := make([]rpc.CreateSpec, 0, total)
	for i := 0; i < total; i++ {
		cp, err := copystructure.Copy(spec)
		if err != nil {
			return nil, errcode.Newf(errcode.ParameterError, "clone spec: %v", err)
		}
		m := cp.(rpc.CreateSpec)
		if bundle > 1 {
			lbl := fmt.Sprintf("%s_bundle_%d", group.GroupName, i/bundle)
			if i%bundle == 0 {
				if m.Labels == nil {
					m.Labels = make(map[string]string)
				}
				m.Labels[lbl] = "1"
			} else {
				requireInstanceLabel(&m.Options, lbl)
			}
		}
		specs = append(specs, m)
	}
	return specs, nil
}

func (c *Client) createBatch(ctx context.Context, specs []rpc.CreateSpec, group types.GroupOptions, parentID string) (*Pending, error) {
	if c.isFinalized() {
		return nil, errcode.New(errcode.Finalized, "client finalized")
	}
	if len(specs) < 1 || len(specs) > maxGroupFanout {
		return nil, errcode.Newf(errcode.ParameterError, "group size %d out of range [1,%d]", len(specs), maxGroupFanout)
	}
	for i := range specs {
		if err := validateSpec(&specs[i]); err != nil {
			return nil, err
		}
	}
	if group.GroupName != "" {
		if err := validateLabelToken(group.GroupName); err != nil {
			return nil, err
		}
	}

	requestID := newRequestID()
	p := newPending(requestID, kindCreateGroup)
	submit := func(ctx context.Context) error {
		var reply rpc.InstanceCreateBatchReply
		if err := c.call(ctx, "Instance.CreateBatch", &rpc.InstanceCreateBatchArgs{
			Header:   c.header(requestID),
			Specs:    specs,
			Group:    group,
			ParentID: parentID,
		}, &reply); err != nil {
			return err
		}
		p.noteMembers(reply.InstanceIDs)
		return nil
	}
	p.submit = c.background(submit)
	c.reqs.add(p)
	if err := submit(ctx); err != nil {
		c.reqs.take(requestID)
		return nil, err
	}
	return p, nil
}

// background adapts a submit closure for timer-driven resubmission,
// which has no caller context to inherit.
func (c *Client) background(fn func(context.Context) error) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CallTimeout)
		defer cancel()
		return fn(ctx)
	}
}

// requireInstanceLabel adds a hard co-location constraint on lbl,
// preserving any constraints already present.
func requireInstanceLabel(opts *types.ScheduleOptions, lbl string) {
	if opts.Affinity == nil {
		opts.Affinity = &types.Affinity{}
	}
	if opts.Affinity.InstanceRequired == nil {
		opts.Affinity.InstanceRequired = &types.Selector{}
	}
	sel := opts.Affinity.InstanceRequired
	expr := types.Expression{Key: lbl, Op: types.SelectorOpExists}
	if len(sel.SubConditions) == 0 {
		sel.SubConditions = []types.SubCondition{{}}
	}
	for i := range sel.SubConditions {
		sel.SubConditions[i].Expressions = append(sel.SubConditions[i].Expressions, expr)
	}
}

// Kill asks the owner node to terminate an instance. A zero signal
// sends the default shutdown.
func (c *Client) Kill(ctx context.Context, instanceID string, sig types.Signal) error {
	var reply rpc.InstanceKillReply
	err := c.call(ctx, "Instance.Kill", &rpc.InstanceKillArgs{
		Header:     c.header(newRequestID()),
		InstanceID: instanceID,
		Signal:     sig,
	}, &reply)
	if err == nil || errcode.Is(err, errcode.InstanceNotFound) {
		c.dropOwned(instanceID)
	}
	return err
}

// KillSync is Kill that returns only once the instance record is
// gone, bounded by timeout.
func (c *Client) KillSync(ctx context.Context, instanceID string, timeout time.Duration) error {
	var reply rpc.InstanceKillReply
	err := c.call(ctx, "Instance.Kill", &rpc.InstanceKillArgs{
		Header:     c.header(newRequestID()),
		InstanceID: instanceID,
		Signal:     types.SignalKillInstanceSync,
		TimeoutMs:  timeout.Milliseconds(),
	}, &reply)
	if err == nil || errcode.Is(err, errcode.InstanceNotFound) {
		c.dropOwned(instanceID)
	}
	return err
}

// KillGroup tears down a whole gang along with everything tied to its
// lifecycle.
func (c *Client) KillGroup(ctx context.Context, groupID string) error {
	return c.call(ctx, "Instance.Kill", &rpc.InstanceKillArgs{
		Header:  c.header(newRequestID()),
		GroupID: groupID,
	}, &rpc.InstanceKillReply{})
}

// KillAll clears every instance on the cluster.
func (c *Client) KillAll(ctx context.Context) error {
	return c.call(ctx, "Instance.Kill", &rpc.InstanceKillArgs{
		Header: c.header(newRequestID()),
		Signal: types.SignalKillAllInstances,
	}, &rpc.InstanceKillReply{})
}

// Accelerate opens a direct queue on each instance and returns the
// handles keyed by instance id.
func (c *Client) Accelerate(ctx context.Context, instanceIDs ...string) (map[string]string, error) {
	handles := make(map[string]string, len(instanceIDs))
	for _, id := range instanceIDs {
		var reply rpc.InstanceKillReply
		if err := c.call(ctx, "Instance.Kill", &rpc.InstanceKillArgs{
			Header:     c.header(newRequestID()),
			InstanceID: id,
			Signal:     types.SignalAccelerate,
		}, &reply); err != nil {
			return handles, err
		}
		for k, v := range reply.Handles {
			handles[k] = v
		}
	}
	return handles, nil
}

// Cancel aborts a request still waiting in the schedule queue. The
// matching Pending resolves with a cancelled result when it lands.
func (c *Client) Cancel(ctx context.Context, requestID string) (bool, error) {
	var reply rpc.InstanceCancelReply
	err := c.call(ctx, "Instance.Cancel", &rpc.InstanceCancelArgs{
		Header:          c.header(newRequestID()),
		TargetRequestID: requestID,
	}, &reply)
	if err != nil {
		return false, err
	}
	return reply.Cancelled, nil
}
