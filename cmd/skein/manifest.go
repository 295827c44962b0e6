package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skein-sh/skein/pkg/rpc"
	"github.com/skein-sh/skein/pkg/types"
)

// manifestMetadata names and labels a manifest's subject.
type manifestMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// instanceManifest is the YAML shape for kind Instance.
type instanceManifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   manifestMetadata `yaml:"metadata"`
	Spec       instanceSpec     `yaml:"spec"`
}

// groupManifest is the YAML shape for kind Group. A group either fans
// one template out over totalSize members or lists its members
// explicitly.
type groupManifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   manifestMetadata `yaml:"metadata"`
	Spec       groupSpec        `yaml:"spec"`
}

type instanceSpec struct {
	Name      string            `yaml:"name,omitempty"`
	Function  string            `yaml:"function"`
	Labels    map[string]string `yaml:"labels,omitempty"`
	Resources resourcesSpec     `yaml:"resources"`
	Options   optionsSpec       `yaml:"options,omitempty"`
	Affinity  *affinitySpec     `yaml:"affinity,omitempty"`
	Health    *healthSpec       `yaml:"health,omitempty"`
}

type resourcesSpec struct {
	CPU    int64            `yaml:"cpu"`
	Memory int64            `yaml:"memory"`
	Custom map[string]int64 `yaml:"custom,omitempty"`
}

type optionsSpec struct {
	Priority          int32  `yaml:"priority"`
	PreemptedAllowed  bool   `yaml:"preemptedAllowed"`
	ScheduleTimeoutMs int64  `yaml:"scheduleTimeoutMs"`
	ResourceGroup     string `yaml:"resourceGroup,omitempty"`
}

// affinitySpec lists label expressions per placement term. The
// expressions of one term must all hold together.
type affinitySpec struct {
	NodeRequired         []exprSpec `yaml:"nodeRequired,omitempty"`
	NodePreferred        []exprSpec `yaml:"nodePreferred,omitempty"`
	InstanceRequired     []exprSpec `yaml:"instanceRequired,omitempty"`
	InstanceRequiredNot  []exprSpec `yaml:"instanceRequiredNot,omitempty"`
	InstancePreferred    []exprSpec `yaml:"instancePreferred,omitempty"`
	InstancePreferredNot []exprSpec `yaml:"instancePreferredNot,omitempty"`
}

type exprSpec struct {
	Key    string   `yaml:"key"`
	Op     string   `yaml:"op"`
	Values []string `yaml:"values,omitempty"`
	Weight int32    `yaml:"weight,omitempty"`
}

type healthSpec struct {
	Type            string   `yaml:"type"`
	Endpoint        string   `yaml:"endpoint,omitempty"`
	Command         []string `yaml:"command,omitempty"`
	IntervalMs      int64    `yaml:"intervalMs"`
	TimeoutMs       int64    `yaml:"timeoutMs"`
	SubHealthyAfter int      `yaml:"subHealthyAfter"`
}

type groupSpec struct {
	SameLifecycle bool  `yaml:"sameLifecycle"`
	TimeoutMs     int64 `yaml:"timeoutMs"`
	BundleSize    int32 `yaml:"bundleSize"`
	TotalSize     int32 `yaml:"totalSize"`

	// Parent makes this a child group that dies with the named
	// instance.
	Parent string `yaml:"parent,omitempty"`

	Template *instanceSpec  `yaml:"template,omitempty"`
	Members  []instanceSpec `yaml:"members,omitempty"`
}

// readManifestKind probes a manifest file for its kind.
func readManifestKind(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file: %v", err)
	}
	var hdr struct {
		Kind string `yaml:"kind"`
	}
	if err := yaml.Unmarshal(data, &hdr); err != nil {
		return nil, "", fmt.Errorf("failed to parse YAML: %v", err)
	}
	return data, hdr.Kind, nil
}

func loadInstanceManifest(path string) (*instanceManifest, error) {
	data, kind, err := readManifestKind(path)
	if err != nil {
		return nil, err
	}
	if kind != "Instance" {
		return nil, fmt.Errorf("expected kind Instance, got %q", kind)
	}
	var m instanceManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %v", err)
	}
	return &m, nil
}

func loadGroupManifest(path string) (*groupManifest, error) {
	data, kind, err := readManifestKind(path)
	if err != nil {
		return nil, err
	}
	if kind != "Group" {
		return nil, fmt.Errorf("expected kind Group, got %q", kind)
	}
	var m groupManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %v", err)
	}
	return &m, nil
}

// toCreateSpec converts a manifest instance spec to the wire form.
func (s *instanceSpec) toCreateSpec() (rpc.CreateSpec, error) {
	spec := rpc.CreateSpec{
		Function: s.Function,
		Name:     s.Name,
		Labels:   s.Labels,
		Resources: types.Resources{
			CPU:    s.Resources.CPU,
			Memory: s.Resources.Memory,
			Custom: s.Resources.Custom,
		},
		Options: types.ScheduleOptions{
			Priority:          s.Options.Priority,
			PreemptedAllowed:  s.Options.PreemptedAllowed,
			ScheduleTimeoutMs: s.Options.ScheduleTimeoutMs,
			ResourceGroup:     s.Options.ResourceGroup,
		},
	}
	if s.Affinity != nil {
		aff, err := s.Affinity.toAffinity()
		if err != nil {
			return rpc.CreateSpec{}, err
		}
		spec.Options.Affinity = aff
	}
	if s.Health != nil {
		hc, err := s.Health.toHealthCheck()
		if err != nil {
			return rpc.CreateSpec{}, err
		}
		spec.Health = hc
	}
	return spec, nil
}

func (a *affinitySpec) toAffinity() (*types.Affinity, error) {
	out := &types.Affinity{}
	terms := []struct {
		exprs []exprSpec
		dst   **types.Selector
	}{
		{a.NodeRequired, &out.NodeRequired},
		{a.NodePreferred, &out.NodePreferred},
		{a.InstanceRequired, &out.InstanceRequired},
		{a.InstanceRequiredNot, &out.InstanceRequiredNot},
		{a.InstancePreferred, &out.InstancePreferred},
		{a.InstancePreferredNot, &out.InstancePreferredNot},
	}
	for _, t := range terms {
		if len(t.exprs) == 0 {
			continue
		}
		sel, err := toSelector(t.exprs)
		if err != nil {
			return nil, err
		}
		*t.dst = sel
	}
	return out, nil
}

func toSelector(exprs []exprSpec) (*types.Selector, error) {
	sub := types.SubCondition{}
	for _, e := range exprs {
		switch types.SelectorOp(e.Op) {
		case types.SelectorOpIn, types.SelectorOpNotIn, types.SelectorOpExists, types.SelectorOpNotExists:
		default:
			return nil, fmt.Errorf("unknown selector op %q", e.Op)
		}
		sub.Expressions = append(sub.Expressions, types.Expression{
			Key:    e.Key,
			Op:     types.SelectorOp(e.Op),
			Values: e.Values,
		})
		if e.Weight != 0 {
			sub.Weight = e.Weight
		}
	}
	return &types.Selector{SubConditions: []types.SubCondition{sub}}, nil
}

func (h *healthSpec) toHealthCheck() (*types.HealthCheck, error) {
	switch types.HealthCheckType(h.Type) {
	case types.HealthCheckHTTP, types.HealthCheckTCP, types.HealthCheckExec:
	default:
		return nil, fmt.Errorf("unknown health check type %q", h.Type)
	}
	return &types.HealthCheck{
		Type:            types.HealthCheckType(h.Type),
		Endpoint:        h.Endpoint,
		Command:         h.Command,
		Interval:        time.Duration(h.IntervalMs) * time.Millisecond,
		Timeout:         time.Duration(h.TimeoutMs) * time.Millisecond,
		SubHealthyAfter: h.SubHealthyAfter,
	}, nil
}

// toGroupOptions converts group manifest settings to the wire form.
func (m *groupManifest) toGroupOptions() types.GroupOptions {
	return types.GroupOptions{
		SameLifecycle: m.Spec.SameLifecycle,
		TimeoutMs:     m.Spec.TimeoutMs,
		BundleSize:    m.Spec.BundleSize,
		TotalSize:     m.Spec.TotalSize,
		GroupName:     m.Metadata.Name,
	}
}
