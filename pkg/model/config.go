package model

import (
	"encoding/json"
	"fmt"
)

// ClusterConfig field names.
const (
	FieldTopology                = "TOPOLOGY"
	FieldFaultZoneType           = "FAULT_ZONE_TYPE"
	FieldPersistBestPossible     = "PERSIST_BEST_POSSIBLE_ASSIGNMENT"
	FieldPersistIntermediate     = "PERSIST_INTERMEDIATE_ASSIGNMENT"
	FieldPipelineDisabled        = "PIPELINE_DISABLED"
	FieldDelayRebalanceDisabled  = "DELAY_REBALANCE_DISABLED"
	FieldDelayRebalanceTime      = "DELAY_REBALANCE_TIME"
	FieldTransitionCancelEnabled = "STATE_TRANSITION_CANCELLATION_ENABLED"
	FieldThrottleConfigs         = "STATE_TRANSITION_THROTTLE_CONFIGS"
)

// ThrottleScope is the dimension a throttle applies to.
type ThrottleScope string

const (
	ThrottleScopeCluster  ThrottleScope = "CLUSTER"
	ThrottleScopeResource ThrottleScope = "RESOURCE"
	ThrottleScopeInstance ThrottleScope = "INSTANCE"
)

// ThrottleType classifies which transitions a throttle counts.
type ThrottleType string

const (
	ThrottleLoadBalance     ThrottleType = "LOAD_BALANCE"
	ThrottleRecoveryBalance ThrottleType = "RECOVERY_BALANCE"
	ThrottleAny             ThrottleType = "ANY"
)

// ThrottleConfig caps concurrent in-flight transitions at one scope for one
// transition class.
type ThrottleConfig struct {
	Scope ThrottleScope `json:"scope"`
	Type  ThrottleType  `json:"type"`
	Max   int64         `json:"max"`
}

// ClusterConfig carries cluster-wide controller settings.
type ClusterConfig struct {
	*Record
}

// NewClusterConfig creates a cluster config record for the named cluster.
func NewClusterConfig(cluster string) *ClusterConfig {
	return &ClusterConfig{Record: NewRecord(cluster)}
}

// ClusterConfigFromRecord wraps an existing record.
func ClusterConfigFromRecord(r *Record) *ClusterConfig {
	return &ClusterConfig{Record: r}
}

// Topology returns the topology path, e.g. "/zone/rack/instance".
func (c *ClusterConfig) Topology() string {
	return c.GetSimpleField(FieldTopology)
}

// SetTopology sets the topology path.
func (c *ClusterConfig) SetTopology(path string) {
	c.SetSimpleField(FieldTopology, path)
}

// FaultZoneType returns the topology element replicas must be spread
// across, e.g. "zone".
func (c *ClusterConfig) FaultZoneType() string {
	return c.GetSimpleField(FieldFaultZoneType)
}

// SetFaultZoneType sets the fault zone type.
func (c *ClusterConfig) SetFaultZoneType(t string) {
	c.SetSimpleField(FieldFaultZoneType, t)
}

// PersistBestPossible reports whether the best-possible assignment is
// written back to the store after each pipeline run.
func (c *ClusterConfig) PersistBestPossible() bool {
	return c.GetBoolField(FieldPersistBestPossible, false)
}

// PersistIntermediate reports whether the intermediate assignment is
// written back to the store after each pipeline run.
func (c *ClusterConfig) PersistIntermediate() bool {
	return c.GetBoolField(FieldPersistIntermediate, false)
}

// PipelineDisabled reports whether controller pipeline runs are suspended.
func (c *ClusterConfig) PipelineDisabled() bool {
	return c.GetBoolField(FieldPipelineDisabled, false)
}

// DelayRebalanceDisabled reports whether delayed rebalance is switched off.
func (c *ClusterConfig) DelayRebalanceDisabled() bool {
	return c.GetBoolField(FieldDelayRebalanceDisabled, false)
}

// DelayRebalanceTime returns how long (ms) a departed instance is still
// treated as live by the rebalancer. Values <= 0 disable the delay.
func (c *ClusterConfig) DelayRebalanceTime() int64 {
	return c.GetInt64Field(FieldDelayRebalanceTime, -1)
}

// SetDelayRebalanceTime sets the delayed-rebalance window in milliseconds.
func (c *ClusterConfig) SetDelayRebalanceTime(ms int64) {
	c.SetInt64Field(FieldDelayRebalanceTime, ms)
}

// TransitionCancelEnabled reports whether superseded pending transitions
// may be cancelled.
func (c *ClusterConfig) TransitionCancelEnabled() bool {
	return c.GetBoolField(FieldTransitionCancelEnabled, false)
}

// SetTransitionCancelEnabled toggles transition cancellation.
func (c *ClusterConfig) SetTransitionCancelEnabled(v bool) {
	c.SetBoolField(FieldTransitionCancelEnabled, v)
}

// ThrottleConfigs returns the configured transition throttles. Entries
// that fail to parse are skipped.
func (c *ClusterConfig) ThrottleConfigs() []ThrottleConfig {
	var out []ThrottleConfig
	for _, s := range c.GetListField(FieldThrottleConfigs) {
		var tc ThrottleConfig
		if err := json.Unmarshal([]byte(s), &tc); err != nil {
			continue
		}
		out = append(out, tc)
	}
	return out
}

// SetThrottleConfigs replaces the configured transition throttles.
func (c *ClusterConfig) SetThrottleConfigs(configs []ThrottleConfig) error {
	encoded := make([]string, 0, len(configs))
	for _, tc := range configs {
		b, err := json.Marshal(tc)
		if err != nil {
			return fmt.Errorf("failed to encode throttle config: %w", err)
		}
		encoded = append(encoded, string(b))
	}
	c.SetListField(FieldThrottleConfigs, encoded)
	return nil
}

// InstanceConfig field names.
const (
	FieldHost               = "HOST"
	FieldPort               = "PORT"
	FieldEnabled            = "ENABLED"
	FieldTags               = "TAGS"
	FieldDisabledPartitions = "DISABLED_PARTITIONS"
	FieldDomain             = "DOMAIN"
)

// InstanceConfig carries per-participant settings written by the admin.
type InstanceConfig struct {
	*Record
}

// NewInstanceConfig creates an instance config for the named instance.
func NewInstanceConfig(instance string) *InstanceConfig {
	c := &InstanceConfig{Record: NewRecord(instance)}
	c.SetBoolField(FieldEnabled, true)
	return c
}

// InstanceConfigFromRecord wraps an existing record.
func InstanceConfigFromRecord(r *Record) *InstanceConfig {
	return &InstanceConfig{Record: r}
}

// InstanceName returns the instance identifier.
func (c *InstanceConfig) InstanceName() string { return c.ID }

// Host returns the participant host.
func (c *InstanceConfig) Host() string { return c.GetSimpleField(FieldHost) }

// SetHost sets the participant host.
func (c *InstanceConfig) SetHost(h string) { c.SetSimpleField(FieldHost, h) }

// Port returns the participant port.
func (c *InstanceConfig) Port() string { return c.GetSimpleField(FieldPort) }

// SetPort sets the participant port.
func (c *InstanceConfig) SetPort(p string) { c.SetSimpleField(FieldPort, p) }

// Enabled reports whether the instance may receive assignments.
func (c *InstanceConfig) Enabled() bool { return c.GetBoolField(FieldEnabled, true) }

// SetEnabled toggles the instance.
func (c *InstanceConfig) SetEnabled(v bool) { c.SetBoolField(FieldEnabled, v) }

// Tags returns the instance group tags.
func (c *InstanceConfig) Tags() []string { return c.GetListField(FieldTags) }

// AddTag appends an instance group tag if not already present.
func (c *InstanceConfig) AddTag(tag string) {
	for _, t := range c.Tags() {
		if t == tag {
			return
		}
	}
	c.SetListField(FieldTags, append(c.Tags(), tag))
}

// HasTag reports whether the instance carries the tag. An empty tag
// matches every instance.
func (c *InstanceConfig) HasTag(tag string) bool {
	if tag == "" {
		return true
	}
	for _, t := range c.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// Domain returns the topology domain string for fault-zone resolution,
// e.g. "zone=z1,rack=r3,instance=i1".
func (c *InstanceConfig) Domain() string { return c.GetSimpleField(FieldDomain) }

// SetDomain sets the topology domain string.
func (c *InstanceConfig) SetDomain(d string) { c.SetSimpleField(FieldDomain, d) }

// DisabledPartitions returns the partitions disabled on this instance for
// the given resource.
func (c *InstanceConfig) DisabledPartitions(resource string) []string {
	return splitCSV(c.GetMapField(FieldDisabledPartitions)[resource])
}

// PartitionDisabled reports whether the partition is disabled on this
// instance. The disabled list is stored comma-separated per resource.
func (c *InstanceConfig) PartitionDisabled(resource, partition string) bool {
	m := c.GetMapField(FieldDisabledPartitions)
	if m == nil {
		return false
	}
	for _, p := range splitCSV(m[resource]) {
		if p == partition {
			return true
		}
	}
	return false
}

// DisablePartition marks the partition disabled on this instance.
func (c *InstanceConfig) DisablePartition(resource, partition string) {
	m := c.GetMapField(FieldDisabledPartitions)
	existing := ""
	if m != nil {
		existing = m[resource]
	}
	parts := splitCSV(existing)
	for _, p := range parts {
		if p == partition {
			return
		}
	}
	parts = append(parts, partition)
	c.SetMapFieldValue(FieldDisabledPartitions, resource, joinCSV(parts))
}
