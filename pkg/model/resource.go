package model

import (
	"strconv"
	"strings"
)

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinCSV(parts []string) string {
	return strings.Join(parts, ",")
}

// RebalanceMode selects the rebalancer for a resource.
type RebalanceMode string

const (
	RebalanceModeSemiAuto    RebalanceMode = "SEMI_AUTO"
	RebalanceModeFullAuto    RebalanceMode = "FULL_AUTO"
	RebalanceModeCustomized  RebalanceMode = "CUSTOMIZED"
	RebalanceModeUserDefined RebalanceMode = "USER_DEFINED"
)

// IdealState field names.
const (
	FieldNumPartitions     = "NUM_PARTITIONS"
	FieldReplicas          = "REPLICAS"
	FieldRebalanceMode     = "REBALANCE_MODE"
	FieldStateModelDefRef  = "STATE_MODEL_DEF_REF"
	FieldInstanceGroupTag  = "INSTANCE_GROUP_TAG"
	FieldMinActiveReplicas = "MIN_ACTIVE_REPLICAS"
	FieldRebalancerName    = "REBALANCER_CLASS_NAME"
	FieldResourceEnabled   = "RESOURCE_ENABLED"

	// ReplicasAnyLiveInstance makes the replica count track the number of
	// live instances.
	ReplicasAnyLiveInstance = "ANY_LIVEINSTANCE"
)

// IdealState is the declarative target placement for one resource. For
// SEMI_AUTO the list fields hold per-partition preference lists; for
// CUSTOMIZED the map fields hold per-partition instance->state maps.
type IdealState struct {
	*Record
}

// NewIdealState creates an ideal state for the named resource.
func NewIdealState(resource string) *IdealState {
	return &IdealState{Record: NewRecord(resource)}
}

// IdealStateFromRecord wraps an existing record.
func IdealStateFromRecord(r *Record) *IdealState {
	return &IdealState{Record: r}
}

// ResourceName returns the resource identifier.
func (is *IdealState) ResourceName() string { return is.ID }

// NumPartitions returns the partition count.
func (is *IdealState) NumPartitions() int { return is.GetIntField(FieldNumPartitions, 0) }

// SetNumPartitions sets the partition count.
func (is *IdealState) SetNumPartitions(n int) { is.SetIntField(FieldNumPartitions, n) }

// Replicas returns the raw replica count field ("3" or ANY_LIVEINSTANCE).
func (is *IdealState) Replicas() string { return is.GetSimpleField(FieldReplicas) }

// SetReplicas sets the replica count field.
func (is *IdealState) SetReplicas(r string) { is.SetSimpleField(FieldReplicas, r) }

// ReplicaCount resolves the replica count against the number of live
// instances eligible for this resource.
func (is *IdealState) ReplicaCount(liveInstances int) int {
	if is.Replicas() == ReplicasAnyLiveInstance {
		return liveInstances
	}
	n := is.GetIntField(FieldReplicas, 0)
	if n < 0 {
		return liveInstances
	}
	return n
}

// RebalanceMode returns the rebalance mode, defaulting to SEMI_AUTO.
func (is *IdealState) RebalanceMode() RebalanceMode {
	m := RebalanceMode(is.GetSimpleField(FieldRebalanceMode))
	if m == "" {
		return RebalanceModeSemiAuto
	}
	return m
}

// SetRebalanceMode sets the rebalance mode.
func (is *IdealState) SetRebalanceMode(m RebalanceMode) {
	is.SetSimpleField(FieldRebalanceMode, string(m))
}

// StateModelDefRef returns the name of the state model governing this
// resource's replicas.
func (is *IdealState) StateModelDefRef() string {
	return is.GetSimpleField(FieldStateModelDefRef)
}

// SetStateModelDefRef sets the state model name.
func (is *IdealState) SetStateModelDefRef(name string) {
	is.SetSimpleField(FieldStateModelDefRef, name)
}

// InstanceGroupTag returns the tag restricting placement to tagged
// instances, or "" for no restriction.
func (is *IdealState) InstanceGroupTag() string {
	return is.GetSimpleField(FieldInstanceGroupTag)
}

// SetInstanceGroupTag sets the placement tag.
func (is *IdealState) SetInstanceGroupTag(tag string) {
	is.SetSimpleField(FieldInstanceGroupTag, tag)
}

// MinActiveReplicas returns the minimum active replica count before a
// partition is considered in recovery, or -1 when unset.
func (is *IdealState) MinActiveReplicas() int {
	return is.GetIntField(FieldMinActiveReplicas, -1)
}

// SetMinActiveReplicas sets the minimum active replica count.
func (is *IdealState) SetMinActiveReplicas(n int) {
	is.SetIntField(FieldMinActiveReplicas, n)
}

// RebalancerName returns the registered plugin name for USER_DEFINED mode.
func (is *IdealState) RebalancerName() string {
	return is.GetSimpleField(FieldRebalancerName)
}

// SetRebalancerName sets the plugin name for USER_DEFINED mode.
func (is *IdealState) SetRebalancerName(name string) {
	is.SetSimpleField(FieldRebalancerName, name)
}

// Enabled reports whether the resource participates in rebalancing.
func (is *IdealState) Enabled() bool { return is.GetBoolField(FieldResourceEnabled, true) }

// PreferenceList returns the SEMI_AUTO priority-ordered instance list for
// the partition.
func (is *IdealState) PreferenceList(partition string) []string {
	return is.GetListField(partition)
}

// SetPreferenceList sets the SEMI_AUTO preference list for the partition.
func (is *IdealState) SetPreferenceList(partition string, instances []string) {
	is.SetListField(partition, instances)
}

// InstanceStateMap returns the CUSTOMIZED instance->state map for the
// partition.
func (is *IdealState) InstanceStateMap(partition string) map[string]string {
	return is.GetMapField(partition)
}

// SetInstanceStateMap sets the CUSTOMIZED map for the partition.
func (is *IdealState) SetInstanceStateMap(partition string, states map[string]string) {
	is.SetMapField(partition, states)
}

// PartitionNames enumerates partition names as "{resource}_{index}" for
// indexes 0..NumPartitions-1. Resources created through the admin surface
// always use this naming.
func (is *IdealState) PartitionNames() []string {
	n := is.NumPartitions()
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		names = append(names, PartitionName(is.ID, i))
	}
	return names
}

// PartitionName builds the canonical partition name for an index.
func PartitionName(resource string, index int) string {
	return resource + "_" + strconv.Itoa(index)
}

// ExternalView is the public, eventually consistent partition->instance->
// state view of one resource, derived from aggregated current states.
type ExternalView struct {
	*Record
}

// NewExternalView creates an empty external view for the resource.
func NewExternalView(resource string) *ExternalView {
	return &ExternalView{Record: NewRecord(resource)}
}

// ExternalViewFromRecord wraps an existing record.
func ExternalViewFromRecord(r *Record) *ExternalView {
	return &ExternalView{Record: r}
}

// ResourceName returns the resource identifier.
func (ev *ExternalView) ResourceName() string { return ev.ID }

// StateMap returns the instance->state map for the partition.
func (ev *ExternalView) StateMap(partition string) map[string]string {
	return ev.GetMapField(partition)
}

// SetStateMap sets the instance->state map for the partition.
func (ev *ExternalView) SetStateMap(partition string, states map[string]string) {
	ev.SetMapField(partition, states)
}
