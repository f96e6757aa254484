package store

import "strings"

// KeyBuilder constructs store paths under one cluster root. The layout is
// fixed; every component that touches the store goes through a builder so
// path construction lives in one place.
type KeyBuilder struct {
	Cluster string
}

// NewKeyBuilder creates a key builder for the cluster.
func NewKeyBuilder(cluster string) KeyBuilder {
	return KeyBuilder{Cluster: cluster}
}

func (k KeyBuilder) root(parts ...string) string {
	return "/" + k.Cluster + "/" + strings.Join(parts, "/")
}

// ClusterRoot returns the cluster root path.
func (k KeyBuilder) ClusterRoot() string { return "/" + k.Cluster }

// ClusterConfig returns the cluster config path.
func (k KeyBuilder) ClusterConfig() string {
	return k.root("CONFIGS", "CLUSTER", k.Cluster)
}

// ParticipantConfigs returns the participant config directory.
func (k KeyBuilder) ParticipantConfigs() string { return k.root("CONFIGS", "PARTICIPANT") }

// ParticipantConfig returns one participant's config path.
func (k KeyBuilder) ParticipantConfig(instance string) string {
	return k.root("CONFIGS", "PARTICIPANT", instance)
}

// ResourceConfigs returns the resource config directory.
func (k KeyBuilder) ResourceConfigs() string { return k.root("CONFIGS", "RESOURCE") }

// ResourceConfig returns one resource's config path.
func (k KeyBuilder) ResourceConfig(resource string) string {
	return k.root("CONFIGS", "RESOURCE", resource)
}

// LiveInstances returns the live-instance directory.
func (k KeyBuilder) LiveInstances() string { return k.root("LIVEINSTANCES") }

// LiveInstance returns one instance's live node path.
func (k KeyBuilder) LiveInstance(instance string) string {
	return k.root("LIVEINSTANCES", instance)
}

// IdealStates returns the ideal-state directory.
func (k KeyBuilder) IdealStates() string { return k.root("IDEALSTATES") }

// IdealState returns one resource's ideal-state path.
func (k KeyBuilder) IdealState(resource string) string {
	return k.root("IDEALSTATES", resource)
}

// Instances returns the instances directory.
func (k KeyBuilder) Instances() string { return k.root("INSTANCES") }

// Instance returns one instance's root path.
func (k KeyBuilder) Instance(instance string) string { return k.root("INSTANCES", instance) }

// CurrentStates returns the per-session current-state directory for an
// instance.
func (k KeyBuilder) CurrentStates(instance string) string {
	return k.root("INSTANCES", instance, "CURRENTSTATES")
}

// CurrentStateSession returns the current-state directory for one session.
func (k KeyBuilder) CurrentStateSession(instance, session string) string {
	return k.root("INSTANCES", instance, "CURRENTSTATES", session)
}

// CurrentState returns one resource's current-state path for a session.
func (k KeyBuilder) CurrentState(instance, session, resource string) string {
	return k.root("INSTANCES", instance, "CURRENTSTATES", session, resource)
}

// Messages returns the inbound message queue directory for an instance.
func (k KeyBuilder) Messages(instance string) string {
	return k.root("INSTANCES", instance, "MESSAGES")
}

// Message returns one message's path on an instance queue.
func (k KeyBuilder) Message(instance, msgID string) string {
	return k.root("INSTANCES", instance, "MESSAGES", msgID)
}

// ExternalViews returns the external-view directory.
func (k KeyBuilder) ExternalViews() string { return k.root("EXTERNALVIEW") }

// ExternalView returns one resource's external-view path.
func (k KeyBuilder) ExternalView(resource string) string {
	return k.root("EXTERNALVIEW", resource)
}

// StateModelDefs returns the state-model definition directory.
func (k KeyBuilder) StateModelDefs() string { return k.root("STATEMODELDEFS") }

// StateModelDef returns one state model's path.
func (k KeyBuilder) StateModelDef(name string) string {
	return k.root("STATEMODELDEFS", name)
}

// Controller returns the controller directory.
func (k KeyBuilder) Controller() string { return k.root("CONTROLLER") }

// ControllerLeader returns the elected-leader ephemeral node path.
func (k KeyBuilder) ControllerLeader() string { return k.root("CONTROLLER", "LEADER") }

// ParentPath returns the parent of a store path, or "" for the root.
func ParentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// BaseName returns the last element of a store path.
func BaseName(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
