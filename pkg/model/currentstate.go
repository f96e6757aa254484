package model

// CurrentState map-field sub-keys. Each partition name maps to a small
// map holding these keys.
const (
	CSKeyCurrentState   = "CURRENT_STATE"
	CSKeyRequestedState = "REQUESTED_STATE"
	CSKeyInfo           = "INFO"

	FieldStateModelDef = "STATE_MODEL_DEF"
	FieldBucketSize    = "BUCKET_SIZE"
)

// CurrentState is the authoritative observed state of one resource's
// partitions on one participant, scoped by the participant's session.
// The record id is the resource name; the session is part of the store
// path and duplicated in the SESSION_ID field.
type CurrentState struct {
	*Record
}

// NewCurrentState creates an empty current state for the resource.
func NewCurrentState(resource, sessionID, stateModelDef string) *CurrentState {
	cs := &CurrentState{Record: NewRecord(resource)}
	cs.SetSimpleField(FieldSessionID, sessionID)
	cs.SetSimpleField(FieldStateModelDef, stateModelDef)
	return cs
}

// CurrentStateFromRecord wraps an existing record.
func CurrentStateFromRecord(r *Record) *CurrentState {
	return &CurrentState{Record: r}
}

// ResourceName returns the resource identifier.
func (cs *CurrentState) ResourceName() string { return cs.ID }

// SessionID returns the session this record is scoped to.
func (cs *CurrentState) SessionID() string { return cs.GetSimpleField(FieldSessionID) }

// StateModelDef returns the state model governing the resource.
func (cs *CurrentState) StateModelDef() string { return cs.GetSimpleField(FieldStateModelDef) }

// BucketSize returns the sharding factor for bucketed current states, or
// 0 for unbucketed records.
func (cs *CurrentState) BucketSize() int { return cs.GetIntField(FieldBucketSize, 0) }

// State returns the reported state for the partition, or "" if none.
func (cs *CurrentState) State(partition string) string {
	return cs.GetMapFieldValue(partition, CSKeyCurrentState)
}

// SetState records the reported state for the partition.
func (cs *CurrentState) SetState(partition, state string) {
	cs.SetMapFieldValue(partition, CSKeyCurrentState, state)
}

// RequestedState returns the controller-requested target state for the
// partition, or "" if no transition is in flight.
func (cs *CurrentState) RequestedState(partition string) string {
	return cs.GetMapFieldValue(partition, CSKeyRequestedState)
}

// SetRequestedState marks a transition in flight from the controller's
// viewpoint.
func (cs *CurrentState) SetRequestedState(partition, state string) {
	cs.SetMapFieldValue(partition, CSKeyRequestedState, state)
}

// ClearRequestedState removes the in-flight marker for the partition.
func (cs *CurrentState) ClearRequestedState(partition string) {
	if m, ok := cs.MapFields[partition]; ok {
		delete(m, CSKeyRequestedState)
	}
}

// Info returns the per-partition info string reported by the handler.
func (cs *CurrentState) Info(partition string) string {
	return cs.GetMapFieldValue(partition, CSKeyInfo)
}

// SetInfo records the per-partition info string.
func (cs *CurrentState) SetInfo(partition, info string) {
	cs.SetMapFieldValue(partition, CSKeyInfo, info)
}

// DropPartition removes the partition from the record entirely.
func (cs *CurrentState) DropPartition(partition string) {
	delete(cs.MapFields, partition)
}

// Partitions returns the partitions present in this record.
func (cs *CurrentState) Partitions() []string {
	out := make([]string, 0, len(cs.MapFields))
	for p := range cs.MapFields {
		out = append(out, p)
	}
	return out
}
