package model

// LiveInstance field names.
const (
	FieldSessionID       = "SESSION_ID"
	FieldLiveInstance    = "LIVE_INSTANCE"
	FieldControllerEpoch = "CONTROLLER_EPOCH"
)

// LiveInstance marks a participant as connected. The record is ephemeral:
// it exists only while the participant's store session is alive.
type LiveInstance struct {
	*Record
}

// NewLiveInstance creates a live-instance record for the named instance
// under the given session.
func NewLiveInstance(instance, sessionID string) *LiveInstance {
	li := &LiveInstance{Record: NewRecord(instance)}
	li.SetSimpleField(FieldSessionID, sessionID)
	return li
}

// LiveInstanceFromRecord wraps an existing record.
func LiveInstanceFromRecord(r *Record) *LiveInstance {
	return &LiveInstance{Record: r}
}

// InstanceName returns the instance identifier.
func (li *LiveInstance) InstanceName() string { return li.ID }

// SessionID returns the participant's current store session.
func (li *LiveInstance) SessionID() string { return li.GetSimpleField(FieldSessionID) }

// ControllerEpoch returns the controller generation that last acknowledged
// this instance, or -1 if never.
func (li *LiveInstance) ControllerEpoch() int64 {
	return li.GetInt64Field(FieldControllerEpoch, -1)
}

// SetControllerEpoch records the controller generation.
func (li *LiveInstance) SetControllerEpoch(epoch int64) {
	li.SetInt64Field(FieldControllerEpoch, epoch)
}
