package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies messages on participant queues.
type MessageType string

const (
	MessageStateTransition MessageType = "STATE_TRANSITION"
	MessageTaskReply       MessageType = "TASK_REPLY"
	MessageCancellation    MessageType = "CANCELLATION"
	MessageNoOp            MessageType = "NO_OP"
	MessageShutdown        MessageType = "SHUTDOWN"
)

// Message field names.
const (
	FieldMsgType               = "MSG_TYPE"
	FieldMsgSubType            = "MSG_SUBTYPE"
	FieldSrcName               = "SRC_NAME"
	FieldTgtName               = "TGT_NAME"
	FieldTgtSessionID          = "TGT_SESSION_ID"
	FieldResourceName          = "RESOURCE_NAME"
	FieldPartitionName         = "PARTITION_NAME"
	FieldMsgStateModelDef      = "STATE_MODEL_DEF"
	FieldFromState             = "FROM_STATE"
	FieldToState               = "TO_STATE"
	FieldCreateTimestamp       = "CREATE_TIMESTAMP"
	FieldExecuteStartTimestamp = "EXECUTE_START_TIMESTAMP"
	FieldRetryCount            = "RETRY_COUNT"
	FieldTimeout               = "TIMEOUT"
	FieldRelayMsgID            = "RELAY_MSG_ID"
)

// Message is one unit on a participant's inbound queue. State-transition
// messages carry the (from, to) edge; cancellation messages reference the
// message they supersede via RELAY_MSG_ID.
type Message struct {
	*Record
}

// NewMessage creates a message of the given type with a fresh id.
func NewMessage(msgType MessageType) *Message {
	m := &Message{Record: NewRecord(uuid.New().String())}
	m.SetSimpleField(FieldMsgType, string(msgType))
	m.SetInt64Field(FieldCreateTimestamp, time.Now().UnixMilli())
	return m
}

// MessageFromRecord wraps an existing record.
func MessageFromRecord(r *Record) *Message {
	return &Message{Record: r}
}

// MsgID returns the message identifier.
func (m *Message) MsgID() string { return m.ID }

// Type returns the message type.
func (m *Message) Type() MessageType { return MessageType(m.GetSimpleField(FieldMsgType)) }

// SrcName returns the sender, normally the controller name.
func (m *Message) SrcName() string { return m.GetSimpleField(FieldSrcName) }

// SetSrcName sets the sender.
func (m *Message) SetSrcName(n string) { m.SetSimpleField(FieldSrcName, n) }

// TgtName returns the target instance.
func (m *Message) TgtName() string { return m.GetSimpleField(FieldTgtName) }

// SetTgtName sets the target instance.
func (m *Message) SetTgtName(n string) { m.SetSimpleField(FieldTgtName, n) }

// TgtSessionID returns the session the message is valid for.
func (m *Message) TgtSessionID() string { return m.GetSimpleField(FieldTgtSessionID) }

// SetTgtSessionID sets the expected session.
func (m *Message) SetTgtSessionID(s string) { m.SetSimpleField(FieldTgtSessionID, s) }

// ResourceName returns the resource the transition applies to.
func (m *Message) ResourceName() string { return m.GetSimpleField(FieldResourceName) }

// SetResourceName sets the resource.
func (m *Message) SetResourceName(r string) { m.SetSimpleField(FieldResourceName, r) }

// PartitionName returns the partition the transition applies to.
func (m *Message) PartitionName() string { return m.GetSimpleField(FieldPartitionName) }

// SetPartitionName sets the partition.
func (m *Message) SetPartitionName(p string) { m.SetSimpleField(FieldPartitionName, p) }

// StateModelDef returns the state model governing the transition.
func (m *Message) StateModelDef() string { return m.GetSimpleField(FieldMsgStateModelDef) }

// SetStateModelDef sets the state model name.
func (m *Message) SetStateModelDef(d string) { m.SetSimpleField(FieldMsgStateModelDef, d) }

// FromState returns the expected source state.
func (m *Message) FromState() string { return m.GetSimpleField(FieldFromState) }

// SetFromState sets the expected source state.
func (m *Message) SetFromState(s string) { m.SetSimpleField(FieldFromState, s) }

// ToState returns the target state.
func (m *Message) ToState() string { return m.GetSimpleField(FieldToState) }

// SetToState sets the target state.
func (m *Message) SetToState(s string) { m.SetSimpleField(FieldToState, s) }

// CreateTimestamp returns the creation time in Unix milliseconds.
func (m *Message) CreateTimestamp() int64 { return m.GetInt64Field(FieldCreateTimestamp, 0) }

// ExecuteStartTimestamp returns when the participant started executing
// the message, or 0 if not started.
func (m *Message) ExecuteStartTimestamp() int64 {
	return m.GetInt64Field(FieldExecuteStartTimestamp, 0)
}

// SetExecuteStartTimestamp records execution start.
func (m *Message) SetExecuteStartTimestamp(ts int64) {
	m.SetInt64Field(FieldExecuteStartTimestamp, ts)
}

// RetryCount returns how many times the transition may be retried.
func (m *Message) RetryCount() int { return m.GetIntField(FieldRetryCount, 0) }

// SetRetryCount sets the retry budget.
func (m *Message) SetRetryCount(n int) { m.SetIntField(FieldRetryCount, n) }

// Timeout returns the handler timeout, or 0 for none.
func (m *Message) Timeout() time.Duration {
	ms := m.GetInt64Field(FieldTimeout, -1)
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// SetTimeout sets the handler timeout.
func (m *Message) SetTimeout(d time.Duration) {
	m.SetInt64Field(FieldTimeout, d.Milliseconds())
}

// RelayMsgID returns the id of the message a cancellation supersedes.
func (m *Message) RelayMsgID() string { return m.GetSimpleField(FieldRelayMsgID) }

// SetRelayMsgID records the superseded message id.
func (m *Message) SetRelayMsgID(id string) { m.SetSimpleField(FieldRelayMsgID, id) }
