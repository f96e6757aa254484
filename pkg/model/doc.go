/*
Package model defines the persistent data model shared by the controller
and participants.

Every entity stored in the coordination store is a Record: a versioned
document with scalar, list, and map fields. Typed wrappers (ClusterConfig,
InstanceConfig, LiveInstance, IdealState, CurrentState, Message,
ExternalView) give field-level accessors over the raw record without
copying it, so a wrapper and its record always agree.

Ownership of entities is split by writer:

  - admin writes configs and ideal states
  - participants write live instances and current states under their session
  - the controller writes messages, requested states, and external views
*/
package model
