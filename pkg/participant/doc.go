/*
Package participant implements the message-driven transition executor.

A participant registers itself as a live instance under an ephemeral
store node, watches its inbound message queue, and runs user-supplied
state-model handlers through a keyed dispatcher: transitions for one
(resource, partition) are strictly serialized while distinct replicas
run in parallel up to the pool size. Completed transitions publish the
new state to the participant's session-scoped current state; failures
and timeouts mark the replica ERROR.
*/
package participant
