/*
Package store adapts the external hierarchical coordination store behind a
typed, versioned KV interface.

A Store hands out session-bound Conns; ephemeral nodes die with their
session, which is how live instances and the controller leader node work.
The Accessor adds the semantics the rest of the system depends on: parent
auto-creation with rollback, optimistic read-modify-write with bounded
retry, and batched async operations awaited collectively.

Two implementations ship in-tree: MemoryStore for tests and single-process
clusters, and BoltStore for durable single-node deployments. Production
multi-node clusters plug in an implementation backed by a real
coordination service.
*/
package store
