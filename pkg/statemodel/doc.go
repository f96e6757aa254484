/*
Package statemodel defines replica state machines and the participant
handler contract.

A Def is the declarative state model: states in priority order, per-state
upper bounds (fixed counts or the R/N tokens), an initial state, and a
prioritized transition table. The controller consults Defs to validate
and order transitions; it never interprets state semantics beyond them.

A StateModel is the participant-side handler instance carrying the user
transition functions for one partition; a Factory mints them per
(resource, partition).
*/
package statemodel
