/*
Package throttle bounds concurrent state transitions.

Caps are configured per scope (cluster, resource, instance) and per
transition class (recovery, load balance, or any). An Engine is built per
pipeline run, charged with pending transitions first, and then consulted
for each candidate transition in deterministic order.
*/
package throttle
