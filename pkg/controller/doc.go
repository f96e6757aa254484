/*
Package controller runs the cluster management loop.

A controller claims leadership for one cluster through an ephemeral
store node, subscribes to every input the pipeline consumes, and runs
the pipeline whenever something changes. Triggers coalesce: one run is
active at a time and at most one follow-up queues behind it. The
controller also garbage-collects stale-session current states and
schedules re-runs at delayed-rebalance window expiries.
*/
package controller
