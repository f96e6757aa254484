/*
Package metrics provides Prometheus metrics and health endpoints for Helmsman.

All metrics register against the default registry at package init and are
served through Handler. Controller-side metrics cover pipeline runs, message
dispatch, and throttling; participant-side metrics cover handler invocations
and durations. The health checker aggregates component self-reports into
/health, /ready, and /live handlers; readiness gates on the store connection.
*/
package metrics
