/*
Package log provides structured logging for Helmsman using zerolog.

The package wraps zerolog behind a small global logger with component,
cluster, instance, and resource child-logger helpers. Controller stages
and participant executors log through component loggers so a single
cluster's output can be filtered by concern.
*/
package log
