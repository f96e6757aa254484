/*
Package pipeline implements the controller's staged computation.

A run takes one immutable snapshot and walks it through resource
computation, current-state aggregation, best-possible placement,
throttled intermediate-state selection, message generation, dispatch,
and external-view publication. Runs are serialized by the controller;
stage failures abort the run and the next trigger starts over on a
fresh snapshot.
*/
package pipeline
