/*
Package cache maintains the immutable cluster snapshot the pipeline runs
against.

Change notifications mark subtrees dirty; Refresh reloads only those,
reusing the rest of the previous snapshot, and publishes the result by
swap. A failed load marks the whole cache dirty and surfaces
ErrIncomplete so the pipeline aborts with no side effects.
*/
package cache
