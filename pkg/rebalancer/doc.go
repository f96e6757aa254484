/*
Package rebalancer computes best-possible partition assignments.

Each resource declares a rebalance mode on its ideal state. SEMI_AUTO
follows operator preference lists, FULL_AUTO places partitions
automatically with fault-zone awareness, CUSTOMIZED takes the ideal
state's maps verbatim, and USER_DEFINED dispatches to a registered
plugin. All modes ignore throttling; the pipeline's intermediate stage
applies it afterwards.
*/
package rebalancer
