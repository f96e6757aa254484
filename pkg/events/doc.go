/*
Package events provides the in-memory event broker connecting store
change notifications to the controller.

Store watches publish typed cluster-change events; the controller
subscribes and coalesces them into pipeline runs. Delivery is best-effort
per subscriber (full buffers drop), which is safe because every event
only ever means "refresh and recompute".
*/
package events
