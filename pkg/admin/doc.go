/*
Package admin is the operator surface: cluster creation, instance and
resource membership, state model registration, and cluster config
updates. Every mutation goes through the same optimistic store paths the
controller uses, so admin changes surface as watch events and trigger a
pipeline run.
*/
package admin
