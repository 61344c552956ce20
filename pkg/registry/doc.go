// Package registry is the coordinator's worker registry (component E):
// it tracks every registered executor's heartbeat, decides liveness
// against WORKER_ACK_TIMEOUT, and ranks workers for least-loaded
// dispatch. Network sends happen outside the registry's lock so a slow
// or dead worker never stalls the registration/heartbeat path for
// everyone else.
package registry
