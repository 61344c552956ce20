// Package protocol implements the coordinator/executor wire format
// (component H): form-encoded requests gated by a HEADER field
// (WORKER, COMMAND, CALLBACK), a fixed-prefix response envelope, the
// pipe-separated heartbeat task list, and the day-frame JSON codec
// shared by both the control API and the executor HTTP surface.
package protocol
