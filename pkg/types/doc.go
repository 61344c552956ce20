/*
Package types defines the data model shared by the coordinator and every
executor: factors and their versions, stock linkages, day result frames,
update-log brackets, stock views, and the in-memory task/task-group
representation the scheduling subsystem operates on.

Types here are plain structs serialized as JSON for storage and wire
transport; synchronization is the caller's responsibility.
*/
package types
