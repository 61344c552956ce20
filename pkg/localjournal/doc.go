// Package localjournal is a bbolt-backed durable local store. The
// executor uses it as the per-process-pool task-group journal that
// survives a pool crash/restart. It also holds a finished_tasks bucket
// (PutFinishedTask/GetFinishedTask); the coordinator does not open a
// journal, so nothing in this repository reads or writes that bucket
// outside the package's own tests.
package localjournal
