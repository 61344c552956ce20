// Package taskmgr is the coordinator's task manager (component F): it
// owns the in-memory task state machine (ready/waiting/running),
// tracks the dependency DAG between tasks, and runs the scheduling loop
// that dispatches ready tasks to workers on a fixed cadence. The
// scheduling loop never holds the manager's lock across a network call
// — it snapshots the ready set under lock, releases the lock, then
// dispatches.
package taskmgr
