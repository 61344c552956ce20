// Package workerpool is the executor's process pool (component C): a
// fixed-size pool of goroutine workers that drain unit tasks from a
// task group, running each through a sandbox.Sandbox, and report
// progress, log lines and completion back to the caller by calling its
// Sink from the worker goroutines. stop_task_group and stop_task_groups both kill and restart
// the whole pool rather than trying to cancel one group in place —
// a unit's sandbox process has no cooperative cancellation hook, so
// the only reliable stop is to tear down and recreate the pool.
package workerpool
