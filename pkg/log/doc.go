/*
Package log provides structured logging for both the coordinator and
executor binaries, built on zerolog.

Call Init once at process start to configure level and output format,
then use the package-level helpers (Info, Warn, Error, ...) or build a
component-scoped child logger with WithComponent/WithWorkerID/WithTaskID.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	taskLog := log.WithComponent("taskmgr").With().Str("task_id", id).Logger()
	taskLog.Info().Msg("task started")
*/
package log
