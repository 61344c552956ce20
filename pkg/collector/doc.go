// Package collector runs the coordinator's periodic background sweep,
// ported from the teacher's pkg/metrics/collector.go poll-the-manager
// loop. It lives outside pkg/metrics because it depends on registry,
// which already depends on pkg/metrics for its instrumentation.
package collector
