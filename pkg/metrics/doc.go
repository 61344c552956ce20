/*
Package metrics exposes Prometheus metrics for both the coordinator and
executor: task-manager and worker-registry gauges, control-API request
counters/histograms, and ingestor commit latency/row counts. Call
Handler to mount the scrape endpoint and use Timer to time an operation
before recording it to a histogram.
*/
package metrics
