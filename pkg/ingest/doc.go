// Package ingest is the result/tick ingestor (component B): it
// validates a worker-submitted day frame against the store's
// expectations before committing it, so a malformed or partial upload
// can never corrupt a linkage's result table or a stock's tick table.
package ingest
