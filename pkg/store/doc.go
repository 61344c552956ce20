// Package store is the metadata store gateway (component A): typed
// reads and writes for the factor, version, linkage, update-log and
// finished-task tables, plus every linkage's result rows. Result rows of
// all linkages share one result_rows table keyed by linkage_id; no
// per-linkage table is created. Concrete access goes through
// database/sql; the default driver
// is modernc.org/sqlite (pure Go, no cgo), with github.com/lib/pq
// selected when the DSN names a postgres:// scheme.
package store
