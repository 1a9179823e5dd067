// Package stores provides the durable record store of unitctl.
// It keeps runs, per-unit execution results, full audit records and state
// backup records in SQLite (WAL mode), with schema managed by embedded
// migrations.
package stores
