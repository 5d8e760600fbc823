// Package archive stores received chat messages in PostgreSQL.
//
// Messages are queued without blocking the connection's event loop and written
// in batches by a background writer. The table is append-only; rows are keyed by
// a generated UUID so retried batches never duplicate.
package archive
