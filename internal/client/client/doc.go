// Package client bootstraps the local SQLite store used by the device cache:
// it builds the DSN (WAL, busy timeout, immediate write transactions), opens
// the database and applies the embedded goose migrations.
//
// Concurrency
//
// The returned *sql.DB is safe for concurrent use. Readers do not block
// writers under WAL; concurrent writers wait up to BusyTimeoutMillis.
package client
