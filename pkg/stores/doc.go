// Package stores persists instruments and the audit trail of the control plane.
//
// Three implementations share the Store interface: an in-memory store for
// tests and single-process use, SQLite (modernc.org/sqlite with embedded
// golang-migrate migrations) and Redis.
package stores
