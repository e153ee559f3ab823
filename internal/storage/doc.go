// Package storage persists linked accounts and claim run history.
//
// Drivers:
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "postgres": pgx connection pool
//
// Claim stat updates are serialized per account inside the process and
// applied with a single atomic UPDATE.
package storage
