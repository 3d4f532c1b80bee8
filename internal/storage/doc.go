// Package storage keeps the registration ledger: one Record per attempt to
// register a deployment, readable newest first.
//
// Drivers:
//   - "file": append-only JSON Lines
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// An empty driver or "none" disables the ledger.
package storage
