// Package storage persists invocation records.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite database file
//   - "file": append-only JSON Lines file
//
// An empty driver or "none" disables storage.
package storage
