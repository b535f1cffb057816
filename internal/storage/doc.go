// Package storage persists jobs, execution attempts and prompts.
//
// Drivers:
//   - "sqlite": single database file (modernc.org/sqlite, WAL)
//   - "file": JSON snapshot + journal, no database
//   - "none": in-memory, lost on exit
//
// Writes are called by the scheduler after its locks are released. A failed
// write never rolls back in-memory state.
package storage
