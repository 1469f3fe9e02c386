// Package storage keeps an append-only journal of scheduler lifecycle events.
//
// It is a history, not durable scheduling: pending tasks are never persisted
// or restored.
//
// Drivers:
//   - "file": JSON Lines file (<prefix>.events.jsonl)
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
package storage
