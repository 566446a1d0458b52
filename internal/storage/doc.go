// Package storage persists which items each subscriber watches.
//
// Drivers:
//   - memory: process-local maps, lost on restart
//   - file:   JSON snapshot + JSONL journal, compacted periodically
//   - sqlite: SQLite database file (modernc.org/sqlite, pure Go)
//   - badger: Badger key-value directory
//
// Every driver implements Store. Upsert is idempotent and list results are sorted.
package storage
