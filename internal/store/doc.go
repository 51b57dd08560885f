// Package store provides SQLite-backed storage for execution traces.
//
// The binary trace log is sequential and append-only; the store exists
// for everything the log format cannot answer directly: filtered record
// listings, per-reaction summaries, and keeping several runs side by
// side. The runtime never reads or writes it.
//
// Layout:
//   - runs: one row per converted log (program, hash, start time)
//   - objects: the log's object table, keyed by handle arena
//   - records: the log's records, keyed by (run, seq)
//
// All ordering uses seq INTEGER (the log's append order), never
// timestamps, so query results are identical across conversions.
//
// Database configuration:
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
