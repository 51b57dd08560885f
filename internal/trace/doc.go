// Package trace implements the binary execution log: a sequential,
// append-only record of everything the engine did, written live and
// never read back by the runtime itself. The offline tooling converts
// logs into SQLite for querying.
package trace
