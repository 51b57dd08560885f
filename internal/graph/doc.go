// Package graph builds the static execution structure of a reactor
// program: the instantiation tree flattened into arenas of reactor,
// port, trigger, and reaction records addressed by integer handles,
// plus the dependency metadata the scheduler consumes (topological
// levels, chain ids, and effective-deadline indexes).
//
// Build is a single pass producing an immutable Assembly; nothing in
// this package is mutated after Build returns. A cyclic reaction
// dependency is a fatal build error carrying the cycle members; it can
// never reach the scheduler.
//
// Key invariants established here:
//   - level(r) > level(r') for every dependency edge r' -> r
//   - two reactions connected by a dependency path have overlapping
//     chain ids (shared bits), so the dispatcher's blocking rule sees
//     every true ordering constraint
//   - consecutive reactions of one reactor instance are ordered by an
//     implicit edge, making declaration order authoritative
package graph
