// Package ir provides the canonical intermediate representation of a
// reactor program: classes, ports, actions, timers, reactions, child
// instantiations, and connections.
//
// This package contains type definitions and their canonical
// serialization only. All other internal packages import ir; ir imports
// nothing internal. This keeps IR the foundational layer with no
// circular dependencies.
//
// Key design constraints:
//   - NO float types anywhere - floats break cross-run determinism
//   - All logical times are int64 nanoseconds
//   - All JSON tags use snake_case
//   - Declaration order of reactions is semantically significant and
//     must survive every transformation
package ir
