// Package engine executes an assembled reactor program under logical
// time. It owns the event queue, the token arena, the per-tag reaction
// dispatcher, and the worker pool.
//
// The central invariant is determinism: given the same program and the
// same input event timeline, two runs produce identical output event
// timelines regardless of worker count or physical scheduling jitter.
// Everything here serves that invariant:
//
//   - logical time advances in discrete tags (time, microstep) that
//     strictly increase over the life of a run
//   - reactions execute in an order fully determined by their level,
//     chain id, and declaration order, never by which worker picks
//     them up
//   - a reactor's state is mutated only by its own reactions, which
//     the dispatcher serializes by construction, so there is no
//     cross-instance locking
//   - payload tokens are reference counted and reclaimed exactly once,
//     at the end of the tag that consumed them
//
// Federated execution plugs in through the Coordinator interface; the
// engine consults it before entering any new tag and notifies it when
// a tag completes. A nil Coordinator runs standalone.
package engine
