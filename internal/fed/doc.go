// Package fed coordinates logical time across a federation: several
// engine instances, each running its own program, exchanging typed
// messages over a central relay.
//
// The relay (Relay) is the single arbiter and forwarding hub. Every
// federate holds exactly one TCP connection to it; tagged messages,
// port-absent notices, time grants, stop negotiation, and clock
// synchronization all ride that link. Federates never connect to each
// other.
//
// Federate implements the engine's Coordinator interface. Under
// centralized coordination a federate enters a tag only after the
// relay grants it, computed from every upstream federate's transitive
// next event with connection delays applied. Under decentralized
// coordination the relay still forwards traffic but federates advance
// on per-link safe-to-process offsets; a message arriving behind its
// intended tag surfaces as tardiness in the receiving reaction.
//
// Topology comes from a YAML file shared by the relay and every
// federate: the same file yields the same federate numbering and the
// same wire channel numbering on both ends of every link.
package fed
