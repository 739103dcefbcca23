// Package fleet tracks the machines known to the relay and their lifecycle
// state.
//
// # Registry
//
// Registry is the single authority for machine records. All mutations go
// through it:
//
//   - Register: create or refresh a record (resets status to registered)
//   - MarkConnected / MarkDisconnected: connectivity transitions, driven by
//     the tunnel layer; unknown ids are tolerated
//   - Remove: hard delete
//
// Reads (Get, List, Summary) return deep copies so callers can never mutate
// registry state through a returned record.
//
// # Persistence
//
// The registry holds everything in memory and hands the full snapshot to a
// Store after every mutation. Mutations are bounded by control-plane events
// (registration, connect, disconnect, removal), so durability-on-write is
// cheap. A failed write is logged and the in-memory state stays
// authoritative; persistence problems never affect routing.
//
// Two Store implementations exist:
//
//   - FileStore: one JSON document, written via temp file + rename
//   - SQLiteStore: modernc.org/sqlite, table rewritten per save in one
//     transaction
//
// Both rewrite the complete snapshot; neither is an append log.
package fleet
