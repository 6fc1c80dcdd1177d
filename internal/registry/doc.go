// Package registry maintains the authoritative device registration
// state for the transport server.
//
// A Registration record tracks one endpoint's management-plane
// lifecycle (state, lifetime, resource objects) together with its
// telemetry sequencing state (bdSeq, last accepted seq, desync flag).
// Records persist to SQLite through a Repository and are mirrored in an
// in-memory cache; reads return deep copies so callers can never mutate
// cached state.
//
// Mutations are serialized per endpoint: concurrent frames for
// different endpoints proceed in parallel, while frames for the same
// endpoint take that endpoint's lock. This preserves the sequence-gap
// invariant: between two births every accepted data frame must carry
// seq = (previous + 1) mod 256, and any gap marks the device desynced
// until a fresh birth is observed.
//
// The registry also keeps a latest-metric mirror per endpoint (fed from
// accepted telemetry, with alias resolution established at birth) and
// an append-only device event history with per-endpoint retention.
package registry
