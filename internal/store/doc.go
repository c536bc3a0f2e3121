// Package store persists each namespace's EventTable outside the process so
// a restarted notifier does not re-announce transitions it already reported.
//
// # Contract
//
// Persistence is advisory. Get never fails: a missing, unreachable or
// unreadable table yields an empty EventTable and a log line. Put reports
// errors to the caller, which logs them and carries on with its in-memory
// table.
//
// Tables are stored under Key(owner, watched), where owner is the namespace
// the notifier itself runs in, so several installations can share one
// backend without colliding.
//
// # Backends
//
//   - HTTPStore: GET/PUT of the encoded table at <endpoint>/<key> with basic auth
//   - RedisStore: GET/SET of the encoded table at <key>
//   - Disabled: no persistence; Get returns empty, Put does nothing
//
// # Encoding
//
// Tables are encoded as a versioned JSON document (see Encode). Documents
// with an unknown schemaVersion are rejected rather than guessed at.
package store
