// Package watcher runs the watch loop for one namespace.
//
// # Contract
//
// A Session:
//  1. Loads the namespace's EventTable from the state store (empty on any failure)
//  2. Lists Deployments to obtain a starting resourceVersion
//  3. Watches Deployments from that resourceVersion, one event at a time, in
//     delivery order
//  4. For each event accepted by the change filter: records it in the table,
//     persists the table (best effort), then sends the message
//
// # Recovery
//
// A watch closed by the API server is reopened from the last seen
// resourceVersion. An expired resourceVersion (HTTP 410) triggers a fresh
// list and a new watch. Everything else ends the session: list and watch
// errors, notification failures and cancellation.
//
// # Ownership
//
// The EventTable belongs to the Session for its whole life. Nothing else
// reads or writes it, so the Session takes no locks.
package watcher
