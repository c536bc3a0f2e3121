// Package filter decides whether an observed Deployment change is a
// meaningful transition worth announcing.
//
// # Contract
//
// For every watch event the Filter:
//  1. Drops events observed mid-rollout (status.replicas != spec.replicas,
//     or status not yet reported by the deployment controller)
//  2. Reduces the Deployment to a canonical DeploymentSnapshot
//  3. Consults the namespace EventTable through a Strategy to suppress repeats
//  4. Returns the EventRecord to store and the message to send
//
// # Strategies
//
// ContentEquality (default) suppresses an event when both change type and
// snapshot equal the stored record, regardless of elapsed time.
// TimeWindow suppresses any event for a name seen less than Window ago; it
// needs no persisted snapshots and suits runs without a state store.
//
// The Filter never performs I/O and never mutates the table it is given.
package filter
