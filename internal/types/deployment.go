// Package types holds the deployment data model shared by the filter, store
// and watch session.
package types

import (
	"slices"
	"time"

	"k8s.io/apimachinery/pkg/watch"
)

// ChangeType is the kind of change recorded for a deployment.
type ChangeType string

const (
	ChangeCreated  ChangeType = "CREATED"
	ChangeModified ChangeType = "MODIFIED"
	ChangeDeleted  ChangeType = "DELETED"
)

// Valid reports whether c is one of the known change types.
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeCreated, ChangeModified, ChangeDeleted:
		return true
	default:
		return false
	}
}

// ChangeTypeFromWatch maps a watch event type to a ChangeType.
// Bookmark and Error events have no ChangeType and return false.
func ChangeTypeFromWatch(t watch.EventType) (ChangeType, bool) {
	switch t {
	case watch.Added:
		return ChangeCreated, true
	case watch.Modified:
		return ChangeModified, true
	case watch.Deleted:
		return ChangeDeleted, true
	default:
		return "", false
	}
}

// DeploymentKey identifies a deployment within the watched cluster.
type DeploymentKey struct {
	Namespace string
	Name      string
}

// String returns "namespace/name".
func (k DeploymentKey) String() string {
	return k.Namespace + "/" + k.Name
}

// DeploymentSnapshot is the part of a Deployment that identifies a rollout.
// Status, timestamps, resourceVersion and other volatile metadata are never
// part of a snapshot, so two snapshots of an unchanged rollout compare equal.
type DeploymentSnapshot struct {
	// DesiredReplicas is spec.replicas.
	DesiredReplicas *int32 `json:"desiredReplicas,omitempty"`
	// ObservedReplicas is status.replicas. Nil while the controller has not reported.
	ObservedReplicas *int32 `json:"observedReplicas,omitempty"`
	// Images holds one entry per pod template container, in template order.
	Images []string `json:"images,omitempty"`
	// Team is the value of the ownership label, empty when the label is absent.
	Team string `json:"team,omitempty"`
}

// Stable reports whether the rollout has settled: both replica counts are
// known and equal.
func (s DeploymentSnapshot) Stable() bool {
	if s.DesiredReplicas == nil || s.ObservedReplicas == nil {
		return false
	}
	return *s.DesiredReplicas == *s.ObservedReplicas
}

// Equal compares two snapshots by value.
func (s DeploymentSnapshot) Equal(o DeploymentSnapshot) bool {
	return int32PtrEqual(s.DesiredReplicas, o.DesiredReplicas) &&
		int32PtrEqual(s.ObservedReplicas, o.ObservedReplicas) &&
		slices.Equal(s.Images, o.Images) &&
		s.Team == o.Team
}

func int32PtrEqual(a, b *int32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// EventRecord is the last change emitted for a deployment.
type EventRecord struct {
	ChangeType ChangeType         `json:"changeType"`
	Snapshot   DeploymentSnapshot `json:"snapshot"`
	// ObservedAt is when the change was accepted. Only the time-window
	// strategy reads it; it is not part of record identity.
	ObservedAt time.Time `json:"observedAt,omitzero"`
}

// SameTransition reports whether r and o describe the same change of the same state.
func (r EventRecord) SameTransition(o EventRecord) bool {
	return r.ChangeType == o.ChangeType && r.Snapshot.Equal(o.Snapshot)
}

// EventTable maps deployment name to its last emitted EventRecord within one namespace.
type EventTable map[string]EventRecord

// Clone returns a shallow copy of the table. Records are values, so the copy
// can be mutated without affecting t.
func (t EventTable) Clone() EventTable {
	out := make(EventTable, len(t))
	for name, rec := range t {
		out[name] = rec
	}
	return out
}

// Equal reports whether both tables hold the same transitions and observation times.
func (t EventTable) Equal(o EventTable) bool {
	if len(t) != len(o) {
		return false
	}
	for name, rec := range t {
		other, ok := o[name]
		if !ok || !rec.SameTransition(other) || !rec.ObservedAt.Equal(other.ObservedAt) {
			return false
		}
	}
	return true
}
