package filter

import (
	"fmt"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"

	"github.com/DBCDK/deploy-notifier/internal/types"
	"github.com/DBCDK/deploy-notifier/internal/util"
)

// DefaultTeamLabel is the label read for the "Team:" line of a message.
const DefaultTeamLabel = "team"

// Verdict is the outcome of evaluating one event.
type Verdict string

const (
	VerdictEmit      Verdict = "emitted"
	VerdictUnstable  Verdict = "unstable"
	VerdictDuplicate Verdict = "duplicate"
)

// Options configures a Filter.
type Options struct {
	Strategy  Strategy
	TeamLabel string
}

// DefaultOptions returns content-equality deduplication and the "team" label.
func DefaultOptions() Options {
	return Options{
		Strategy:  ContentEquality{},
		TeamLabel: DefaultTeamLabel,
	}
}

// Decision is the result of Evaluate. Record and Message are only set when
// Verdict is VerdictEmit.
type Decision struct {
	Verdict Verdict
	Key     types.DeploymentKey
	Record  types.EventRecord
	Message string
}

// Filter applies the stability gate and a deduplication Strategy.
type Filter struct {
	strategy  Strategy
	teamLabel string
}

// New creates a Filter. A nil Strategy falls back to ContentEquality. An
// empty TeamLabel leaves the team line out of messages.
func New(opts Options) *Filter {
	if opts.Strategy == nil {
		opts.Strategy = ContentEquality{}
	}
	return &Filter{
		strategy:  opts.Strategy,
		teamLabel: opts.TeamLabel,
	}
}

// StrategyName returns the name of the configured Strategy.
func (f *Filter) StrategyName() string {
	return f.strategy.Name()
}

// Evaluate decides whether the change to d is a new transition. The table is
// only read; the caller stores Decision.Record when the verdict is VerdictEmit.
func (f *Filter) Evaluate(table types.EventTable, namespace string, ct types.ChangeType, d *appsv1.Deployment, now time.Time) Decision {
	key := types.DeploymentKey{Namespace: namespace, Name: d.Name}

	snapshot := f.Canonicalize(d)
	if !snapshot.Stable() {
		return Decision{Verdict: VerdictUnstable, Key: key}
	}

	next := types.EventRecord{
		ChangeType: ct,
		Snapshot:   snapshot,
		ObservedAt: now,
	}
	if prev, exists := table[d.Name]; exists && f.strategy.IsDuplicate(prev, next) {
		return Decision{Verdict: VerdictDuplicate, Key: key}
	}

	return Decision{
		Verdict: VerdictEmit,
		Key:     key,
		Record:  next,
		Message: RenderMessage(key, ct, snapshot),
	}
}

// Canonicalize strips a Deployment down to the fields that identify a
// rollout. An unset spec.replicas is treated as 1, the API server default.
// status.replicas is unknown until the deployment controller has observed
// the object at least once.
func (f *Filter) Canonicalize(d *appsv1.Deployment) types.DeploymentSnapshot {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}

	var observed *int32
	if d.Status.ObservedGeneration > 0 || d.Status.Replicas > 0 {
		v := d.Status.Replicas
		observed = &v
	}

	var images []string
	for _, c := range d.Spec.Template.Spec.Containers {
		images = append(images, c.Image)
	}

	return types.DeploymentSnapshot{
		DesiredReplicas:  &desired,
		ObservedReplicas: observed,
		Images:           images,
		Team:             util.LabelValue(d.Labels, f.teamLabel),
	}
}

// RenderMessage formats the notification text for a transition.
func RenderMessage(key types.DeploymentKey, ct types.ChangeType, s types.DeploymentSnapshot) string {
	var b strings.Builder
	if ct == types.ChangeDeleted {
		fmt.Fprintf(&b, "%s deleted from %s", key.Name, key.Namespace)
	} else {
		image := "<none>"
		if len(s.Images) > 0 {
			image = strings.Join(s.Images, ", ")
		}
		fmt.Fprintf(&b, "%s deployed to %s\nImage: %s", key.Name, key.Namespace, image)
	}
	if s.Team != "" {
		fmt.Fprintf(&b, "\nTeam: %s", s.Team)
	}
	return b.String()
}
