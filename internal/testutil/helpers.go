// Package testutil provides shared test helpers for the deploy-notifier project.
// Import this in test files to avoid duplicating fixture loading and Deployment builders.
package testutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"
)

// LoadDeployment reads a YAML manifest and returns it as a Deployment.
// Fails the test immediately if the file can't be read or parsed.
func LoadDeployment(t *testing.T, path string) *appsv1.Deployment {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read fixture %s", path)
	d := &appsv1.Deployment{}
	require.NoError(t, yaml.Unmarshal(data, d), "failed to parse fixture %s", path)
	return d
}

// MakeDeployment creates a Deployment with the given replica counts and one
// container per image. observed < 0 leaves status.replicas unset.
func MakeDeployment(ns, name string, desired, observed int32, images ...string) *appsv1.Deployment {
	containers := make([]corev1.Container, 0, len(images))
	for i, image := range images {
		containers = append(containers, corev1.Container{
			Name:  containerName(name, i),
			Image: image,
		})
	}
	d := &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(desired),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: containers},
			},
		},
	}
	if observed >= 0 {
		d.Status.Replicas = observed
		d.Status.ObservedGeneration = 1
	}
	return d
}

// WithTeam sets the team label and returns the same Deployment for chaining.
func WithTeam(d *appsv1.Deployment, key, team string) *appsv1.Deployment {
	if d.Labels == nil {
		d.Labels = map[string]string{}
	}
	d.Labels[key] = team
	return d
}

// WithResourceVersion sets metadata.resourceVersion and returns the same Deployment.
func WithResourceVersion(d *appsv1.Deployment, rv string) *appsv1.Deployment {
	d.ResourceVersion = rv
	return d
}

func containerName(base string, i int) string {
	if i == 0 {
		return base
	}
	return base + "-" + string(rune('a'+i))
}
