package util

import (
	"k8s.io/apimachinery/pkg/labels"
)

// ParseSelector parses a label selector expression ("app=api,tier!=batch").
// An empty expression selects everything.
func ParseSelector(expr string) (labels.Selector, error) {
	if expr == "" {
		return labels.Everything(), nil
	}
	return labels.Parse(expr)
}

// LabelValue returns the value stored under key, or "" when the label is
// absent or the map is nil.
func LabelValue(lbls map[string]string, key string) string {
	if key == "" {
		return ""
	}
	return lbls[key]
}
