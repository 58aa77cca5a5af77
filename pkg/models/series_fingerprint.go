package models

import (
	"sort"
	"strings"
)

// CanonicalLabels renders labels as "k1=v1,k2=v2,..." with keys sorted, so the
// same label set always produces the same string regardless of map order.
func CanonicalLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "constant"
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for i, key := range keys {
		if i > 0 {
			builder.WriteString(",")
		}
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(labels[key])
	}

	return builder.String()
}
