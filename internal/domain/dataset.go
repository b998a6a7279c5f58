package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var datasetNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// SanitizeDatasetName normalizes a user-provided dataset name: lowercased,
// spaces and hyphens folded to underscores. Sanitizing an already-valid
// name returns it unchanged.
func SanitizeDatasetName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}

// ValidateDatasetName checks the sanitized name against the BigQuery
// identifier pattern (lowercase letters, digits, underscore only).
func ValidateDatasetName(name string) error {
	if !datasetNamePattern.MatchString(name) {
		return fmt.Errorf("dataset name %q must contain only lowercase letters, digits and underscores: %w", name, ErrInvalidName)
	}
	return nil
}

// ParseLabels parses delimited label text ("key:value" or "key=value"
// pairs separated by commas) into a map. Tokens without a separator are
// dropped, not fatal; an all-malformed input yields an empty map.
func ParseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		var key, value string
		if i := strings.Index(pair, ":"); i >= 0 {
			key, value = pair[:i], pair[i+1:]
		} else if i := strings.Index(pair, "="); i >= 0 {
			key, value = pair[:i], pair[i+1:]
		} else {
			continue
		}

		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		labels[key] = strings.TrimSpace(value)
	}
	return labels
}
