package persistence

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var planIDPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// NormalizePlanID trims and lowercases a catalog key and checks it is a
// URL-safe slug, e.g. "pro-monthly".
func NormalizePlanID(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", errors.New("plan id is required")
	}

	normalized := strings.ToLower(trimmed)
	if !planIDPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid plan id %q: must match ^[a-z0-9]+(?:-[a-z0-9]+)*$", input)
	}

	return normalized, nil
}
