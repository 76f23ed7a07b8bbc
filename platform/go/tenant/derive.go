package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// NormalizeID lowercases a tenant id and requires a kebab-case slug, e.g. "green-acres".
func NormalizeID(input string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	if trimmed == "" {
		return "", errors.New("tenant id is required")
	}
	if !tenantIDPattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid tenant id %q", input)
	}
	return trimmed, nil
}

// ToSnake converts a kebab-case slug into snake_case for schema names.
func ToSnake(slug string) string {
	return strings.ReplaceAll(strings.ToLower(slug), "-", "_")
}

// BuildSchemaName returns the PostgreSQL schema holding a component's tables.
// Format: <envKey>__<component>; the double underscore keeps the env prefix
// visually separated and avoids collisions across shared databases.
func BuildSchemaName(envKey, component string) string {
	return ToSnake(strings.TrimSpace(envKey)) + "__" + ToSnake(component)
}
