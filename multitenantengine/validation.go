package multitenantengine

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxTenantIDLength   = 64
	maxTenantNameLength = 200
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidateTenantID checks a tenant identifier: 1-64 characters, letters,
// digits, underscores and hyphens, starting with a letter or digit, and not
// a reserved word
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("tenant id cannot be empty")
	}
	if len(id) > maxTenantIDLength {
		return fmt.Errorf("tenant id length %d exceeds maximum of %d characters", len(id), maxTenantIDLength)
	}
	if !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("tenant id %q must match pattern %s", id, tenantIDPattern)
	}
	if isReservedID(id) {
		return fmt.Errorf("cannot use reserved word %q as tenant id", id)
	}
	return nil
}

// ValidateTenantName checks a display name: non-empty after trimming, no
// surrounding whitespace, at most 200 characters
func ValidateTenantName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("tenant name cannot be empty")
	}
	if trimmed != name {
		return fmt.Errorf("tenant name %q has leading or trailing whitespace", name)
	}
	if len(name) > maxTenantNameLength {
		return fmt.Errorf("tenant name length %d exceeds maximum of %d characters", len(name), maxTenantNameLength)
	}
	return nil
}

// Route segments and names that would be ambiguous as tenant ids
func isReservedID(id string) bool {
	reserved := map[string]bool{
		"api":      true,
		"health":   true,
		"metrics":  true,
		"tenants":  true,
		"rules":    true,
		"evaluate": true,
		"validate": true,
		"preview":  true,
		"null":     true,
		"default":  true,
	}
	return reserved[strings.ToLower(id)]
}
