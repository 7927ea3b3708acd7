package model

import (
	"regexp"
	"strings"
)

// TenantNone is the sentinel used when a tenant is absent from error and log
// text. It is never stored on a message.
const TenantNone = "none"

var tenantFormat = regexp.MustCompile(`^[a-z0-9_-]{3,64}$`)

// NormalizeTenant canonicalizes a tenant identifier: trim, lowercase, empty
// becomes absent. Normalization is idempotent.
func NormalizeTenant(tenantID string) string {
	return strings.ToLower(strings.TrimSpace(tenantID))
}

// ValidTenant reports whether a normalized, non-empty tenant identifier
// matches the accepted format (3-64 chars of [a-z0-9_-]).
func ValidTenant(tenantID string) bool {
	return tenantFormat.MatchString(tenantID)
}

// SanitizeTenant normalizes and validates in one step. An empty input is
// valid and yields the absent tenant.
func SanitizeTenant(tenantID string) (string, bool) {
	normalized := NormalizeTenant(tenantID)
	if normalized == "" {
		return "", true
	}
	return normalized, ValidTenant(normalized)
}

// FormatTenant renders a tenant for error messages, substituting the "none"
// sentinel for absent tenants.
func FormatTenant(tenantID string) string {
	if tenantID == "" {
		return TenantNone
	}
	return tenantID
}
