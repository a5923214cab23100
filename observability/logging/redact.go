package logging

import (
	"log/slog"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// RedactedValue replaces masked values in log output.
const RedactedValue = "[REDACTED]"

// Keys that are safe to log verbatim.
var allowlist = mapset.NewSet(
	"service", "env", "message", "severity", "timestamp",
	"error", "reason", "component",
	"node_id", "ring", "tier", "region", "role", "state", "mode",
)

// Key suffixes that always carry a network location.
var locationSuffixes = []string{"_address", "_addr", "_ip", "_url"}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsAllowlisted reports whether key is logged without masking.
func IsAllowlisted(key string) bool {
	return allowlist.Contains(normalizeKey(key))
}

// RedactionAllowlist returns the allowlisted keys, sorted.
func RedactionAllowlist() []string {
	keys := allowlist.ToSlice()
	slices.Sort(keys)
	return keys
}

// MaskValue masks any non-blank value.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField masks value unless key is allowlisted.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// isLocationKey reports keys the handler masks even when a caller forgot to
// go through MaskField.
func isLocationKey(key string) bool {
	key = normalizeKey(key)
	if allowlist.Contains(key) {
		return false
	}
	for _, suffix := range locationSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}
