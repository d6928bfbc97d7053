package logging

import (
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"peer_id":   {},
	"protocol":  {},
	"method":    {},
	"topic":     {},
}

var maskingEnabled atomic.Bool

// SetMasking toggles redaction of non-allowlisted fields such as peer network
// addresses. Masking is off by default.
func SetMasking(enabled bool) {
	maskingEnabled.Store(enabled)
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to be emitted
// without redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns a slog.Attr that redacts the supplied value when masking is
// enabled and the key is not allowlisted.
func MaskField(key, value string) slog.Attr {
	if !maskingEnabled.Load() || strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
