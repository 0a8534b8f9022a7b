package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive attribute values.
const RedactedValue = "[REDACTED]"

// sensitiveFragments mark attribute keys whose values never reach a log sink.
var sensitiveFragments = []string{
	"passphrase",
	"password",
	"secret",
	"private",
	"keystore",
	"authorization",
	"signature",
}

// IsSensitive reports whether values logged under key must be hidden.
func IsSensitive(key string) bool {
	lowered := strings.ToLower(strings.TrimSpace(key))
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lowered, fragment) {
			return true
		}
	}
	return false
}

// MaskField returns an attribute that hides value when key is sensitive.
// Empty values pass through so a missing setting stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

func redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && attr.Value.String() == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
