package logging

import (
	"regexp"
)

const (
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Pattern to match bearer tokens (JWT or opaque) in headers and messages
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9-_.~+/]+=*`)

	// Pattern to match OAuth token fields in serialized payloads
	tokenFieldPattern = regexp.MustCompile(`(?i)"(access_token|refresh_token|id_token|client_secret|api_key)"\s*:\s*"[^"]*"`)

	// Pattern to match potential API keys in key=value form
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret|token)=[A-Za-z0-9-_]{16,}`)
)

// SanitizeError sanitizes error messages that might contain sensitive data.
// Use this before logging any error from vault or provider operations.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

// Sanitize removes bearer tokens, serialized token fields, and key=value
// secrets from a string destined for logs or audit rows.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}

	sanitized := bearerPattern.ReplaceAllString(s, "Bearer "+RedactedText)
	sanitized = tokenFieldPattern.ReplaceAllString(sanitized, `"${1}":"`+RedactedText+`"`)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)

	return sanitized
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
