package logger

import (
	"log/slog"
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// SanitizedEmail masks an email address for logging (e.g., "u***@e***.com")
func SanitizedEmail(email string) string {
	username, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "[invalid-email]"
	}

	if len(username) > 1 {
		username = username[:1] + strings.Repeat("*", len(username)-1)
	}

	// Mask all but the TLD
	labels := strings.Split(domain, ".")
	for i := 0; i < len(labels)-1; i++ {
		labels[i] = strings.Repeat("*", len(labels[i]))
	}

	return username + "@" + strings.Join(labels, ".")
}

// RedactedAttr returns "[REDACTED]" in production and the real value elsewhere.
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, redacted)
	}
	return slog.String(key, value)
}

// sensitiveParams are matched as substrings of lowercased query keys.
var sensitiveParams = []string{
	"password", "token", "secret", "code", "email", "auth", "otp",
	"phone", "ssn", "reason",
}

func isSensitiveParam(key string) bool {
	k := strings.ToLower(key)
	for _, p := range sensitiveParams {
		if strings.Contains(k, p) {
			return true
		}
	}
	return false
}

// SanitizeQueryString reports whether a raw query string mentions a
// sensitive parameter.
func SanitizeQueryString(rawQuery string) bool {
	return isSensitiveParam(rawQuery)
}

// RedactQuery replaces the values of sensitive parameters. A query that
// cannot be parsed is redacted entirely.
func RedactQuery(rawQuery string) string {
	if rawQuery == "" || !SanitizeQueryString(rawQuery) {
		return rawQuery
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return redacted
	}
	for key := range values {
		if isSensitiveParam(key) {
			values[key] = []string{redacted}
		}
	}
	return values.Encode()
}
