package logging

import (
	"net/url"
	"regexp"
	"strings"
)

// Header and query names whose values never reach the logs.
var sensitiveFields = []string{
	"token",
	"secret",
	"password",
	"authorization",
	"cookie",
	"session",
	"api_key",
	"apikey",
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`(?i)\b(token|secret|password|session|api_key)=([^&\s"']+)`),
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces credentials embedded in free text.
func Redact(s string) string {
	s = secretPatterns[0].ReplaceAllString(s, RedactedValue)
	return secretPatterns[1].ReplaceAllString(s, "${1}="+RedactedValue)
}

// RedactURL strips userinfo and sensitive query values from a URL.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return Redact(raw)
	}
	if u.User != nil {
		u.User = url.User(RedactedValue)
	}
	q := u.Query()
	changed := false
	for key := range q {
		if IsSensitiveField(key) {
			q.Set(key, RedactedValue)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactHeaders returns a copy of headers safe to log.
func RedactHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if IsSensitiveField(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = Redact(strings.Join(v, ","))
	}
	return out
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}
