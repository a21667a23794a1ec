package credentials

import (
	"regexp"
	"strings"
)

var (
	// Absolute paths (unix and windows) carry usernames and machine layout.
	// Anchored so URL path segments (preceded by a hostname) are left alone.
	pathPattern = regexp.MustCompile(`(^|[\s"'(=])((?:[A-Za-z]:\\|/)[^\s"',;]+)`)
	// SAS tokens and signatures embedded in URLs or error bodies.
	sigPattern = regexp.MustCompile(`(?i)(sig|sv|se|sp|spr|srt|ss)=[^&\s"']+`)
	// Key-value shapes like "AccountKey=...;" found in connection strings.
	accountKeyPattern = regexp.MustCompile(`(?i)accountkey=[^;\s"']+`)
)

// Redact strips secret material from diagnostic text before it is logged or
// shown to the user: the provided secret values, signature query parameters,
// connection-string keys, and absolute file paths.
func Redact(message string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		message = strings.ReplaceAll(message, secret, "[redacted]")
	}
	message = accountKeyPattern.ReplaceAllString(message, "AccountKey=[redacted]")
	message = sigPattern.ReplaceAllString(message, "$1=[redacted]")
	message = pathPattern.ReplaceAllString(message, "${1}[path]")
	return message
}
