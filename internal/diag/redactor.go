package diag

import (
	"regexp"
)

// Redactor handles sensitive data redaction from text
type Redactor struct {
	patterns []redactionPattern
}

type redactionPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// NewRedactor covers environment overrides, key/value credentials in YAML
// and JSON log lines, Authorization headers and URL user info. Keys naming a
// stored secret (token_secret, password_secret) are kept.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []redactionPattern{
			{
				regex:       regexp.MustCompile(`\b((?:export\s+)?[A-Z_]*(?:TOKEN|PASSWORD|PASSPHRASE)[A-Z_]*)\s*=\s*["']?([^"'\s]+)["']?`),
				replacement: `$1=[REDACTED]`,
			},
			{
				regex:       regexp.MustCompile(`(?i)(^|[\s{,])("?(?:token|password|passphrase|api[_-]?key)"?)\s*[:=]\s*"?([^"\s,}]+)"?`),
				replacement: `$1$2: [REDACTED]`,
			},
			{
				regex:       regexp.MustCompile(`(?i)(Authorization:\s*(?:Bearer|Basic|Token))\s+\S+`),
				replacement: `$1 [REDACTED]`,
			},
			{
				regex:       regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://[^:/@\s]+):([^@\s]+)@`),
				replacement: `$1:[REDACTED]@`,
			},
		},
	}
}

// Redact applies all redaction patterns to the input text
func (r *Redactor) Redact(input string) string {
	result := input
	for _, pattern := range r.patterns {
		result = pattern.regex.ReplaceAllString(result, pattern.replacement)
	}
	return result
}
