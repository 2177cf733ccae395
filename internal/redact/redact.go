// Package redact masks credentials in text before it leaves the process:
// audit log lines and the digest handed to an LLM provider.
package redact

import (
	"regexp"
)

// Placeholder replaces every redacted span.
const Placeholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	// PEM private key blocks, redacted whole.
	regexp.MustCompile(`(?s)-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY-----.*?(?:-----END (?:RSA |EC |DSA |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY-----|$)`),

	// AWS
	regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key|aws_session_token)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{20,}['"]?`),
	regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),

	// Model provider keys
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`),

	// GitHub
	regexp.MustCompile(`(?i)(github_token|gh_token|github_pat)\s*[=:]\s*['"]?[A-Za-z0-9_-]{30,}['"]?`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}\b`),

	// Generic assignments
	regexp.MustCompile(`(?i)(api_key|apikey|api-key|secret_key|secretkey|secret-key|access_token|auth_token|client_secret)\s*[=:]\s*['"]?[A-Za-z0-9_\-./+]{16,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|pwd|secret)\s*[=:]\s*['"]?[^\s'"]{8,}['"]?`),

	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.=]{20,}`),
	regexp.MustCompile(`https?://[^:/\s]+:[^@/\s]+@`),
	regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`),
	regexp.MustCompile(`[rs]k_live_[0-9a-zA-Z]{24,}`),
}

// Redact replaces every credential-shaped span in input.
func Redact(input string) string {
	out, _ := RedactCount(input)
	return out
}

// RedactCount is Redact plus the number of spans replaced.
func RedactCount(input string) (string, int) {
	result := input
	total := 0
	for _, pattern := range sensitivePatterns {
		matches := pattern.FindAllStringIndex(result, -1)
		if len(matches) == 0 {
			continue
		}
		total += len(matches)
		result = pattern.ReplaceAllString(result, Placeholder)
	}
	return result, total
}

// ContainsSecret reports whether input carries anything Redact would mask.
func ContainsSecret(input string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}
