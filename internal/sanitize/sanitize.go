package sanitize

import (
	"regexp"
	"strings"
)

// ansiEscape matches CSI and OSC terminal escape sequences.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*(\x07|\x1b\\)`)

// secretPatterns detects secret-shaped strings that must not reach logs,
// critiques, or the skillbook.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)\s*[:=]\s*["']?[a-zA-Z0-9_\-]{16,}`),
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA )?PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*["'].+["']`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`), // AWS access key ID
	regexp.MustCompile(`(?i)(?:secret[_-]?key|secretkey)\s*[:=]\s*["']?[a-zA-Z0-9_\-]{16,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9_\-]{20,}`),
}

// StripANSI removes terminal escape sequences from engine output.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// Redact replaces secret-shaped substrings with a fixed marker.
func Redact(s string) string {
	result := s
	for _, p := range secretPatterns {
		result = p.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// Text cleans engine output for display and persistence.
func Text(s string) string {
	return strings.TrimRight(Redact(StripANSI(s)), "\n")
}
