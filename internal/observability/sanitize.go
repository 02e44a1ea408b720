package observability

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

type credentialPattern struct {
	re          *regexp.Regexp
	replacement string
}

// credentialPatterns detect secrets that must never reach telemetry, logs or
// stored request traces.
var credentialPatterns = []credentialPattern{
	// API key prefixes: sk_, pk_, rk_, xox*_, ghp/gho/ghu/ghs/ghr_, pat_
	{re: regexp.MustCompile(`(?i)\b(?:sk|pk|rk|xox[baprs]|gh[pousr]|pat)_[a-z0-9_-]{8,}\b`), replacement: credentialRedacted},
	// JWT-like tokens
	{re: regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`), replacement: credentialRedacted},
	{re: regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}\b`), replacement: credentialRedacted},
	// key=value secrets in DSNs and query strings
	{re: regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|api_key)\s*=\s*[^\s&;]{4,}`), replacement: credentialRedacted},
	// user:password@ in connection URIs keeps the scheme and host readable
	{re: regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`), replacement: "${1}" + credentialRedacted + "@"},
}

// ContainsCredential reports whether s matches any known credential pattern.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.re.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces every detected credential in s. A string with no
// match is returned as is.
func ScrubCredentials(s string) string {
	if len(s) < 8 {
		return s
	}
	result := s
	changed := false
	for _, p := range credentialPatterns {
		if p.re.MatchString(result) {
			result = p.re.ReplaceAllString(result, p.replacement)
			changed = true
		}
	}
	if !changed {
		return s
	}
	return strings.TrimSpace(result)
}
