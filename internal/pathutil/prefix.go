package pathutil

import "strings"

// OtherRoute labels paths that match no known prefix.
const OtherRoute = "/other"

// NormalizePrefix returns a leading-slash prefix without a trailing slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// HasPathPrefix reports whether path equals prefix or is nested under it.
func HasPathPrefix(path, prefix string) bool {
	prefix = NormalizePrefix(prefix)
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// StripPathPrefix removes a normalized prefix from path.
func StripPathPrefix(path, prefix string) string {
	if !HasPathPrefix(path, prefix) {
		return path
	}

	stripped := strings.TrimPrefix(path, NormalizePrefix(prefix))
	if stripped == "" {
		return "/"
	}
	if !strings.HasPrefix(stripped, "/") {
		return "/" + stripped
	}
	return stripped
}

// LongestPrefix returns the most specific of prefixes that path falls under.
func LongestPrefix(path string, prefixes []string) (string, bool) {
	best := ""
	found := false
	for _, prefix := range prefixes {
		prefix = NormalizePrefix(prefix)
		if !HasPathPrefix(path, prefix) {
			continue
		}
		if !found || len(prefix) > len(best) {
			best = prefix
			found = true
		}
	}
	return best, found
}

// RoutePattern collapses path into a low-cardinality label for telemetry.
// An exact match keeps the prefix, a nested path gets "/*" appended and
// anything else is OtherRoute.
func RoutePattern(path string, prefixes []string) string {
	prefix, ok := LongestPrefix(path, prefixes)
	switch {
	case !ok || prefix == "/":
		return OtherRoute
	case path == prefix:
		return prefix
	default:
		return prefix + "/*"
	}
}
