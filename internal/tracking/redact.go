package tracking

import (
	"strings"

	"github.com/ongoingai/reqtrace/internal/observability"
)

var redactedInputKeys = map[string]struct{}{
	"password":              {},
	"password_confirmation": {},
	"current_password":      {},
	"_token":                {},
}

// RedactInput returns a copy of input without secret fields at any depth.
// String values that look like credentials are scrubbed.
func RedactInput(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		if _, drop := redactedInputKeys[strings.ToLower(strings.TrimSpace(key))]; drop {
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return RedactInput(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = redactValue(item)
		}
		return out
	case []string:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = observability.ScrubCredentials(item)
		}
		return out
	case string:
		return observability.ScrubCredentials(typed)
	default:
		return value
	}
}
