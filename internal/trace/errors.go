package trace

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"go.mongodb.org/mongo-driver/mongo"
)

// Error class constants for trace write failure classification.
const (
	WriteErrorClassConnection  = "connection"
	WriteErrorClassTimeout     = "timeout"
	WriteErrorClassContention  = "contention"
	WriteErrorClassConstraint  = "constraint"
	WriteErrorClassUnavailable = "unavailable"
	WriteErrorClassUnknown     = "unknown"
)

// ClassifyWriteError maps a persistence failure to a coarse class so operators
// can alert on failure categories rather than driver-specific messages.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	if errors.Is(err, ErrStoreUnavailable) {
		return WriteErrorClassUnavailable
	}

	// Timeout before connection, since net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || mongo.IsTimeout(err) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}

	if mongo.IsNetworkError(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return WriteErrorClassConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	if mongo.IsDuplicateKeyError(err) {
		return WriteErrorClassConstraint
	}

	// Wrapped driver errors often lose their type; fall back to the message.
	msg := strings.ToLower(err.Error())

	if isConnectionString(msg) {
		return WriteErrorClassConnection
	}
	if isTimeoutString(msg) {
		return WriteErrorClassTimeout
	}
	if isContentionString(msg) {
		return WriteErrorClassContention
	}
	if isConstraintString(msg) {
		return WriteErrorClassConstraint
	}

	return WriteErrorClassUnknown
}

func isConnectionString(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "server selection error")
}

func isTimeoutString(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

func isContentionString(msg string) bool {
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "writeconflict")
}

func isConstraintString(msg string) bool {
	return strings.Contains(msg, "violates unique constraint") ||
		strings.Contains(msg, "violates check constraint") ||
		strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
