package tracking

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/ongoingai/reqtrace/internal/trace"
)

const maxStackFrames = 32

// ErrorClass names err for the errors list. An ErrorClass() string method
// anywhere in the chain wins; otherwise it is the Go type of the innermost
// wrapped error without the pointer marker.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	var classed interface{ ErrorClass() string }
	if errors.As(err, &classed) {
		if class := strings.TrimSpace(classed.ErrorClass()); class != "" {
			return class
		}
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", inner), "*")
}

// PanicError wraps a recovered panic value with the stack of the goroutine
// that panicked.
type PanicError struct {
	Value any
	File  string
	Line  int
	Stack string
}

// NewPanicError must be called from the deferred function that recovered
// value so the panicking frame is still on the stack.
func NewPanicError(value any) *PanicError {
	frames := callerFrames(1)
	file, line := panicLocation(frames)
	return &PanicError{
		Value: value,
		File:  file,
		Line:  line,
		Stack: formatFrames(frames),
	}
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.Value)
}

func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

func (e *PanicError) ErrorClass() string {
	if err, ok := e.Value.(error); ok {
		return ErrorClass(err)
	}
	return "PanicError"
}

func (e *PanicError) Location() (string, int) {
	return e.File, e.Line
}

func (e *PanicError) StackTrace() string {
	return e.Stack
}

// FieldError is one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports rejected request input.
type ValidationError struct {
	Scope  string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	messages := e.Messages()
	return fmt.Sprintf("Form Validation Failed in %s: %s", e.Scope, strings.Join(messages, "; "))
}

func (e *ValidationError) ErrorClass() string {
	return "ValidationError"
}

func (e *ValidationError) HTTPStatus() int {
	return http.StatusUnprocessableEntity
}

// Messages returns every field message in order.
func (e *ValidationError) Messages() []string {
	out := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		out = append(out, field.Message)
	}
	return out
}

// FieldNames returns the distinct failed fields in first-seen order.
func (e *ValidationError) FieldNames() []string {
	seen := make(map[string]struct{}, len(e.Fields))
	out := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		if _, ok := seen[field.Field]; ok {
			continue
		}
		seen[field.Field] = struct{}{}
		out = append(out, field.Field)
	}
	return out
}

// newErrorEntry builds the persisted record for err. skip counts frames
// above newErrorEntry to attribute the error to when err carries no
// location of its own.
func newErrorEntry(err error, skip int) trace.ErrorEntry {
	entry := trace.ErrorEntry{
		Class:   ErrorClass(err),
		Message: err.Error(),
	}

	var located interface{ Location() (string, int) }
	var stacked interface{ StackTrace() string }
	if errors.As(err, &located) {
		entry.File, entry.Line = located.Location()
	}
	if errors.As(err, &stacked) {
		entry.StackTrace = stacked.StackTrace()
	}
	if entry.File == "" || entry.StackTrace == "" {
		frames := callerFrames(skip)
		if entry.File == "" && len(frames) > 0 {
			entry.File, entry.Line = frames[0].File, frames[0].Line
		}
		if entry.StackTrace == "" {
			entry.StackTrace = formatFrames(frames)
		}
	}
	return entry
}

// callerFrames collects the stack; skip 0 starts at the caller of callerFrames.
func callerFrames(skip int) []runtime.Frame {
	pcs := make([]uintptr, maxStackFrames)
	n := runtime.Callers(skip+2, pcs)
	iter := runtime.CallersFrames(pcs[:n])
	frames := make([]runtime.Frame, 0, n)
	for {
		frame, more := iter.Next()
		frames = append(frames, frame)
		if !more {
			break
		}
	}
	return frames
}

// panicLocation returns the first non-runtime frame after runtime.gopanic,
// which is the function that panicked.
func panicLocation(frames []runtime.Frame) (string, int) {
	afterPanic := false
	for _, frame := range frames {
		if frame.Function == "runtime.gopanic" {
			afterPanic = true
			continue
		}
		if afterPanic && !strings.HasPrefix(frame.Function, "runtime.") {
			return frame.File, frame.Line
		}
	}
	if len(frames) > 0 {
		return frames[0].File, frames[0].Line
	}
	return "", 0
}

func formatFrames(frames []runtime.Frame) string {
	var b strings.Builder
	for i, frame := range frames {
		if frame.Function == "" {
			continue
		}
		fmt.Fprintf(&b, "#%d %s\n\t%s:%d\n", i, frame.Function, frame.File, frame.Line)
	}
	return strings.TrimRight(b.String(), "\n")
}
