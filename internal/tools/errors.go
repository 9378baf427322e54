package tools

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrToolTimeout  = errors.New("tool execution timed out")
	ErrToolPanic    = errors.New("tool panicked")
)

// ErrorType categorizes tool execution errors.
type ErrorType string

const (
	ErrorNotFound     ErrorType = "not_found"
	ErrorInvalidInput ErrorType = "invalid_input"
	ErrorTimeout      ErrorType = "timeout"
	ErrorNetwork      ErrorType = "network"
	ErrorPermission   ErrorType = "permission"
	ErrorRateLimit    ErrorType = "rate_limit"
	ErrorExecution    ErrorType = "execution"
	ErrorPanic        ErrorType = "panic"
	ErrorUnknown      ErrorType = "unknown"
)

// IsRetryable reports whether retrying the same call may succeed.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case ErrorTimeout, ErrorNetwork, ErrorRateLimit:
		return true
	default:
		return false
	}
}

// IsInfrastructure reports whether the failure is environmental rather than a
// wrong call. Infrastructure failures are retried in place with backoff;
// business failures feed the backtrack decision instead.
func (t ErrorType) IsInfrastructure() bool {
	switch t {
	case ErrorTimeout, ErrorNetwork, ErrorRateLimit, ErrorPanic:
		return true
	default:
		return false
	}
}

// ToolError is a structured tool execution failure.
type ToolError struct {
	Type       ErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
	Attempts   int
}

func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("(attempts=%d)", e.Attempts))
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error { return e.Cause }

// Retryable reports whether the error's type is retryable.
func (e *ToolError) Retryable() bool { return e.Type.IsRetryable() }

// NewToolError classifies a cause into a ToolError.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     ErrorUnknown,
		Attempts: 1,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = Classify(cause)
	}
	return err
}

// WithType overrides the classified type.
func (e *ToolError) WithType(t ErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID correlates the error with a specific call.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithAttempts records how many attempts were made.
func (e *ToolError) WithAttempts(n int) *ToolError {
	e.Attempts = n
	return e
}

// Classify infers the error type from sentinels and message content.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}
	if errors.Is(err, ErrToolNotFound) {
		return ErrorNotFound
	}
	if errors.Is(err, ErrToolTimeout) {
		return ErrorTimeout
	}
	if errors.Is(err, ErrToolPanic) {
		return ErrorPanic
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context deadline"):
		return ErrorTimeout
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "dns"),
		strings.Contains(msg, "refused"),
		strings.Contains(msg, "unreachable"):
		return ErrorNetwork
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return ErrorRateLimit
	case strings.Contains(msg, "permission"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "access denied"):
		return ErrorPermission
	case strings.Contains(msg, "invalid"),
		strings.Contains(msg, "validation"),
		strings.Contains(msg, "required"),
		strings.Contains(msg, "missing"):
		return ErrorInvalidInput
	default:
		return ErrorExecution
	}
}

// AsToolError extracts a ToolError from an error chain.
func AsToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// IsInfrastructureError reports whether an error is environmental. Unwrapped
// errors are classified on the fly.
func IsInfrastructureError(err error) bool {
	if toolErr, ok := AsToolError(err); ok {
		return toolErr.Type.IsInfrastructure()
	}
	return Classify(err).IsInfrastructure()
}
