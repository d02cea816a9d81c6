package engine

import (
	"errors"
	"time"
)

// Engine errors. ErrChannelClosed and ErrAwaitTimeout are distinct outcomes:
// a timeout says nothing about connection health.
var (
	// Lifecycle errors

	ErrEngineRunning = errors.New("engine already running")
	ErrEngineStopped = errors.New("engine not running")
	ErrBindFailed    = errors.New("bind failed")

	// Routing errors

	ErrRouteNotFound = errors.New("no connection bound for identity")

	// Correlation errors

	ErrAwaitTimeout         = errors.New("no response within timeout")
	ErrChannelClosed        = errors.New("connection closed with request outstanding")
	ErrDuplicateCorrelation = errors.New("correlation id already pending")

	// Connection errors

	ErrConnectionClosed = errors.New("connection is closed")
	ErrWriteFailed      = errors.New("write failed")
)

// ErrorCode is a numeric classification of an engine error.
type ErrorCode int

const (
	CodeUnknown ErrorCode = 0

	// Lifecycle codes (1000-1999)

	CodeEngineRunning ErrorCode = 1001
	CodeEngineStopped ErrorCode = 1002
	CodeBindFailed    ErrorCode = 1003

	// Routing codes (2000-2999)

	CodeRouteNotFound ErrorCode = 2001

	// Correlation codes (3000-3999)

	CodeAwaitTimeout         ErrorCode = 3001
	CodeChannelClosed        ErrorCode = 3002
	CodeDuplicateCorrelation ErrorCode = 3003

	// Connection codes (4000-4999)

	CodeConnectionClosed ErrorCode = 4001
	CodeWriteFailed      ErrorCode = 4002
)

// Error carries an engine failure with its classification and context.
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair for the reporting layer.
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the failed operation is worth repeating on
// the same engine: the peer may answer a later cycle.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case CodeAwaitTimeout, CodeChannelClosed, CodeRouteNotFound:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the failure means the engine itself is unusable.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case CodeBindFailed, CodeEngineStopped:
		return true
	default:
		return false
	}
}

var errorCodes = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrEngineRunning, CodeEngineRunning},
	{ErrEngineStopped, CodeEngineStopped},
	{ErrBindFailed, CodeBindFailed},
	{ErrRouteNotFound, CodeRouteNotFound},
	{ErrAwaitTimeout, CodeAwaitTimeout},
	{ErrChannelClosed, CodeChannelClosed},
	{ErrDuplicateCorrelation, CodeDuplicateCorrelation},
	{ErrConnectionClosed, CodeConnectionClosed},
	{ErrWriteFailed, CodeWriteFailed},
}

// GetErrorCode classifies an error by the sentinel in its chain.
func GetErrorCode(err error) ErrorCode {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}

// WrapError classifies and wraps an error, keeping the cause chain intact
// for errors.Is.
func WrapError(err error, message string) *Error {
	return &Error{
		Code:      GetErrorCode(err),
		Message:   message,
		Cause:     err,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}
