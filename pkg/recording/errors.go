package recording

import (
	"fmt"
	"time"
)

// Error codes as constants. These form the whole failure taxonomy of the
// manager; everything the public API or the state stream surfaces carries one.
const (
	ErrCodeAuth               = "AUTH"
	ErrCodeMicDenied          = "MIC_DENIED"
	ErrCodeUnsupported        = "UNSUPPORTED"
	ErrCodeStartFailed        = "START_FAILED"
	ErrCodeWebSocket          = "WS_ERROR"
	ErrCodeHeartbeatTimeout   = "HEARTBEAT_TIMEOUT"
	ErrCodeReconnectExhausted = "RECONNECT_EXHAUSTED"
	ErrCodeTakeoverDenied     = "TAKEOVER_DENIED"
	ErrCodeStopFailed         = "STOP_FAILED"
)

// SessionError is the coded error type used throughout the SDK.
type SessionError struct {
	Code      string
	Message   string
	Timestamp time.Time
	Details   map[string]interface{}
	err       error
}

func (e *SessionError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SessionError) Unwrap() error { return e.err }

// NewSessionError creates a coded error.
func NewSessionError(code, message string) *SessionError {
	return &SessionError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an arbitrary error under a code. Returns nil for nil.
func WrapError(err error, code string) *SessionError {
	if err == nil {
		return nil
	}
	return &SessionError{
		Code:      code,
		Message:   err.Error(),
		Timestamp: time.Now(),
		err:       err,
	}
}

// AddDetail attaches a structured detail and returns the error for chaining.
func (e *SessionError) AddDetail(key string, value interface{}) *SessionError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsRetryable reports whether the transport layer may retry internally.
// Device, auth and capability failures are never retried automatically.
func IsRetryable(err *SessionError) bool {
	if err == nil {
		return false
	}
	switch err.Code {
	case ErrCodeWebSocket, ErrCodeHeartbeatTimeout, ErrCodeReconnectExhausted:
		return true
	}
	return false
}

// IsFatal reports whether the error ends the session attempt outright.
func IsFatal(err *SessionError) bool {
	if err == nil {
		return false
	}
	switch err.Code {
	case ErrCodeAuth, ErrCodeMicDenied, ErrCodeUnsupported, ErrCodeStartFailed:
		return true
	}
	return false
}
