package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout is returned when no reply arrives in time
	ErrRequestTimeout = errors.New("messaging: request timed out")

	// ErrConnectionLost is returned to pending requests when the broker
	// connection drops. Their reply queues died with it.
	ErrConnectionLost = errors.New("messaging: connection lost while awaiting reply")

	// ErrClientClosed is returned by a closed request client
	ErrClientClosed = errors.New("messaging: request client is closed")

	// ErrHandlerPanic wraps a panic recovered from a message or sync handler
	ErrHandlerPanic = errors.New("messaging: handler panicked")
)

// CodeRequestFailed is the error reply code used when the handler gives none
const CodeRequestFailed = "REQUEST_FAILED"

// RequestError describes a failed synchronous request
type RequestError struct {
	Queue         string
	CorrelationID string
	Op            string
	Err           error
}

func (e *RequestError) Error() string {
	if e.CorrelationID == "" {
		return fmt.Sprintf("request to %s failed: %s: %v", e.Queue, e.Op, e.Err)
	}
	return fmt.Sprintf("request %s to %s failed: %s: %v", e.CorrelationID, e.Queue, e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// RemoteError is an error reply sent by a responder. It is also what a
// SyncHandler returns to choose the code of its error reply.
type RemoteError struct {
	Message string `json:"error"`
	Code    string `json:"code"`
}

// NewRemoteError creates a remote error with the given code
func NewRemoteError(code, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}
