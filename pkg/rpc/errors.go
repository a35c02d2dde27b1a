package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrClosed is returned for calls made on, or pending in, a closed Client.
var ErrClosed = errors.New("rpc: client closed")

// TimeoutError reports that no reply arrived before the call's deadline.
type TimeoutError struct {
	Exchange      string
	RoutingKey    string
	CorrelationID string
	After         time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: %s %s timed out after %s (correlation %s)", e.Exchange, e.RoutingKey, e.After, e.CorrelationID)
}

// TransportError reports that the broker could not be reached or rejected the publish.
type TransportError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: %s %s transport failure: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnknownExchangeError reports a call to an exchange missing from the topology.
type UnknownExchangeError struct {
	Exchange string
}

func (e *UnknownExchangeError) Error() string {
	return fmt.Sprintf("rpc: unknown exchange %q", e.Exchange)
}

// RemoteError is an error raised by a domain service and carried back in its reply.
type RemoteError struct {
	Code       string
	StatusCode int
	Message    string
	Details    interface{}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// NewRemoteError creates a RemoteError; a zero status defaults to 500.
func NewRemoteError(code string, statusCode int, message string) *RemoteError {
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}
	return &RemoteError{Code: code, StatusCode: statusCode, Message: message}
}
