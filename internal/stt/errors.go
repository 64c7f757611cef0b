package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotConnected is returned by SendAudio or Receive before Connect succeeds
	ErrNotConnected = errors.New("provider not connected")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("provider closed")

	// ErrMissingCredential is returned when the provider has no API key
	ErrMissingCredential = errors.New("missing provider credential")
)

// ConnectionError reports an upstream handshake or socket failure
type ConnectionError struct {
	Provider string
	Op       string // "connect", "send" or "receive"
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is an upstream connection failure
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// HandshakeError is an upstream websocket upgrade rejected with an HTTP status
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Rejected reports a client error: the request was refused and repeating it
// unchanged will not help
func (e *HandshakeError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// IsUpstreamFailure reports whether err says something about the provider's
// health. Rejected handshakes (bad language, bad credentials) and
// cancellation do not, so they never trip the shared circuit breaker.
func IsUpstreamFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var hsErr *HandshakeError
	if errors.As(err, &hsErr) && hsErr.Rejected() {
		return false
	}
	return true
}
