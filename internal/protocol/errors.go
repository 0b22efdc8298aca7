package protocol

import "errors"

var (
	// ErrModelRequired is returned when Start is called without a model id.
	ErrModelRequired = errors.New("model is required")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrSessionNotStarted is returned when an operation needs an active
	// session and none exists.
	ErrSessionNotStarted = errors.New("session not started")
	// ErrSessionClosed is returned for operations against a stopped
	// session and used to reject requests still pending at shutdown.
	ErrSessionClosed = errors.New("session closed")
	// ErrRequestTimeout is returned when a request receives no response
	// within the per-request timeout.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrPromptTimeout is returned when a turn does not complete within
	// the prompt deadline.
	ErrPromptTimeout = errors.New("prompt timed out")
)
