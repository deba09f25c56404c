package capbridge

import "errors"

var (
	// ErrSessionUnavailable indicates the target session is not connected.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrMalformedMessage indicates an envelope that cannot be decoded or that
	// carries an unexpected method.
	ErrMalformedMessage = errors.New("malformed bridge message")
)
