package capbridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies a failed Outcome.
type ErrorKind string

const (
	// KindRejected means the client executor reported a failure. The message is
	// passed through verbatim.
	KindRejected ErrorKind = "rejected"
	// KindUnavailable means the client has no capability with the requested name.
	KindUnavailable ErrorKind = "unavailable"
	// KindUnsendable means the target session is not connected, or went away
	// before answering.
	KindUnsendable ErrorKind = "unsendable"
	// KindTimeout means no result arrived before the invocation deadline.
	KindTimeout ErrorKind = "timeout"
)

// Valid reports whether k is one of the known kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case KindRejected, KindUnavailable, KindUnsendable, KindTimeout:
		return true
	}
	return false
}

// Error is the failure half of an Outcome.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches another *Error by kind so callers can write
// errors.Is(err, &capbridge.Error{Kind: capbridge.KindTimeout}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Outcome is the terminal settlement of one invocation. Exactly one of Value
// and Error is meaningful: a nil Error means success.
type Outcome struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Ok builds a successful Outcome. A nil value is normalized to JSON null.
func Ok(value json.RawMessage) Outcome {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return Outcome{Value: value}
}

// Fail builds a failed Outcome of the given kind.
func Fail(kind ErrorKind, message string) Outcome {
	return Outcome{Error: &Error{Kind: kind, Message: message}}
}

// Failf is Fail with fmt formatting.
func Failf(kind ErrorKind, format string, args ...any) Outcome {
	return Fail(kind, fmt.Sprintf(format, args...))
}

// TimedOut builds the Outcome used when a deadline elapses.
func TimedOut() Outcome {
	return Fail(KindTimeout, "no result before deadline")
}

// SessionUnavailable builds the Outcome used when the target session is not
// connected or disconnects while the invocation is pending.
func SessionUnavailable() Outcome {
	return Fail(KindUnsendable, ErrSessionUnavailable.Error())
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Error == nil }

// Err returns the outcome's error as a Go error, or nil on success.
func (o Outcome) Err() error {
	if o.Error == nil {
		return nil
	}
	return o.Error
}

// Kind returns the failure kind, or the empty string on success.
func (o Outcome) Kind() ErrorKind {
	if o.Error == nil {
		return ""
	}
	return o.Error.Kind
}

// Decode unmarshals a successful outcome's value into v.
func (o Outcome) Decode(v any) error {
	if o.Error != nil {
		return o.Error
	}
	if err := json.Unmarshal(o.Value, v); err != nil {
		return fmt.Errorf("decode outcome value: %w", err)
	}
	return nil
}
