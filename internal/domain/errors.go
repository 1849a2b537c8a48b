package domain

import (
	"errors"
	"fmt"
)

// Fatal initialization failures. ErrWorkerStartupTimeout may be retried by
// re-initializing; ErrModelLoad may not.
var (
	ErrModelLoad            = errors.New("model load failed")
	ErrWorkerStartupTimeout = errors.New("worker startup timed out")
)

// Local-path submission errors.
var (
	ErrBusy         = errors.New("a frame is already in flight")
	ErrWorkerClosed = errors.New("worker disposed")
	ErrInvalidFrame = errors.New("frame buffer does not match dimensions")
)

// Remote-path errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSessionInit      = errors.New("session initialization rejected")
	ErrInvalidState     = errors.New("operation not valid in current state")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// DecodeError is a per-frame fault caught at the worker boundary. The frame
// degrades to an empty result; the worker stays usable.
type DecodeError struct {
	Model string
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed for model %q: %v", e.Model, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// ServerError is surfaced from a remote `error` message. The connection is
// left untouched.
type ServerError struct {
	Message string
	Details string
}

func (e *ServerError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server error: %s (%s)", e.Message, e.Details)
	}
	return "server error: " + e.Message
}
