package ivm

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is matched by every error reporting a misordered commit protocol call,
// e.g., running a version that was never enqueued.
var ErrProtocolViolation = errors.New("commit protocol violation")

// ProtocolError reports a commit protocol call made out of order. It is a programming error in
// the coordinator: the round must be aborted, otherwise a listener could observe an
// inconsistent version.
type ProtocolError struct {
	Stream  string
	Version Version
	Message string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: stream %q, version %d: %s", ErrProtocolViolation, e.Stream,
		e.Version, e.Message)
}

// Is makes errors.Is match ErrProtocolViolation.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocolViolation }

func newProtocolError(stream string, v Version, format string, args ...any) error {
	return &ProtocolError{Stream: stream, Version: v, Message: fmt.Sprintf(format, args...)}
}

// Phase names a notification pass of the commit protocol.
type Phase string

const (
	PhaseEnqueue   Phase = "enqueue"
	PhaseRun       Phase = "run"
	PhaseCommitted Phase = "committed"
)

// ListenerError wraps the failure of a single downstream listener. Other listeners of the same
// stream still get notified.
type ListenerError struct {
	Stream  string
	Version Version
	Phase   Phase
	Cause   error
}

// Error implements the error interface.
func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener of stream %q failed in %s phase of version %d: %v",
		e.Stream, e.Phase, e.Version, e.Cause)
}

// Unwrap returns the listener's error.
func (e *ListenerError) Unwrap() error { return e.Cause }
