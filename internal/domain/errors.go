package domain

import (
	"errors"
	"fmt"
)

// Domain errors represent error conditions in the thlship domain.
// These errors are returned by the public API and can be checked with errors.Is.
var (
	// ErrAlreadyRunning is returned when Start() is called on a running instance.
	ErrAlreadyRunning = errors.New("thlship: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped instance.
	ErrNotRunning = errors.New("thlship: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("thlship: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("thlship: invalid configuration")

	// ErrProtocol marks malformed or out-of-state messages.
	ErrProtocol = errors.New("thlship: protocol error")

	// ErrConsistency marks diverged histories detected during handshake.
	// Never retried.
	ErrConsistency = errors.New("thlship: log consistency error")

	// ErrClosed is returned by operations on a closed queue, connection or store.
	ErrClosed = errors.New("thlship: closed")

	// ErrReadOnly is returned when storing through a read-only log connection.
	ErrReadOnly = errors.New("thlship: read-only log connection")
)

// ProtocolError describes a protocol violation. It matches ErrProtocol.
type ProtocolError struct {
	Msg string
}

// NewProtocolError formats a ProtocolError.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// ConsistencyError carries the reason a client was refused. It matches
// ErrConsistency.
type ConsistencyError struct {
	Reason string
}

// NewConsistencyError formats a ConsistencyError.
func NewConsistencyError(format string, args ...any) *ConsistencyError {
	return &ConsistencyError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ConsistencyError) Error() string { return "log consistency check failed: " + e.Reason }

// Is reports whether target is ErrConsistency.
func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }
