// Package errdefs holds the error taxonomy shared by the socket, reactor,
// scheduler and session layers. Every error surfaced by a blocking entry
// point matches at least one of these sentinels with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrResolution is returned when a host has no usable address.
	ErrResolution = errors.New("host has no usable address")
	// ErrConnectTimeout is returned when connection setup exceeds its deadline.
	ErrConnectTimeout = errors.New("connect timed out")
	// ErrConnectRefused is returned when every resolved address rejected the connection.
	ErrConnectRefused = errors.New("connection refused")
	// ErrConnection wraps every failure of a connect request.
	ErrConnection = errors.New("connection failed")
	// ErrAuthentication is returned when credentials are rejected or the handshake fails.
	ErrAuthentication = errors.New("authentication failed")
	// ErrProtocol is returned when the protocol engine reports an error.
	ErrProtocol = errors.New("protocol error")
	// ErrChannelTimeout is returned when an execute or shell deadline is exceeded.
	ErrChannelTimeout = errors.New("channel timed out")
	// ErrIO is returned for socket level read, write and close failures.
	ErrIO = errors.New("socket i/o error")
	// ErrAlreadyRegistered is returned when a socket is registered twice with one reactor.
	ErrAlreadyRegistered = errors.New("socket already registered")
	// ErrNotRegistered is returned for operations on sockets the reactor does not track.
	ErrNotRegistered = errors.New("socket not registered")
	// ErrCancelledByCaller is returned when a continuation callback asks to stop.
	ErrCancelledByCaller = errors.New("cancelled by caller")
	// ErrDisconnected is returned for operations on a session that is closed.
	ErrDisconnected = errors.New("session is disconnected")
	// ErrInvalidState is returned when an operation is not valid in the current session state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalidConfig is returned when a configuration fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrSchedulerStopped is returned when the session loop is not running.
	ErrSchedulerStopped = errors.New("session scheduler is not running")
)

// Wrap returns an error that matches both kind and cause with errors.Is.
// A nil cause yields kind itself.
func Wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Kind reports the first taxonomy sentinel err matches, or nil.
func Kind(err error) error {
	for _, k := range []error{
		ErrCancelledByCaller,
		ErrChannelTimeout,
		ErrConnectTimeout,
		ErrConnectRefused,
		ErrResolution,
		ErrAuthentication,
		ErrProtocol,
		ErrIO,
		ErrAlreadyRegistered,
		ErrNotRegistered,
		ErrDisconnected,
		ErrInvalidState,
		ErrInvalidConfig,
		ErrSchedulerStopped,
		ErrConnection,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
