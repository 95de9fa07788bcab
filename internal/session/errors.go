package session

import "errors"

var (
	// ErrNotConnected is returned when an operation requires a
	// connected session.
	ErrNotConnected = errors.New("session not connected")

	// ErrHandshakeTimeout is returned when the greeting token never
	// appeared within the connect wait window.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrSessionClosed is the failure cause for work that was pending
	// when the underlying process exited or was torn down.
	ErrSessionClosed = errors.New("session closed")

	// ErrSpawnFailed wraps errors starting the wrapped CLI process.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrDuplicateCommand is returned when a submitted command id is
	// already queued or active.
	ErrDuplicateCommand = errors.New("command id already in use")
)
