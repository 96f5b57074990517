package session

import "errors"

var (
	// ErrNotFound is returned for ids the manager has never seen or has
	// long forgotten.
	ErrNotFound = errors.New("session not found")
	// ErrCapacityExceeded is returned by Create when the active session
	// count is at its maximum. Callers may retry after a session closes.
	ErrCapacityExceeded = errors.New("maximum session limit reached")
	// ErrClosed is returned for operations on a session that has closed.
	ErrClosed = errors.New("session closed")
	// ErrOffsetExpired is returned when a read asks for bytes that have
	// already been evicted from the ring buffer.
	ErrOffsetExpired = errors.New("offset expired")
	// ErrSpawnFailed wraps failures to start the child process.
	ErrSpawnFailed = errors.New("spawn failed")
)
