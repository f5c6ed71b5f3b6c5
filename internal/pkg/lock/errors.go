package lock

import "errors"

// Errors for lock operations.
var (
	// ErrLockTimeout is returned when a lock cannot be acquired within the timeout.
	ErrLockTimeout = errors.New("lock acquisition timeout")
)
