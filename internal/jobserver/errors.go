package jobserver

import (
	"errors"
	"fmt"
)

var (
	// ErrDegraded is returned by Decode when the pool referenced by an
	// auth string no longer exists: the descriptors are closed or the
	// FIFO has been removed. The parent either wasn't a cooperating
	// build or has already torn down, and the caller should fall back
	// to serial execution rather than abort.
	ErrDegraded = errors.New("token pool unavailable")

	// ErrPoolClosed is returned when an acquire observes end-of-file on
	// the pool, meaning every write side has been closed. A build cannot
	// continue against a dead pool.
	ErrPoolClosed = errors.New("token pool closed")
)

// InvalidAuthError is returned by Decode for an auth string that
// matches neither defined format. Unlike ErrDegraded this is fatal:
// the value was corrupted somewhere between parent and child.
type InvalidAuthError struct {
	auth string
}

func (e InvalidAuthError) Error() string {
	return fmt.Sprintf("invalid jobserver auth string '%s'", e.auth)
}

func NewInvalidAuthError(auth string) InvalidAuthError {
	return InvalidAuthError{auth}
}
