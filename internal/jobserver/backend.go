package jobserver

import (
	"os"
	"strings"
	"time"
)

// Style selects which backend transport carries the token pool. It is
// chosen once at top-level setup; cooperating children infer it from
// the auth string format.
type Style int

const (
	// StylePipe uses an anonymous pipe whose descriptors are inherited
	// by cooperating children.
	StylePipe Style = iota

	// StyleFifo uses a named FIFO that children open by path, so no
	// descriptor crosses the process boundary.
	StyleFifo
)

var styles = []string{"pipe", "fifo"}

func (s Style) String() string {
	if int(s) < 0 || int(s) >= len(styles) {
		return "unknown"
	}

	return styles[s]
}

// ParseStyle converts a configuration value to a Style.
func ParseStyle(s string) (Style, bool) {
	for i, name := range styles {
		if s == name {
			return Style(i), true
		}
	}

	return StylePipe, false
}

// Backend is the capability surface of a token pool. One Backend is
// created per process, either by Setup in the top-level process or by
// Decode in a cooperating child, and is shared by every call site in
// that process. Close must be called before process exit.
//
// Token transfers are single primitive kernel operations, so Backend
// methods may be called from multiple goroutines without locking.
type Backend interface {
	// Encode serializes the pool's identity into an auth string a
	// cooperating child can pass to Decode.
	Encode() string

	// Acquire blocks until a token is granted, Interrupt is called, or
	// the timeout elapses. A timeout <= 0 blocks indefinitely. Any error
	// is fatal to the build.
	Acquire(timeout time.Duration) (AcquireResult, error)

	// TryAcquire obtains a token only if one is immediately available.
	TryAcquire() (bool, error)

	// Release returns one token to the pool. It must be called exactly
	// once per granted token; an error is fatal to the build.
	Release() error

	// Available reports the number of tokens currently in the pool.
	Available() (int, error)

	// DrainAll collects every available token and returns the count.
	DrainAll() int

	// Interrupt wakes a blocked Acquire so the caller can reap finished
	// children and retry. Safe to call from any context; notifications
	// coalesce.
	Interrupt()

	// PreChild prepares the backend for an imminent process creation.
	// When cooperating is true the pool must become reachable by the
	// child; otherwise the child must not be able to observe it.
	PreChild(cooperating bool)

	// PostChild restores the backend after process creation, undoing
	// whatever PreChild exposed.
	PostChild(cooperating bool)

	// ChildAuth returns the auth string a spawned cooperating child
	// should decode, along with any files that must be attached to the
	// child (in order, starting at descriptor 3) for that auth string
	// to be valid. The caller closes the files once the child has
	// started.
	ChildAuth() (string, []*os.File, error)

	// Close destroys the process's handle on the pool. The top-level
	// owner additionally removes any named kernel-persistent resource.
	Close() error
}

// Setup creates a new pool of the given style holding slots-1 tokens;
// the creating process implicitly owns the remaining slot. Failure is
// fatal to build setup: the tool must not silently run with a different
// token count than requested.
func Setup(style Style, slots int) (Backend, error) {
	switch style {
	case StyleFifo:
		return SetupFifo("", "", slots)
	default:
		return SetupPipe(slots)
	}
}

// Decode reconstructs a Backend from an auth string produced by Encode
// (or ChildAuth) in another process.
//
// If the pool the string refers to no longer exists, Decode returns
// ErrDegraded and the caller should warn and fall back to serial
// execution. A string matching neither format yields an
// InvalidAuthError; any other failure is fatal.
func Decode(auth string) (Backend, error) {
	if path, ok := strings.CutPrefix(auth, fifoAuthPrefix); ok {
		return decodeFifo(path)
	}

	return decodePipe(auth)
}
