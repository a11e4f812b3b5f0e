package jobserver

// AcquireResult reports how a blocking Acquire returned.
type AcquireResult int

const (
	// AcquireUnknown is the zero value, returned alongside an error.
	AcquireUnknown AcquireResult = iota

	// AcquireGranted indicates a token was obtained. The caller owes the
	// pool exactly one Release for it.
	AcquireGranted

	// AcquireInterrupted indicates the wait was cut short by Interrupt,
	// i.e. a child process terminated. The caller should reap finished
	// children and retry; no token was obtained.
	AcquireInterrupted

	// AcquireTimedOut indicates the caller-supplied timeout elapsed with
	// no token available. No token was obtained.
	AcquireTimedOut
)

// NOTE: This slice needs to be kept in sync with any changes to the
// AcquireResult values.
var acquireResults = []string{
	"Unknown",
	"Granted",
	"Interrupted",
	"TimedOut",
}

// String implements the Stringer interface for AcquireResult.
func (r AcquireResult) String() string {
	if int(r) < 0 || int(r) >= len(acquireResults) {
		return acquireResults[0]
	}

	return acquireResults[r]
}
