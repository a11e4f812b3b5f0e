package dispatch

import "sync/atomic"

type JobState int

const (
	// JobStateUnknown is the zero value for functions that return a
	// (possibly absent) JobState.
	JobStateUnknown JobState = iota

	// JobStateCreated indicates the job is configured and can be
	// started.
	JobStateCreated

	// JobStateStarted indicates the job's process is running.
	JobStateStarted

	// JobStateStopped indicates the job's process has exited and been
	// reaped.
	JobStateStopped

	// JobStateFailed indicates the job's process could not be started.
	JobStateFailed
)

// NOTE: This slice needs to be kept in sync with any changes to the
// JobState values.
var jobStates = []string{
	"Unknown",
	"Created",
	"Started",
	"Stopped",
	"Failed",
}

// String implements the Stringer interface for JobState.
func (s JobState) String() string {
	if int(s) < 0 || int(s) >= len(jobStates) {
		return jobStates[0]
	}

	return jobStates[s]
}

// AtomicJobState wraps an atomic.Int32 so state transitions can be
// validated with CompareAndSwap instead of a mutex.
type AtomicJobState struct {
	v atomic.Int32
}

// Load atomically loads the JobState value.
func (a *AtomicJobState) Load() JobState {
	return JobState(a.v.Load())
}

// Store atomically stores the JobState value.
func (a *AtomicJobState) Store(s JobState) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an
// old and new JobState.
func (a *AtomicJobState) CompareAndSwap(o, n JobState) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
