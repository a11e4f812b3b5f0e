package dispatch

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
)

// Command is one work unit for a Runner. Either Program/Args names a
// process directly, or Line is handed to the shell. A cooperating
// command is a recursive sub-build that shares the token pool; it
// receives the pool's auth value, while ordinary commands are
// guaranteed not to observe the pool at all.
type Command struct {
	Program     string
	Args        []string
	Line        string
	Cooperating bool
}

// Job represents one dispatched process. It tracks whether the process
// holds a pool token so the Runner can return it exactly once when the
// process is reaped, no matter how the process died.
type Job struct {
	id          string
	state       AtomicJobState
	interrupted atomic.Bool

	// holdsToken is set by the Runner when this job was dispatched
	// against an acquired token rather than the implicit top-level
	// slot. Only the Runner touches it.
	holdsToken bool

	cmd          *exec.Cmd
	processState atomic.Pointer[os.ProcessState]
	extraFiles   []*os.File

	done chan struct{}
}

// NewJob creates a Job for the given command.
func NewJob(id string, c Command) (*Job, error) {
	var cmd *exec.Cmd
	switch {
	case c.Program != "":
		cmd = exec.Command(c.Program, c.Args...)
	case strings.TrimSpace(c.Line) != "":
		cmd = exec.Command("/bin/sh", "-c", c.Line)
	default:
		return nil, ErrEmptyCommand
	}

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	j := &Job{
		id:   id,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	j.state.Store(JobStateCreated)

	return j, nil
}

// Start starts the Job's process. Once the process exits, onExit is
// invoked from the reaping goroutine after Done is closed. Trying to
// start a Job that is not in JobStateCreated returns an
// InvalidStateError.
func (j *Job) Start(onExit func(*Job)) error {
	if !j.state.CompareAndSwap(JobStateCreated, JobStateStarted) {
		return NewInvalidStateError(j.state.Load(), JobStateStarted)
	}

	err := j.cmd.Start()

	// The parent's duplicates of any descriptors attached for the child
	// are no longer needed either way.
	for _, f := range j.extraFiles {
		f.Close()
	}
	j.extraFiles = nil

	if err != nil {
		j.state.Store(JobStateFailed)
		return fmt.Errorf("start job process: %w", err)
	}

	go func() {
		j.cmd.Wait()

		j.processState.Store(j.cmd.ProcessState)
		j.state.Store(JobStateStopped)

		close(j.done)

		if onExit != nil {
			onExit(j)
		}
	}()

	return nil
}

// Stop kills the Job's process. Trying to stop a Job that is not in
// JobStateStarted returns an InvalidStateError.
func (j *Job) Stop() error {
	if j.state.Load() != JobStateStarted {
		return NewInvalidStateError(j.state.Load(), JobStateStopped)
	}

	j.interrupted.Store(true)

	return j.cmd.Process.Kill()
}

// ID returns the ID of the Job.
func (j *Job) ID() string {
	return j.id
}

// State returns the state of the Job.
func (j *Job) State() JobState {
	return j.state.Load()
}

// Interrupted returns whether the Job's process was killed by Stop.
func (j *Job) Interrupted() bool {
	return j.interrupted.Load()
}

// ExitCode returns the exit code of the process, or -1 if the process
// hasn't exited or was killed by a signal.
func (j *Job) ExitCode() int {
	ps := j.processState.Load()
	if ps == nil {
		return -1
	}

	return ps.ExitCode()
}

// Done returns a channel that is closed once the Job's process has
// exited and been reaped.
func (j *Job) Done() <-chan struct{} {
	return j.done
}
