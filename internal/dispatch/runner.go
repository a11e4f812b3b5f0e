package dispatch

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/slotserver/internal/flagscan"
	"github.com/nixpig/slotserver/internal/jobserver"
)

const defaultPollInterval = time.Second

// RunnerConfig carries the dispatch policy knobs.
type RunnerConfig struct {
	// KeepGoing continues dispatching after a command fails instead of
	// stopping at the first failure.
	KeepGoing bool

	// PollInterval bounds how long a slot wait blocks before rechecking
	// state. Zero means one second.
	PollInterval time.Duration

	// BaseFlags is the inherited flags string to propagate to children,
	// typically the current value of the flags environment variable.
	BaseFlags string
}

// Runner dispatches Commands against a token pool, never exceeding the
// pool's slot budget. The first running job rides the slot the process
// itself implicitly holds; every further concurrent job needs a token
// from the backend.
//
// A nil backend means serial execution: one job at a time, which is
// both the -j1 case and the degraded fallback when a shared pool could
// not be attached.
type Runner struct {
	backend jobserver.Backend
	logger  *slog.Logger
	cfg     RunnerConfig

	running map[string]*Job
	exits   chan *Job
	failed  int
	total   int

	badStdin *os.File
}

// NewRunner creates a Runner over the given backend, which may be nil
// for serial execution.
func NewRunner(
	backend jobserver.Backend,
	logger *slog.Logger,
	cfg RunnerConfig,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	return &Runner{
		backend: backend,
		logger:  logger,
		cfg:     cfg,
		running: make(map[string]*Job),
	}
}

// Run dispatches every command, waits for all of them to finish, and
// reports how many failed. A non-nil error is fatal: the pool itself
// misbehaved and the build cannot safely continue.
func (r *Runner) Run(commands []Command) (int, error) {
	r.exits = make(chan *Job, len(commands)+1)
	r.failed = 0
	r.total = len(commands)

	for _, c := range commands {
		holds, err := r.waitForSlot()
		if err != nil {
			return r.failed, err
		}

		if r.failed > 0 && !r.cfg.KeepGoing {
			if holds {
				if err := r.backend.Release(); err != nil {
					return r.failed, err
				}
			}
			break
		}

		if err := r.spawn(c, holds); err != nil {
			if holds {
				if rerr := r.backend.Release(); rerr != nil {
					return r.failed, rerr
				}
			}

			r.failed++
			r.logger.Warn("spawn command", "err", err)

			if !r.cfg.KeepGoing {
				break
			}
		}
	}

	if err := r.waitAll(); err != nil {
		return r.failed, err
	}

	return r.failed, nil
}

// Failed returns how many dispatched commands have failed so far.
func (r *Runner) Failed() int {
	return r.failed
}

// Close releases resources held by the Runner itself. It does not
// close the backend; the process owns that.
func (r *Runner) Close() {
	if r.badStdin != nil {
		r.badStdin.Close()
		r.badStdin = nil
	}
}

// waitForSlot blocks until the next job may start. It returns whether
// the job holds an acquired token, as opposed to riding the implicit
// slot.
func (r *Runner) waitForSlot() (bool, error) {
	if err := r.reapFinished(); err != nil {
		return false, err
	}

	for {
		if len(r.running) == 0 {
			return false, nil
		}

		if r.backend == nil {
			// Serial mode: wait for the one running job.
			if err := r.finish(<-r.exits); err != nil {
				return false, err
			}
			continue
		}

		res, err := r.backend.Acquire(r.cfg.PollInterval)
		if err != nil {
			return false, err
		}

		switch res {
		case jobserver.AcquireGranted:
			return true, nil

		case jobserver.AcquireInterrupted, jobserver.AcquireTimedOut:
			// A child terminated, or we're rechecking state: reap
			// whatever finished, then wait again.
			if err := r.reapFinished(); err != nil {
				return false, err
			}
		}
	}
}

func (r *Runner) spawn(c Command, holds bool) error {
	job, err := NewJob(uuid.NewString(), c)
	if err != nil {
		return err
	}
	job.holdsToken = holds

	env := os.Environ()

	if r.backend != nil {
		if c.Cooperating {
			auth, files, err := r.backend.ChildAuth()
			if err != nil {
				return err
			}
			job.extraFiles = files
			job.cmd.ExtraFiles = files
			env = setEnv(
				env,
				flagscan.EnvVar,
				flagscan.AppendAuth(r.cfg.BaseFlags, auth),
			)
		} else {
			// Ordinary children must not see the pool: strip the auth
			// option and give them a broken stdin so a parallel recipe
			// reading the terminal fails fast instead of stealing input.
			env = setEnv(
				env,
				flagscan.EnvVar,
				flagscan.AppendAuth(r.cfg.BaseFlags, ""),
			)
			if stdin := r.brokenStdin(); stdin != nil {
				job.cmd.Stdin = stdin
			}
		}
	}
	job.cmd.Env = env

	r.backendPreChild(c.Cooperating)
	err = job.Start(r.notifyExit)
	r.backendPostChild(c.Cooperating)

	if err != nil {
		return err
	}

	r.running[job.ID()] = job
	r.logger.Debug(
		"dispatched job",
		"id", job.ID(),
		"cooperating", c.Cooperating,
		"holdsToken", holds,
		"running", len(r.running),
	)

	return nil
}

// notifyExit is the termination-notification hook: it runs on the
// reaping goroutine the moment a child exits, wakes any blocked
// acquire, and queues the job for the main control flow to finish.
// Bookkeeping beyond that stays out of this path.
func (r *Runner) notifyExit(j *Job) {
	if r.backend != nil {
		r.backend.Interrupt()
	}

	r.exits <- j
}

// finish settles a reaped job in ordinary control flow. The token the
// parent acquired for the job is returned here, on the child's behalf,
// regardless of how the child died; children are never trusted to have
// released anything themselves.
func (r *Runner) finish(j *Job) error {
	delete(r.running, j.ID())

	if j.holdsToken {
		j.holdsToken = false
		if err := r.backend.Release(); err != nil {
			return err
		}
	}

	if code := j.ExitCode(); code != 0 {
		r.failed++
		r.logger.Warn("job failed", "id", j.ID(), "exitCode", code)
	} else {
		r.logger.Debug("job finished", "id", j.ID())
	}

	return nil
}

func (r *Runner) reapFinished() error {
	for {
		select {
		case j := <-r.exits:
			if err := r.finish(j); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (r *Runner) waitAll() error {
	for len(r.running) > 0 {
		if err := r.finish(<-r.exits); err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) backendPreChild(cooperating bool) {
	if r.backend != nil {
		r.backend.PreChild(cooperating)
	}
}

func (r *Runner) backendPostChild(cooperating bool) {
	if r.backend != nil {
		r.backend.PostChild(cooperating)
	}
}

// brokenStdin lazily creates the read end of a closed pipe.
func (r *Runner) brokenStdin() *os.File {
	if r.badStdin == nil {
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil
		}
		pw.Close()
		r.badStdin = pr
	}

	return r.badStdin
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}

	return append(env, prefix+value)
}
