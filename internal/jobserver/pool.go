package jobserver

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// token is the byte written to the pool for each free slot. The value
// is arbitrary; only the count matters.
const token = '+'

// pool is the descriptor-level half shared by both backend styles: a
// read side and a write side of a byte-counting resource, plus a
// process-local wakeup pipe that lets Interrupt cut a blocked wait
// short.
//
// The read side is kept non-blocking. Blocking waits are built from
// poll(2) over the read side and the wakeup pipe together, so a
// child-terminated notification arriving at any point around the wait
// is never missed: either the poll sees the wakeup byte, or the byte
// stays queued and the next wait returns immediately.
type pool struct {
	// rfd and wfd are the pool descriptors. For the FIFO style both
	// refer to the same descriptor.
	rfd int
	wfd int

	// wakeR and wakeW form the wakeup pipe. Only Interrupt writes to
	// wakeW; acquire drains wakeR before reporting AcquireInterrupted
	// so multiple notifications coalesce into one.
	wakeR int
	wakeW int
}

// newPool takes ownership of rfd and wfd, makes the read side
// non-blocking and allocates the wakeup pipe.
func newPool(rfd, wfd int) (pool, error) {
	if err := unix.SetNonblock(rfd, true); err != nil {
		return pool{}, fmt.Errorf("set token pool non-blocking: %w", err)
	}

	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return pool{}, fmt.Errorf("create wakeup pipe: %w", err)
	}

	return pool{rfd: rfd, wfd: wfd, wakeR: wake[0], wakeW: wake[1]}, nil
}

// tryAcquire performs one non-blocking read of a token. It returns
// false with a nil error when no token is available.
func (p *pool) tryAcquire() (bool, error) {
	var buf [1]byte

	for {
		n, err := unix.Read(p.rfd, buf[:])
		switch {
		case n == 1:
			return true, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return false, nil
		case err != nil:
			return false, fmt.Errorf("read token pool: %w", err)
		default:
			// A zero-length read means every write side is gone.
			return false, ErrPoolClosed
		}
	}
}

// acquire blocks until a token is read, the wakeup pipe fires, or the
// timeout elapses. A timeout <= 0 blocks indefinitely.
func (p *pool) acquire(timeout time.Duration) (AcquireResult, error) {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}

	for {
		got, err := p.tryAcquire()
		if err != nil {
			return AcquireUnknown, err
		}
		if got {
			return AcquireGranted, nil
		}

		fds := []unix.PollFd{
			{Fd: int32(p.rfd), Events: unix.POLLIN},
			{Fd: int32(p.wakeR), Events: unix.POLLIN},
		}

		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return AcquireUnknown, fmt.Errorf("poll token pool: %w", err)
		}
		if n == 0 {
			return AcquireTimedOut, nil
		}

		if fds[1].Revents != 0 {
			p.drainWake()
			return AcquireInterrupted, nil
		}

		// The pool became readable. Loop back to the read: another
		// process may snipe the token first, in which case the read
		// comes back EAGAIN and we wait again.
	}
}

// release returns exactly one token to the pool. Failure here is
// unrecoverable for the whole process tree, so callers treat a non-nil
// error as fatal.
func (p *pool) release() error {
	buf := [1]byte{token}

	for {
		n, err := unix.Write(p.wfd, buf[:])
		switch {
		case n == 1:
			return nil
		case err == unix.EINTR:
			continue
		case err != nil:
			return fmt.Errorf("write token pool: %w", err)
		default:
			return fmt.Errorf("write token pool: short write")
		}
	}
}

// available reports how many tokens are currently in the pool.
func (p *pool) available() (int, error) {
	n, err := unix.IoctlGetInt(p.rfd, unix.TIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("count token pool: %w", err)
	}

	return n, nil
}

// drainAll collects every currently-available token and returns the
// count. Used at teardown to account for parallelism that was granted,
// and as a diagnostic for leaked tokens.
func (p *pool) drainAll() int {
	var tokens int

	for {
		got, err := p.tryAcquire()
		if err != nil || !got {
			return tokens
		}
		tokens++
	}
}

// interrupt wakes any acquire blocked in poll. It performs a single
// non-blocking write and nothing else, so it is safe to call from any
// context, including a signal-notification path. EAGAIN means a wakeup
// is already pending, which is just as good.
func (p *pool) interrupt() {
	buf := [1]byte{token}
	unix.Write(p.wakeW, buf[:])
}

func (p *pool) drainWake() {
	var buf [16]byte

	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// closeFDs releases the pool and wakeup descriptors.
func (p *pool) closeFDs() error {
	var firstErr error

	closeFD := func(fd int) {
		if fd < 0 {
			return
		}
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close token pool fd %d: %w", fd, err)
		}
	}

	closeFD(p.rfd)
	if p.wfd != p.rfd {
		closeFD(p.wfd)
	}
	closeFD(p.wakeR)
	closeFD(p.wakeW)

	p.rfd, p.wfd, p.wakeR, p.wakeW = -1, -1, -1, -1

	return firstErr
}
