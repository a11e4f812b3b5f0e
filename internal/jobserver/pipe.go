package jobserver

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// PipeBackend is the anonymous-pipe pool. The pipe's descriptors are
// close-on-exec by default; PreChild/PostChild bracket process creation
// to expose them only to cooperating children.
type PipeBackend struct {
	p pool
}

// SetupPipe creates a pipe pool holding slots-1 tokens.
func SetupPipe(slots int) (*PipeBackend, error) {
	if slots < 1 {
		return nil, fmt.Errorf("slot budget must be at least 1, got %d", slots)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create jobs pipe: %w", err)
	}

	buf := [1]byte{token}
	for i := 0; i < slots-1; i++ {
		n, err := unix.Write(fds[1], buf[:])
		if err == unix.EINTR {
			i--
			continue
		}
		if err != nil || n != 1 {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("preload jobs pipe: %w", err)
		}
	}

	p, err := newPool(fds[0], fds[1])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}

	return &PipeBackend{p: p}, nil
}

// decodePipe validates a "<read-fd>,<write-fd>" auth string and wraps
// the inherited descriptors. EBADF means the parent didn't actually
// pass us the pipe (it didn't consider us a cooperating build, or has
// torn down already), which degrades rather than aborts.
func decodePipe(auth string) (*PipeBackend, error) {
	rstr, wstr, ok := strings.Cut(auth, ",")
	if !ok {
		return nil, NewInvalidAuthError(auth)
	}

	rfd, err := strconv.Atoi(rstr)
	if err != nil || rfd < 0 {
		return nil, NewInvalidAuthError(auth)
	}

	wfd, err := strconv.Atoi(wstr)
	if err != nil || wfd < 0 {
		return nil, NewInvalidAuthError(auth)
	}

	for _, fd := range []int{rfd, wfd} {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			if err == unix.EBADF {
				return nil, fmt.Errorf("jobs pipe fd %d: %w", fd, ErrDegraded)
			}
			return nil, fmt.Errorf("validate jobs pipe fd %d: %w", fd, err)
		}
	}

	// Restore the default: children don't see the pipe unless a
	// PreChild bracket deliberately exposes it.
	fdNoinherit(rfd)
	fdNoinherit(wfd)

	p, err := newPool(rfd, wfd)
	if err != nil {
		return nil, err
	}

	return &PipeBackend{p: p}, nil
}

// Encode emits the process-local descriptor numbers. The result is
// only meaningful to a child that inherited those exact descriptors;
// spawning through os/exec should use ChildAuth instead.
func (b *PipeBackend) Encode() string {
	return strconv.Itoa(b.p.rfd) + "," + strconv.Itoa(b.p.wfd)
}

func (b *PipeBackend) Acquire(timeout time.Duration) (AcquireResult, error) {
	return b.p.acquire(timeout)
}

func (b *PipeBackend) TryAcquire() (bool, error) {
	return b.p.tryAcquire()
}

func (b *PipeBackend) Release() error {
	return b.p.release()
}

func (b *PipeBackend) Available() (int, error) {
	return b.p.available()
}

func (b *PipeBackend) DrainAll() int {
	return b.p.drainAll()
}

func (b *PipeBackend) Interrupt() {
	b.p.interrupt()
}

// PreChild makes the pipe descriptors survive exec when the
// about-to-be-created process is a cooperating sub-build. For ordinary
// children this is a no-op: the descriptors are close-on-exec already.
func (b *PipeBackend) PreChild(cooperating bool) {
	if cooperating {
		fdInherit(b.p.rfd)
		fdInherit(b.p.wfd)
	}
}

// PostChild immediately restores close-on-exec in the parent so later,
// ordinary children never see the pool by accident.
func (b *PipeBackend) PostChild(cooperating bool) {
	if cooperating {
		fdNoinherit(b.p.rfd)
		fdNoinherit(b.p.wfd)
	}
}

// ChildAuth duplicates the pipe descriptors for attachment to a child
// process as descriptors 3 and 4, and returns the matching auth string.
func (b *PipeBackend) ChildAuth() (string, []*os.File, error) {
	rdup, err := unix.Dup(b.p.rfd)
	if err != nil {
		return "", nil, fmt.Errorf("dup jobs pipe read fd: %w", err)
	}

	wdup, err := unix.Dup(b.p.wfd)
	if err != nil {
		unix.Close(rdup)
		return "", nil, fmt.Errorf("dup jobs pipe write fd: %w", err)
	}

	files := []*os.File{
		os.NewFile(uintptr(rdup), "jobserver-r"),
		os.NewFile(uintptr(wdup), "jobserver-w"),
	}

	return "3,4", files, nil
}

func (b *PipeBackend) Close() error {
	return b.p.closeFDs()
}

// fdInherit clears close-on-exec so fd survives process replacement.
func fdInherit(fd int) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return
	}

	unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC)
}

// fdNoinherit sets close-on-exec so fd does not leak into children.
func fdNoinherit(fd int) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return
	}

	unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
}

var _ Backend = (*PipeBackend)(nil)
