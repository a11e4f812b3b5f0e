package jobserver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const fifoAuthPrefix = "fifo:"

// FifoBackend is the named pool: a FIFO in the filesystem that
// cooperating children open by path, so no descriptor has to cross the
// process boundary. A single descriptor opened read-write serves both
// directions and keeps the FIFO from ever reporting end-of-file.
type FifoBackend struct {
	p    pool
	path string

	// lock marks the FIFO's owner as alive. A second build that
	// collides on the same name finds the lock held and fails setup
	// instead of corrupting an unrelated pool; a leftover FIFO whose
	// lock is free is stale and gets removed.
	lock  *flock.Flock
	owner bool
}

// SetupFifo creates a FIFO pool holding slots-1 tokens. An empty dir
// defaults to the system temp directory; an empty name generates a
// unique one.
func SetupFifo(dir, name string, slots int) (*FifoBackend, error) {
	if slots < 1 {
		return nil, fmt.Errorf("slot budget must be at least 1, got %d", slots)
	}

	if dir == "" {
		dir = os.TempDir()
	}
	if name == "" {
		name = "slotserver-" + uuid.NewString()
	}
	path := filepath.Join(dir, name)

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock jobs fifo %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("jobs fifo %s is owned by another build", path)
	}

	if err := unix.Mkfifo(path, 0o600); err != nil {
		if err != unix.EEXIST {
			lock.Unlock()
			return nil, fmt.Errorf("create jobs fifo %s: %w", path, err)
		}

		// We hold the lock, so whoever created this FIFO is gone.
		if err := os.Remove(path); err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("remove stale jobs fifo %s: %w", path, err)
		}
		if err := unix.Mkfifo(path, 0o600); err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("create jobs fifo %s: %w", path, err)
		}
	}

	b, err := openFifo(path)
	if err != nil {
		os.Remove(path)
		lock.Unlock()
		return nil, err
	}
	b.lock = lock
	b.owner = true

	buf := [1]byte{token}
	for i := 0; i < slots-1; i++ {
		n, err := unix.Write(b.p.wfd, buf[:])
		if err == unix.EINTR {
			i--
			continue
		}
		if err != nil || n != 1 {
			b.Close()
			return nil, fmt.Errorf("preload jobs fifo: %w", err)
		}
	}

	return b, nil
}

// decodeFifo attaches to an existing FIFO pool by path. A missing FIFO
// means the owning build has already torn down, which degrades rather
// than aborts.
func decodeFifo(path string) (*FifoBackend, error) {
	if path == "" {
		return nil, NewInvalidAuthError(fifoAuthPrefix + path)
	}

	b, err := openFifo(path)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("jobs fifo %s: %w", path, ErrDegraded)
		}
		return nil, err
	}

	return b, nil
}

func openFifo(path string) (*FifoBackend, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open jobs fifo %s: %w", path, err)
	}

	p, err := newPool(fd, fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &FifoBackend{p: p, path: path}, nil
}

// Encode emits "fifo:<path>", valid in any process that can see the
// filesystem.
func (b *FifoBackend) Encode() string {
	return fifoAuthPrefix + b.path
}

func (b *FifoBackend) Acquire(timeout time.Duration) (AcquireResult, error) {
	return b.p.acquire(timeout)
}

func (b *FifoBackend) TryAcquire() (bool, error) {
	return b.p.tryAcquire()
}

func (b *FifoBackend) Release() error {
	return b.p.release()
}

func (b *FifoBackend) Available() (int, error) {
	return b.p.available()
}

func (b *FifoBackend) DrainAll() int {
	return b.p.drainAll()
}

func (b *FifoBackend) Interrupt() {
	b.p.interrupt()
}

// PreChild is a no-op for the FIFO style: the pool's identity crosses
// the process boundary as a name, not a descriptor.
func (b *FifoBackend) PreChild(cooperating bool) {}

// PostChild is a no-op for the FIFO style.
func (b *FifoBackend) PostChild(cooperating bool) {}

// ChildAuth returns the path-based auth string; no files need to be
// attached to the child.
func (b *FifoBackend) ChildAuth() (string, []*os.File, error) {
	return b.Encode(), nil, nil
}

// Close releases the process's handle. The owner additionally unlinks
// the FIFO and its lock file so the named resource does not outlive the
// top-level process; that cleanup is best-effort.
func (b *FifoBackend) Close() error {
	err := b.p.closeFDs()

	if b.owner {
		os.Remove(b.path)
		if b.lock != nil {
			b.lock.Unlock()
			os.Remove(b.lock.Path())
		}
		b.owner = false
	}

	return err
}

var _ Backend = (*FifoBackend)(nil)
