package jobserver_test

import (
	"errors"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nixpig/slotserver/internal/jobserver"
	"golang.org/x/sys/unix"
)

func setupBackend(
	t *testing.T,
	style jobserver.Style,
	slots int,
) jobserver.Backend {
	t.Helper()

	var b jobserver.Backend
	var err error

	if style == jobserver.StyleFifo {
		b, err = jobserver.SetupFifo(t.TempDir(), "", slots)
	} else {
		b, err = jobserver.SetupPipe(slots)
	}

	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	t.Cleanup(func() { b.Close() })

	return b
}

func forEachStyle(t *testing.T, fn func(t *testing.T, style jobserver.Style)) {
	styles := []jobserver.Style{jobserver.StylePipe, jobserver.StyleFifo}

	for _, style := range styles {
		t.Run(style.String(), func(t *testing.T) {
			fn(t, style)
		})
	}
}

func mustTryAcquire(t *testing.T, b jobserver.Backend) bool {
	t.Helper()

	got, err := b.TryAcquire()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return got
}

func mustRelease(t *testing.T, b jobserver.Backend) {
	t.Helper()

	if err := b.Release(); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
}

func mustAvailable(t *testing.T, b jobserver.Backend) int {
	t.Helper()

	n, err := b.Available()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return n
}

func TestSlotBudget(t *testing.T) {
	forEachStyle(t, func(t *testing.T, style jobserver.Style) {
		for slots := 1; slots <= 5; slots++ {
			t.Run("budget "+strconv.Itoa(slots), func(t *testing.T) {
				b := setupBackend(t, style, slots)

				if got := mustAvailable(t, b); got != slots-1 {
					t.Errorf(
						"expected available: got '%d', want '%d'",
						got,
						slots-1,
					)
				}

				for i := 0; i < slots-1; i++ {
					if !mustTryAcquire(t, b) {
						t.Fatalf("expected acquire %d of %d to succeed", i+1, slots-1)
					}
				}

				if mustTryAcquire(t, b) {
					t.Errorf("expected acquire %d to report unavailable", slots)
				}
			})
		}
	})
}

func TestTokenRoundTrip(t *testing.T) {
	forEachStyle(t, func(t *testing.T, style jobserver.Style) {
		b := setupBackend(t, style, 2)

		if !mustTryAcquire(t, b) {
			t.Fatal("expected first acquire to succeed")
		}

		mustRelease(t, b)

		if !mustTryAcquire(t, b) {
			t.Error("expected acquire after release to succeed")
		}
	})
}

func TestDrainAll(t *testing.T) {
	forEachStyle(t, func(t *testing.T, style jobserver.Style) {
		const slots = 6
		const outstanding = 2

		b := setupBackend(t, style, slots)

		for i := 0; i < outstanding; i++ {
			if !mustTryAcquire(t, b) {
				t.Fatalf("expected acquire %d to succeed", i+1)
			}
		}

		if got := b.DrainAll(); got != slots-1-outstanding {
			t.Errorf(
				"expected drained: got '%d', want '%d'",
				got,
				slots-1-outstanding,
			)
		}

		if mustTryAcquire(t, b) {
			t.Error("expected acquire after drain to report unavailable")
		}

		for i := 0; i < outstanding; i++ {
			mustRelease(t, b)
		}

		if got := b.DrainAll(); got != outstanding {
			t.Errorf("expected drained: got '%d', want '%d'", got, outstanding)
		}
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	forEachStyle(t, func(t *testing.T, style jobserver.Style) {
		b := setupBackend(t, style, 4)

		other, err := jobserver.Decode(b.Encode())
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		// Tokens taken through the decoded handle disappear from the
		// original's pool, and vice versa: it's the same pool.
		if !mustTryAcquire(t, other) {
			t.Fatal("expected acquire through decoded handle to succeed")
		}

		if got := mustAvailable(t, b); got != 2 {
			t.Errorf("expected available: got '%d', want '%d'", got, 2)
		}

		if !mustTryAcquire(t, b) || !mustTryAcquire(t, b) {
			t.Fatal("expected acquires through original handle to succeed")
		}

		if mustTryAcquire(t, other) {
			t.Error("expected empty pool through decoded handle")
		}

		mustRelease(t, other)

		if !mustTryAcquire(t, b) {
			t.Error("expected released token to be available to either handle")
		}
	})
}

func TestBudgetFourScenario(t *testing.T) {
	forEachStyle(t, func(t *testing.T, style jobserver.Style) {
		b := setupBackend(t, style, 4)

		for i := 0; i < 3; i++ {
			if !mustTryAcquire(t, b) {
				t.Fatalf("expected acquire %d to succeed", i+1)
			}
		}

		if mustTryAcquire(t, b) {
			t.Fatal("expected fourth non-blocking acquire to report unavailable")
		}

		results := make(chan jobserver.AcquireResult, 1)
		go func() {
			res, _ := b.Acquire(0)
			results <- res
		}()

		select {
		case res := <-results:
			t.Fatalf("expected fourth acquire to block: got '%s'", res)
		case <-time.After(100 * time.Millisecond):
		}

		mustRelease(t, b)

		select {
		case res := <-results:
			if res != jobserver.AcquireGranted {
				t.Errorf(
					"expected result: got '%s', want '%s'",
					res,
					jobserver.AcquireGranted,
				)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("expected release to unblock the fourth acquire")
		}
	})
}

func TestAcquireInterrupted(t *testing.T) {
	forEachStyle(t, func(t *testing.T, style jobserver.Style) {
		// Budget 1: no tokens will ever arrive, only the notification.
		b := setupBackend(t, style, 1)

		go func() {
			time.Sleep(50 * time.Millisecond)
			b.Interrupt()
		}()

		res, err := b.Acquire(0)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if res != jobserver.AcquireInterrupted {
			t.Errorf(
				"expected result: got '%s', want '%s'",
				res,
				jobserver.AcquireInterrupted,
			)
		}
	})
}

func TestAcquirePendingInterrupt(t *testing.T) {
	forEachStyle(t, func(t *testing.T, style jobserver.Style) {
		b := setupBackend(t, style, 1)

		// A notification delivered before the wait starts must not be
		// lost to the check-then-wait race.
		b.Interrupt()

		res, err := b.Acquire(0)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if res != jobserver.AcquireInterrupted {
			t.Errorf(
				"expected result: got '%s', want '%s'",
				res,
				jobserver.AcquireInterrupted,
			)
		}
	})
}

func TestAcquireTimeout(t *testing.T) {
	forEachStyle(t, func(t *testing.T, style jobserver.Style) {
		b := setupBackend(t, style, 1)

		res, err := b.Acquire(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if res != jobserver.AcquireTimedOut {
			t.Errorf(
				"expected result: got '%s', want '%s'",
				res,
				jobserver.AcquireTimedOut,
			)
		}
	})
}

func TestInvariantUnderConcurrency(t *testing.T) {
	forEachStyle(t, func(t *testing.T, style jobserver.Style) {
		const slots = 8
		const workers = 4
		const rounds = 5
		const iterations = 200

		b := setupBackend(t, style, slots)

		held := make([]int, workers)

		for round := 0; round < rounds; round++ {
			var wg sync.WaitGroup

			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()

					for i := 0; i < iterations; i++ {
						if held[w] > 0 && rand.IntN(2) == 0 {
							if err := b.Release(); err != nil {
								t.Errorf(
									"expected not to receive error: got '%v'",
									err,
								)
								return
							}
							held[w]--
							continue
						}

						got, err := b.TryAcquire()
						if err != nil {
							t.Errorf(
								"expected not to receive error: got '%v'",
								err,
							)
							return
						}
						if got {
							held[w]++
						}
					}
				}()
			}

			wg.Wait()

			// Quiescent point: in-pool plus held must equal the budget.
			totalHeld := 0
			for _, h := range held {
				if h < 0 {
					t.Fatalf("expected held count to be non-negative: got '%d'", h)
				}
				totalHeld += h
			}

			if got := mustAvailable(t, b); got+totalHeld != slots-1 {
				t.Fatalf(
					"expected pool+held: got '%d', want '%d'",
					got+totalHeld,
					slots-1,
				)
			}
		}
	})
}

func TestDecodeDegradedPipe(t *testing.T) {
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	auth := strconv.Itoa(int(pr.Fd())) + "," + strconv.Itoa(int(pw.Fd()))

	pr.Close()
	pw.Close()

	if _, err := jobserver.Decode(auth); !errors.Is(err, jobserver.ErrDegraded) {
		t.Errorf("expected to receive ErrDegraded: got '%v'", err)
	}
}

func TestDecodeDegradedFifo(t *testing.T) {
	auth := "fifo:" + t.TempDir() + "/no-such-pool"

	if _, err := jobserver.Decode(auth); !errors.Is(err, jobserver.ErrDegraded) {
		t.Errorf("expected to receive ErrDegraded: got '%v'", err)
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, auth := range []string{"", "bogus", "3", "-1,2", "3,x", "a,b"} {
		t.Run("auth "+auth, func(t *testing.T) {
			_, err := jobserver.Decode(auth)

			if !errors.As(err, &jobserver.InvalidAuthError{}) {
				t.Errorf("expected to receive InvalidAuthError: got '%v'", err)
			}
		})
	}
}

func TestFifoCollision(t *testing.T) {
	dir := t.TempDir()

	b, err := jobserver.SetupFifo(dir, "pool", 2)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if _, err := jobserver.SetupFifo(dir, "pool", 2); err == nil {
		t.Error("expected colliding setup to fail while the owner is alive")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	b2, err := jobserver.SetupFifo(dir, "pool", 2)
	if err != nil {
		t.Fatalf("expected setup after owner teardown to succeed: got '%v'", err)
	}
	b2.Close()
}

func TestFifoStaleRemoval(t *testing.T) {
	dir := t.TempDir()

	// A leftover FIFO with no live owner must not block a new build.
	if err := unix.Mkfifo(dir+"/pool", 0o600); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	b, err := jobserver.SetupFifo(dir, "pool", 3)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}
	defer b.Close()

	if got := mustAvailable(t, b); got != 2 {
		t.Errorf("expected available: got '%d', want '%d'", got, 2)
	}
}
