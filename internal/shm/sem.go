package shm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrInterrupted reports that a semaphore wait was abandoned because the
// caller's cancel predicate fired.
var ErrInterrupted = errors.New("semaphore wait interrupted")

// Sem is a counting semaphore whose value is a futex word inside the mapped
// region, so every process mapping the region contends on the same word.
type Sem struct {
	word *uint32
}

// semWaitSlice bounds a single kernel wait so the cancel predicate gets
// re-checked even when nobody releases the semaphore.
const semWaitSlice = 50 * time.Millisecond

// Acquire decrements the semaphore, blocking while it is zero. The cancel
// predicate is polled between wait rounds; a true return abandons the wait
// with ErrInterrupted. A nil cancel waits indefinitely.
func (m *Sem) Acquire(cancel func() bool) error {
	for {
		v := atomic.LoadUint32(m.word)
		if v > 0 {
			if atomic.CompareAndSwapUint32(m.word, v, v-1) {
				return nil
			}
			continue
		}

		if cancel != nil && cancel() {
			return ErrInterrupted
		}

		switch err := futexWait(m.word, 0, semWaitSlice); err {
		case nil, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		default:
			return fmt.Errorf("failed to wait on semaphore: %w", err)
		}
	}
}

// Release increments the semaphore and wakes one waiter.
func (m *Sem) Release() {
	atomic.AddUint32(m.word, 1)
	futexWake(m.word, 1)
}

func (m *Sem) init(v uint32) {
	atomic.StoreUint32(m.word, v)
}

// Value reports the current count. Diagnostic use only.
func (m *Sem) Value() uint32 {
	return atomic.LoadUint32(m.word)
}

// Linux futex(2) operation codes. golang.org/x/sys/unix does not export
// these (it only wraps the syscall number), so they are defined here; the
// values are fixed kernel UAPI constants from linux/futex.h.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

func futexWait(addr *uint32, val uint32, d time.Duration) error {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func futexWake(addr *uint32, n int) {
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp),
		uintptr(n),
		0, 0, 0,
	)
}
